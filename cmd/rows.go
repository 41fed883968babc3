package cmd

import (
	"fmt"
	"io"

	"github.com/jobala/rowstore/blockrec"
	"github.com/jobala/rowstore/engine"
	"github.com/jobala/rowstore/record"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var (
	insertCmd = &cobra.Command{
		Use:   "insert table value...",
		Short: "Insert a row, one value per column",
		Long: "Insert a row, one value per column. NULL is a null value; a blob value of " +
			"@file is read from file.",
		Args: cobra.MinimumNArgs(2),
		RunE: insertRun,
	}

	scanCmd = &cobra.Command{
		Use:   "scan table",
		Short: "Show the rows of a table",
		Args:  cobra.ExactArgs(1),
		RunE:  scanRun,
	}

	deleteCmd = &cobra.Command{
		Use:   "delete table page:slot...",
		Short: "Delete rows by position",
		Args:  cobra.MinimumNArgs(2),
		RunE:  deleteRun,
	}

	scanLimit = 0
)

func init() {
	scanCmd.Flags().IntVarP(&scanLimit, "limit", "n", scanLimit, "show at most `count` rows")
	rowstoreCmd.AddCommand(insertCmd, scanCmd, deleteCmd)
}

func insertRun(cmd *cobra.Command, args []string) error {
	return withEngine(func(e *engine.Engine) error {
		t, err := e.Table(args[0])
		if err != nil {
			return err
		}
		rec, err := parseRecord(t.Definition().Columns, args[1:])
		if err != nil {
			return err
		}

		trn := e.Begin()
		pos, err := t.Insert(trn, rec)
		if err != nil {
			return rollback(e, trn, err)
		}
		if err := e.Commit(trn); err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "inserted %s\n", pos)
		return nil
	})
}

func scanRun(cmd *cobra.Command, args []string) error {
	return withEngine(func(e *engine.Engine) error {
		t, err := e.Table(args[0])
		if err != nil {
			return err
		}
		columns := t.Definition().Columns

		tw := tablewriter.NewWriter(cmd.OutOrStdout())
		tw.SetAutoFormatHeaders(false)
		header := []string{"pos"}
		for _, col := range columns {
			header = append(header, col.Name)
		}
		tw.SetHeader(header)

		trn := e.Begin()
		defer e.Commit(trn)

		err = t.Scan(trn, func(pos blockrec.RecordPos, rec record.Record) error {
			row := []string{pos.String()}
			for i, col := range columns {
				row = append(row, formatValue(col, rec[i]))
			}
			tw.Append(row)
			if scanLimit > 0 && tw.NumLines() >= scanLimit {
				return io.EOF
			}
			return nil
		})
		if err != nil {
			return err
		}

		tw.Render()
		fmt.Fprintf(cmd.OutOrStdout(), "(%d rows)\n", tw.NumLines())
		return nil
	})
}

func deleteRun(cmd *cobra.Command, args []string) error {
	return withEngine(func(e *engine.Engine) error {
		t, err := e.Table(args[0])
		if err != nil {
			return err
		}

		var positions []blockrec.RecordPos
		for _, arg := range args[1:] {
			pos, err := blockrec.ParsePos(arg)
			if err != nil {
				return err
			}
			positions = append(positions, pos)
		}

		trn := e.Begin()
		for _, pos := range positions {
			if err := t.Delete(trn, pos); err != nil {
				return rollback(e, trn, err)
			}
		}
		if err := e.Commit(trn); err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "deleted %d rows\n", len(positions))
		return nil
	})
}
