package cmd

import (
	"fmt"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/jobala/rowstore/config"
	"github.com/jobala/rowstore/engine"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var (
	createCmd = &cobra.Command{
		Use:   "create table schema-file",
		Short: "Create a table from an HCL schema file",
		Args:  cobra.ExactArgs(2),
		RunE:  createRun,
	}

	tablesCmd = &cobra.Command{
		Use:   "tables",
		Short: "List the tables",
		Args:  cobra.NoArgs,
		RunE:  tablesRun,
	}

	checkCmd = &cobra.Command{
		Use:   "check table...",
		Short: "Verify every page of tables",
		Args:  cobra.MinimumNArgs(1),
		RunE:  checkRun,
	}

	dumpCmd = &cobra.Command{
		Use:   "dump table",
		Short: "Show the pages of a table",
		Args:  cobra.ExactArgs(1),
		RunE:  dumpRun,
	}
)

func init() {
	rowstoreCmd.AddCommand(createCmd, tablesCmd, checkCmd, dumpCmd)
}

func createRun(cmd *cobra.Command, args []string) error {
	schema, err := config.LoadSchema(args[1])
	if err != nil {
		return err
	}

	return withEngine(func(e *engine.Engine) error {
		t, err := e.CreateTable(args[0], schema.Columns, schema.Checksum, schema.MinBlockLength)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "created table %s with %d columns\n", t.Name, len(schema.Columns))
		return nil
	})
}

func tablesRun(cmd *cobra.Command, args []string) error {
	return withEngine(func(e *engine.Engine) error {
		tw := tablewriter.NewWriter(cmd.OutOrStdout())
		tw.SetAutoFormatHeaders(false)
		tw.SetHeader([]string{"table", "id", "rows", "columns"})

		for _, name := range e.TableNames() {
			t, err := e.Table(name)
			if err != nil {
				return err
			}
			def := t.Definition()
			tw.Append([]string{
				name,
				strconv.Itoa(int(def.ID)),
				humanize.Comma(def.State.Rows),
				strconv.Itoa(len(def.Columns)),
			})
		}
		tw.Render()
		return nil
	})
}

func checkRun(cmd *cobra.Command, args []string) error {
	return withEngine(func(e *engine.Engine) error {
		w := cmd.OutOrStdout()
		failed := 0
		for _, name := range args {
			t, err := e.Table(name)
			if err != nil {
				return err
			}
			report, err := t.Check()
			if err != nil {
				return err
			}

			fmt.Fprintf(w, "%s: %s rows, %s of row data in %d pages (%d head, %d tail, %d full, %d empty)\n",
				name, humanize.Comma(report.Rows), humanize.Bytes(uint64(report.RowBytes)),
				report.Pages, report.HeadPages, report.TailPages, report.FullPages, report.EmptyPages)
			for _, problem := range report.Problems {
				fmt.Fprintf(w, "  %s\n", problem)
			}
			if !report.OK() {
				failed++
			}
		}

		if failed > 0 {
			return errors.Errorf("%d of %d tables have problems", failed, len(args))
		}
		return nil
	})
}

func dumpRun(cmd *cobra.Command, args []string) error {
	return withEngine(func(e *engine.Engine) error {
		t, err := e.Table(args[0])
		if err != nil {
			return err
		}
		pages, err := t.Dump()
		if err != nil {
			return err
		}

		tw := tablewriter.NewWriter(cmd.OutOrStdout())
		tw.SetAutoFormatHeaders(false)
		tw.SetHeader([]string{"page", "type", "bits", "lsn", "rows", "slots", "empty space"})
		for _, info := range pages {
			tw.Append([]string{
				strconv.FormatUint(info.Page, 10),
				info.Type.String(),
				strconv.Itoa(int(info.Bits)),
				strconv.FormatUint(info.LSN, 10),
				strconv.Itoa(info.Rows),
				strconv.Itoa(info.Slots),
				humanize.Bytes(uint64(info.EmptySpace)),
			})
		}
		tw.Render()
		fmt.Fprintf(cmd.OutOrStdout(), "(%d pages)\n", tw.NumLines())
		return nil
	})
}
