package cmd

import (
	"fmt"
	"strings"

	"github.com/jobala/rowstore/engine"
	"github.com/jobala/rowstore/trnman"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	recoverCmd = &cobra.Command{
		Use:   "recover",
		Short: "Replay the log and roll back unfinished transactions",
		Args:  cobra.NoArgs,
		RunE:  recoverRun,
	}

	checkpointCmd = &cobra.Command{
		Use:   "checkpoint",
		Short: "Write every table to disk and purge the log",
		Args:  cobra.NoArgs,
		RunE:  checkpointRun,
	}
)

func init() {
	rowstoreCmd.AddCommand(recoverCmd, checkpointCmd)
}

func recoverRun(cmd *cobra.Command, args []string) error {
	return withEngine(func(e *engine.Engine) error {
		res := e.Recovered()
		w := cmd.OutOrStdout()

		fmt.Fprintf(w, "redone %d records, skipped %d\n", res.Redone, res.Skipped)
		fmt.Fprintf(w, "rolled back %d transactions, %d records undone\n", len(res.Losers), res.Undone)
		if len(res.Crashed) > 0 {
			fmt.Fprintf(w, "crashed tables: %s\n", strings.Join(res.Crashed, ", "))
			return errors.Errorf("%d tables need repair", len(res.Crashed))
		}
		return nil
	})
}

func checkpointRun(cmd *cobra.Command, args []string) error {
	return withEngine(func(e *engine.Engine) error {
		lsn, err := e.Checkpoint()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "checkpoint at lsn %d, log starts at %d\n", lsn, e.Log().FirstLSN())
		return nil
	})
}

// rollback ends trn after a failed change and returns the failure.
func rollback(e *engine.Engine, trn *trnman.Trn, err error) error {
	if rbErr := e.Rollback(trn); rbErr != nil {
		log.WithError(rbErr).WithField("trid", trn.ID).Error("rollback failed")
	}
	return err
}
