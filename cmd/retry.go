package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/meridian-grp/docnotify/internal/engine"
	"github.com/meridian-grp/docnotify/internal/ledger"
)

var retryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Re-dispatch failed notifications",
	Long: `Re-dispatches notifications for ledger rows whose last attempt failed.

Use --document-id to retry a single document, or --all for every failed row.
Retrying a document that is not in the ledger, or that was already
delivered, does nothing.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		documentID, _ := cmd.Flags().GetString("document-id")
		all, _ := cmd.Flags().GetBool("all")
		noSummary, _ := cmd.Flags().GetBool("no-summary")
		failuresOnly, _ := cmd.Flags().GetBool("failures-only")

		if documentID == "" && !all {
			return eris.New("retry: pass --document-id or --all")
		}
		if documentID != "" && all {
			return eris.New("retry: --document-id and --all are mutually exclusive")
		}

		pool, err := newPool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		if err := ledger.Migrate(ctx, pool); err != nil {
			return eris.Wrap(err, "retry: migrate")
		}

		eng, closeNotifier, err := initEngine(ctx, pool)
		if err != nil {
			return err
		}
		defer closeNotifier()

		res, err := eng.Retry(ctx, engine.RetryOpts{
			DocumentID:   documentID,
			SkipSummary:  noSummary,
			FailuresOnly: failuresOnly,
		})
		if err != nil {
			return eris.Wrap(err, "retry")
		}

		fmt.Printf("Retried: %d delivered, %d still failing\n", res.Processed, res.Errors)
		if res.Errors > 0 {
			return eris.Errorf("%d document(s) still failing", res.Errors)
		}
		return nil
	},
}

func init() {
	retryCmd.Flags().String("document-id", "", "retry a single document by its store ID")
	retryCmd.Flags().Bool("all", false, "retry every failed document in the ledger")
	retryCmd.Flags().Bool("no-summary", false, "suppress the run summary webhook")
	retryCmd.Flags().Bool("failures-only", false, "send the run summary only when errors occurred")
	rootCmd.AddCommand(retryCmd)
}
