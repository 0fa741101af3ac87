package main

import (
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/meridian-grp/docnotify/internal/engine"
	"github.com/meridian-grp/docnotify/internal/ledger"
)

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Poll the document store and dispatch notifications",
	Long: `Polls the document store for documents added since the last run,
skips documents already recorded in the ledger, and dispatches one
notification per new document.

Use --since to override the stored watermark with an explicit RFC 3339
timestamp. Use --dry-run to report what would be dispatched without sending
anything or recording state. Use --force to complete the run (and advance
the watermark) even when the poll window is empty.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		log := zap.L().With(zap.String("command", "process"))

		opts, err := parseProcessOpts(cmd)
		if err != nil {
			return err
		}

		pool, err := newPool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		// Ensure migrations are current.
		if err := ledger.Migrate(ctx, pool); err != nil {
			return eris.Wrap(err, "process: migrate")
		}

		eng, closeNotifier, err := initEngine(ctx, pool)
		if err != nil {
			return err
		}
		defer closeNotifier()

		log.Info("starting processing run",
			zap.Bool("dry_run", opts.DryRun),
			zap.Bool("force", opts.Force),
		)

		res, err := eng.Process(ctx, opts)
		if err != nil {
			return eris.Wrap(err, "process")
		}

		fmt.Printf("Processed %d document(s), %d error(s)\n", res.Processed, res.Errors)
		if res.Errors > 0 {
			return eris.Errorf("%d document(s) failed, see log or run 'docnotify retry --all'", res.Errors)
		}
		return nil
	},
}

func init() {
	processCmd.Flags().Bool("dry-run", false, "report what would be dispatched without sending or recording anything")
	processCmd.Flags().Bool("force", false, "complete the run even when the poll window is empty")
	processCmd.Flags().String("since", "", "override the watermark with an RFC 3339 timestamp (e.g. 2026-08-01T00:00:00Z)")
	processCmd.Flags().Bool("no-summary", false, "suppress the run summary webhook")
	processCmd.Flags().Bool("failures-only", false, "send the run summary only when errors occurred")
	rootCmd.AddCommand(processCmd)
}

// parseProcessOpts extracts engine.ProcessOpts from the cobra command flags.
func parseProcessOpts(cmd *cobra.Command) (engine.ProcessOpts, error) {
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	force, _ := cmd.Flags().GetBool("force")
	sinceStr, _ := cmd.Flags().GetString("since")
	noSummary, _ := cmd.Flags().GetBool("no-summary")
	failuresOnly, _ := cmd.Flags().GetBool("failures-only")

	opts := engine.ProcessOpts{
		DryRun:       dryRun,
		Force:        force,
		SkipSummary:  noSummary,
		FailuresOnly: failuresOnly,
	}

	if sinceStr != "" {
		t, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			return engine.ProcessOpts{}, eris.Wrapf(err, "parse --since %q", sinceStr)
		}
		opts.Since = &t
	}

	return opts, nil
}
