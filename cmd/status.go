package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/meridian-grp/docnotify/internal/ledger"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show recently processed documents",
	Long:  "Displays the most recent ledger entries with their delivery outcome, plus the current watermark.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		limit, _ := cmd.Flags().GetInt("limit")
		failedOnly, _ := cmd.Flags().GetBool("failed")

		pool, err := newPool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		led := ledger.NewLedger(pool)

		var entries []ledger.Document
		if failedOnly {
			entries, err = led.Failed(ctx)
		} else {
			entries, err = led.ListRecent(ctx, limit)
		}
		if err != nil {
			return eris.Wrap(err, "status")
		}

		last, ok, err := ledger.NewWatermarks(pool).Last(ctx)
		if err != nil {
			return eris.Wrap(err, "status: read watermark")
		}
		if ok {
			fmt.Printf("Watermark: %s\n\n", last.Format(time.RFC3339))
		} else {
			fmt.Println("Watermark: none (no completed run yet)")
			fmt.Println()
		}

		if len(entries) == 0 {
			zap.L().Info("no ledger entries found, run 'docnotify process' to start")
			return nil
		}

		formatStatusEntries(os.Stdout, entries)
		return nil
	},
}

func init() {
	statusCmd.Flags().Int("limit", 50, "maximum entries to display")
	statusCmd.Flags().Bool("failed", false, "show only documents whose last attempt failed")
	rootCmd.AddCommand(statusCmd)
}

// formatStatusEntries writes a tabular representation of ledger entries to w.
func formatStatusEntries(out io.Writer, entries []ledger.Document) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "DOCUMENT\tPORTFOLIO\tNAME\tPROCESSED\tSENT\tERROR")
	_, _ = fmt.Fprintln(w, "--------\t---------\t----\t---------\t----\t-----")

	for _, e := range entries {
		sent := "no"
		if e.NotificationSent {
			sent = "yes"
		}

		errMsg := ""
		if e.ErrorMessage != "" {
			errMsg = truncate(e.ErrorMessage, 60)
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.DocumentID,
			e.PortfolioID,
			truncate(e.Name, 40),
			e.ProcessedAt.Format("2006-01-02 15:04"),
			sent,
			errMsg,
		)
	}
	_ = w.Flush()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
