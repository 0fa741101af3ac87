package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"github.com/wneessen/go-mail"
)

type healthProbe struct {
	name  string
	check func(ctx context.Context) error
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check connectivity to all configured backends",
	Long: `Probes the database, the document store, and the configured dispatch
backend (broker or SMTP). Exits non-zero when any probe fails.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		timeoutSecs, _ := cmd.Flags().GetInt("timeout")
		ctx, cancel := context.WithTimeout(cmd.Context(), time.Duration(timeoutSecs)*time.Second)
		defer cancel()

		probes := []healthProbe{
			{name: "database", check: probeDatabase},
			{name: "document-store", check: probeSource},
		}
		switch cfg.Notify.Mode {
		case "broker":
			probes = append(probes, healthProbe{name: "broker", check: probeBroker})
		case "mail":
			probes = append(probes,
				healthProbe{name: "smtp", check: probeSMTP},
				healthProbe{name: "crm", check: probeCRM},
			)
		}

		failed := runProbes(ctx, os.Stdout, probes)
		if failed > 0 {
			return eris.Errorf("%d probe(s) failed", failed)
		}
		return nil
	},
}

func init() {
	healthCmd.Flags().Int("timeout", 10, "per-run timeout in seconds")
	rootCmd.AddCommand(healthCmd)
}

// runProbes executes each probe and writes a tabular report to out,
// returning the number of failures.
func runProbes(ctx context.Context, out io.Writer, probes []healthProbe) int {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "PROBE\tSTATUS\tDETAIL")

	failed := 0
	for _, p := range probes {
		status, detail := "ok", ""
		if err := p.check(ctx); err != nil {
			status = "FAIL"
			detail = truncate(err.Error(), 80)
			failed++
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", p.name, status, detail)
	}
	_ = w.Flush()
	return failed
}

func probeDatabase(ctx context.Context) error {
	pool, err := newPool(ctx)
	if err != nil {
		return err
	}
	pool.Close()
	return nil
}

func probeSource(ctx context.Context) error {
	return newSource().Healthy(ctx)
}

func probeBroker(ctx context.Context) error {
	conn, err := amqp.Dial(cfg.Broker.URL)
	if err != nil {
		return eris.Wrap(err, "dial broker")
	}
	return conn.Close()
}

// probeCRM exercises the JWT auth flow; salesforce.Init fails fast on bad
// credentials.
func probeCRM(ctx context.Context) error {
	_, err := newDirectory()
	return err
}

func probeSMTP(ctx context.Context) error {
	client, err := mail.NewClient(cfg.SMTP.Host, mail.WithPort(cfg.SMTP.Port))
	if err != nil {
		return eris.Wrap(err, "build smtp client")
	}
	if err := client.DialWithContext(ctx); err != nil {
		return eris.Wrap(err, "dial smtp")
	}
	return client.Close()
}
