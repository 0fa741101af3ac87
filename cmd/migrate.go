package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/meridian-grp/docnotify/internal/ledger"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply schema migrations",
	Long: `Applies all pending SQL migrations to the doc_notify schema in
lexicographic order.

Without --create the command refuses to run against a database where the
doc_notify schema does not exist yet; pass --create on first deployment.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		create, _ := cmd.Flags().GetBool("create")

		pool, err := newPool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		if !create {
			exists, err := ledger.SchemaExists(ctx, pool)
			if err != nil {
				return eris.Wrap(err, "migrate")
			}
			if !exists {
				return eris.New("migrate: doc_notify schema does not exist, re-run with --create")
			}
		}

		if err := ledger.Migrate(ctx, pool); err != nil {
			return eris.Wrap(err, "migrate")
		}

		zap.L().Info("all migrations applied successfully")
		return nil
	},
}

func init() {
	migrateCmd.Flags().Bool("create", false, "create the doc_notify schema when missing")
	rootCmd.AddCommand(migrateCmd)
}
