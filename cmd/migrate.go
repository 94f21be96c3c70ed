package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	pgstore "github.com/JakeFAU/civic-ingest/internal/storage/postgres"
)

// migrateFn is replaced in tests.
var migrateFn = pgstore.Migrate

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "migrate [up|down]",
		Short:     "Apply or revert the Postgres schema",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{string(pgstore.Up), string(pgstore.Down)},
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			if e.cfg.DB.Backend != "postgres" {
				return fmt.Errorf("migrate requires the postgres backend, got %q", e.cfg.DB.Backend)
			}
			version, err := migrateFn(e.cfg.DB.DSN, pgstore.Direction(args[0]))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema version %d\n", version)
			return nil
		},
	}
}
