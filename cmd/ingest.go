package cmd

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/civic-ingest/internal/model"
	"github.com/JakeFAU/civic-ingest/internal/server"
)

var errRunFailed = errors.New("ingestion run failed")

func newIngestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ingest",
		Short: "Run one ingestion pass over every enabled endpoint",
		Long: `Polls every enabled endpoint once, upserts new and changed items and
alerts, and prints the run summary as JSON. Per-source failures are recorded
in the run ledger and do not fail the command; a store failure does.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), e, func(app *server.App) error {
				runner, err := app.Runner(cmd.Context())
				if err != nil {
					return err
				}
				summary, runErr := runner.Run(cmd.Context(), "cli")
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(summary); err != nil {
					return fmt.Errorf("write summary: %w", err)
				}
				if runErr != nil {
					return fmt.Errorf("%w: %w", errRunFailed, runErr)
				}
				if summary.Status == model.RunError {
					return errRunFailed
				}
				return nil
			})
		},
	}
}
