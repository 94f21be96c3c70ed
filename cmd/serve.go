package cmd

import (
	"github.com/spf13/cobra"

	"github.com/JakeFAU/civic-ingest/internal/server"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run ingestion on a schedule behind the ops HTTP server",
		Long: `Starts a run immediately and then every ingest.interval, never two at
once, and serves /healthz, /readyz, /metrics and the /v1/runs API until
SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), e, func(app *server.App) error {
				return app.Serve(cmd.Context())
			})
		},
	}
}
