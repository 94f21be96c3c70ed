package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/civic-ingest/internal/server"
)

func newSyncSourcesCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "sync-sources",
		Short: "Upsert sources and endpoints from the sources file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			if file == "" {
				file = e.cfg.Ingest.SourcesFile
			}
			return withApp(cmd.Context(), e, func(app *server.App) error {
				res, err := app.Syncer().Sync(cmd.Context(), file)
				if err != nil {
					return fmt.Errorf("sync %s: %w", file, err)
				}
				if err := json.NewEncoder(cmd.OutOrStdout()).Encode(res); err != nil {
					return fmt.Errorf("write result: %w", err)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "sources file (default ingest.sources_file)")
	return cmd
}
