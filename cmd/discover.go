package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/civic-ingest/internal/crawler"
	"github.com/JakeFAU/civic-ingest/internal/server"
)

func newDiscoverCmd() *cobra.Command {
	var seedsFile, output string
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Find RSS and Atom feeds on seed sites and write a report",
		Long: `Fetches each seed site through the cached polite fetcher, probes its
advertised and conventional feed locations, samples items, rejects mostly
paywalled feeds and writes the findings as JSON. It does not touch the store.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			if seedsFile == "" {
				seedsFile = e.cfg.Discovery.SeedsFile
			}
			if output == "" {
				output = e.cfg.Discovery.Output
			}
			seeds, err := crawler.LoadSeeds(seedsFile)
			if err != nil {
				return err
			}

			d, err := server.NewDiscovery(e.cfg, e.logger)
			if err != nil {
				return err
			}
			defer func() {
				if cerr := d.Close(); cerr != nil && err == nil {
					err = cerr
				}
			}()

			report, err := d.Crawler.Run(cmd.Context(), seeds)
			if err != nil {
				return err
			}
			if err := crawler.WriteReport(output, report); err != nil {
				return err
			}
			e.logger.Info("discovery report written", zap.String("path", output), zap.Int("sites", len(report.Results)))
			fmt.Fprintln(cmd.OutOrStdout(), output)
			return nil
		},
	}
	cmd.Flags().StringVar(&seedsFile, "seeds", "", "seed sites file (default discovery.seeds_file)")
	cmd.Flags().StringVar(&output, "out", "", "report path (default discovery.output)")
	return cmd
}
