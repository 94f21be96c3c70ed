// Package cmd defines the civicingest CLI: one-shot ingestion, the serve
// loop, source syncing, feed discovery and schema migrations.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/civic-ingest/internal/config"
	"github.com/JakeFAU/civic-ingest/internal/logging"
	"github.com/JakeFAU/civic-ingest/internal/server"
)

type envKeyType struct{}

// env is what every subcommand receives from the root's pre-run hook.
type env struct {
	cfg    config.Config
	logger *zap.Logger
}

// openApp builds the application container. Tests replace it to inject
// options.
var openApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (*server.App, error) {
	return server.Open(ctx, cfg, logger)
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "civicingest",
		Short: "Ingests civic feeds and alerts into a deduplicated store.",
		Long: `civicingest polls configured RSS, Atom and alert endpoints politely,
normalizes their entries and upserts them idempotently, recording every run
in a ledger. It also discovers candidate feeds on seed sites.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			zap.ReplaceGlobals(logger)
			cmd.SetContext(context.WithValue(cmd.Context(), envKeyType{}, &env{cfg: cfg, logger: logger}))
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if e, ok := cmd.Context().Value(envKeyType{}).(*env); ok {
				_ = e.logger.Sync()
			}
		},
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (defaults and CIVIC_* environment only when empty)")

	cmd.AddCommand(
		newIngestCmd(),
		newServeCmd(),
		newSyncSourcesCmd(),
		newDiscoverCmd(),
		newMigrateCmd(),
	)
	return cmd
}

func resolveEnv(ctx context.Context) (*env, error) {
	e, ok := ctx.Value(envKeyType{}).(*env)
	if !ok || e == nil {
		return nil, errors.New("configuration not initialized")
	}
	return e, nil
}

// withApp opens the application, runs fn and closes it, joining the close
// error into the result.
func withApp(ctx context.Context, e *env, fn func(*server.App) error) (err error) {
	app, err := openApp(ctx, e.cfg, e.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	defer func() {
		if cerr := app.Close(context.WithoutCancel(ctx)); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(app)
}

// Execute is the main entry point.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "civicingest:", err)
		stop()
		os.Exit(1)
	}
}
