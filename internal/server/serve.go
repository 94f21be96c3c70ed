package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/civic-ingest/internal/api"
	"github.com/JakeFAU/civic-ingest/internal/dispatcher"
)

const shutdownTimeout = 10 * time.Second

// Serve runs the dispatcher and the ops HTTP server until ctx ends, then
// drains the server and waits for any in-flight run to stop.
func (a *App) Serve(ctx context.Context) error {
	runner, err := a.Runner(ctx)
	if err != nil {
		return err
	}
	dispatch := dispatcher.New(runner, a.cfg.Ingest.Interval, a.logger.Named("dispatcher"))
	apiServer := api.NewServer(dispatch, a.store, a.store, api.Config{APIKey: a.cfg.Server.APIKey}, a.logger.Named("api"))

	srv := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(a.cfg.Server.Port)),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := context.WithCancel(ctx)
	defer stop()

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		a.logger.Info("dispatcher started", zap.Duration("interval", a.cfg.Ingest.Interval))
		dispatch.Run(ctx)
	}()

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
		close(serveErr)
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	<-dispatchDone

	if err, ok := <-serveErr; ok && err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}
