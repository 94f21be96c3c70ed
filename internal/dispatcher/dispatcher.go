// Package dispatcher schedules ingestion runs: one on start, one every
// interval, and on demand, never two at once.
package dispatcher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/civic-ingest/internal/ingest"
	"github.com/JakeFAU/civic-ingest/internal/ledger"
)

// ErrRunInFlight is returned by Trigger while a run is active.
var ErrRunInFlight = errors.New("ingestion run already in flight")

// Runner is the slice of ingest.Runner the dispatcher drives.
type Runner interface {
	Begin(ctx context.Context, trigger string) (*ledger.Run, error)
	Execute(ctx context.Context, run *ledger.Run) (ingest.Summary, error)
}

// Dispatcher serializes runs.
type Dispatcher struct {
	runner   Runner
	interval time.Duration
	logger   *zap.Logger

	inFlight atomic.Bool
	wg       sync.WaitGroup

	mu   sync.Mutex
	base context.Context
}

// New creates a Dispatcher. A non-positive interval disables the ticker.
func New(runner Runner, interval time.Duration, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{runner: runner, interval: interval, logger: logger, base: context.Background()}
}

// Run starts a run immediately and then on every tick, and blocks until ctx
// finishes and in-flight runs have stopped.
func (d *Dispatcher) Run(ctx context.Context) {
	d.mu.Lock()
	d.base = ctx
	d.mu.Unlock()

	d.tick(ctx)
	if d.interval > 0 {
		ticker := time.NewTicker(d.interval)
		defer ticker.Stop()
	loop:
		for {
			select {
			case <-ctx.Done():
				break loop
			case <-ticker.C:
				d.tick(ctx)
			}
		}
	} else {
		<-ctx.Done()
	}
	d.wg.Wait()
}

// Trigger begins a run in the background and returns its ID once the ledger
// row exists.
func (d *Dispatcher) Trigger(ctx context.Context, trigger string) (uuid.UUID, error) {
	if !d.inFlight.CompareAndSwap(false, true) {
		return uuid.Nil, ErrRunInFlight
	}
	run, err := d.runner.Begin(ctx, trigger)
	if err != nil {
		d.inFlight.Store(false)
		return uuid.Nil, err
	}
	d.mu.Lock()
	base := d.base
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.inFlight.Store(false)
		d.execute(base, run)
	}()
	return run.ID, nil
}

// InFlight reports whether a run is active.
func (d *Dispatcher) InFlight() bool {
	return d.inFlight.Load()
}

// Wait blocks until background runs finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) tick(ctx context.Context) {
	if !d.inFlight.CompareAndSwap(false, true) {
		d.logger.Info("previous run still in flight; skipping tick")
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.inFlight.Store(false)
		run, err := d.runner.Begin(ctx, "schedule")
		if err != nil {
			d.logger.Error("begin scheduled run", zap.Error(err))
			return
		}
		d.execute(ctx, run)
	}()
}

func (d *Dispatcher) execute(ctx context.Context, run *ledger.Run) {
	summary, err := d.runner.Execute(ctx, run)
	if err != nil {
		d.logger.Error("ingestion run failed", zap.Stringer("run_id", run.ID), zap.Error(err))
		return
	}
	d.logger.Debug("ingestion run done", zap.Stringer("run_id", run.ID), zap.Bool("timed_out", summary.TimedOut))
}
