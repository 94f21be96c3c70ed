// Package ledger records ingestion runs and their metric samples. Ledger
// writes are best effort once a run has begun: failures are logged and never
// returned to the pipeline.
package ledger

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/civic-ingest/internal/metrics"
	"github.com/JakeFAU/civic-ingest/internal/model"
	"github.com/JakeFAU/civic-ingest/internal/progress"
	"github.com/JakeFAU/civic-ingest/internal/store"
)

// Metric names recorded by the ingestion pipeline.
const (
	MetricFetchError     = "feed_fetch_error"
	MetricParseError     = "feed_parse_error"
	MetricItemsInserted  = "feed_items_inserted"
	MetricItemsUpdated   = "feed_items_updated"
	MetricAlertsInserted = "nws_alerts_inserted"
	MetricAlertsUpdated  = "nws_alerts_updated"
)

// MaxErrorLen bounds error strings written to metrics and run details.
const MaxErrorLen = 200

// Run is the handle returned by BeginRun.
type Run struct {
	ID        uuid.UUID
	StartedAt time.Time

	mu      sync.Mutex
	details map[string]any
}

// Merge adds details to the run's blob. Later keys win.
func (r *Run) Merge(details map[string]any) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.details == nil {
		r.details = make(map[string]any, len(details))
	}
	maps.Copy(r.details, details)
}

func (r *Run) snapshot() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return maps.Clone(r.details)
}

// Ledger is safe for concurrent use.
type Ledger struct {
	runs    store.RunRepository
	emitter progress.Emitter
	clock   model.Clock
	ids     model.IDGenerator
	logger  *zap.Logger
}

// New builds a Ledger. A nil emitter discards metric samples.
func New(runs store.RunRepository, emitter progress.Emitter, clock model.Clock, ids model.IDGenerator, logger *zap.Logger) *Ledger {
	if emitter == nil {
		emitter = progress.Discard{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{runs: runs, emitter: emitter, clock: clock, ids: ids, logger: logger}
}

// BeginRun persists a running row carrying params before any network I/O.
// The error is returned because a store that cannot take this write will not
// take the run's item writes either.
func (l *Ledger) BeginRun(ctx context.Context, params map[string]any) (*Run, error) {
	id, err := l.ids.NewRawID()
	if err != nil {
		return nil, fmt.Errorf("run id: %w", err)
	}
	run := &Run{ID: id, StartedAt: l.clock.Now()}
	run.Merge(params)
	row := model.Run{ID: run.ID, StartedAt: run.StartedAt, Status: model.RunRunning, Details: run.snapshot()}
	if err := l.runs.CreateRun(ctx, row); err != nil {
		return nil, fmt.Errorf("begin run: %w", err)
	}
	l.logger.Info("run started", zap.Stringer("run_id", run.ID))
	return run, nil
}

// RecordMetric emits one sample for run. It never blocks on the store.
func (l *Ledger) RecordMetric(run *Run, name string, value float64, tags map[string]string) {
	evt := progress.Event{TS: l.clock.Now(), Name: name, Value: value, Tags: tags}
	if run != nil {
		evt.RunID = run.ID
	}
	l.emitter.Emit(evt)
}

// RecordError emits a value-1 sample carrying tags plus the truncated error
// text under "error".
func (l *Ledger) RecordError(run *Run, name string, tags map[string]string, err error) {
	out := make(map[string]string, len(tags)+1)
	maps.Copy(out, tags)
	out["error"] = TruncateError(err)
	l.RecordMetric(run, name, 1, out)
}

// Finish merges details and writes the terminal status. Failures are logged.
func (l *Ledger) Finish(ctx context.Context, run *Run, status model.RunStatus, details map[string]any) {
	if run == nil {
		return
	}
	run.Merge(details)
	finished := l.clock.Now()
	row := model.Run{ID: run.ID, StartedAt: run.StartedAt, FinishedAt: &finished, Status: status, Details: run.snapshot()}
	metrics.ObserveRun(string(status))
	if err := l.runs.FinishRun(context.WithoutCancel(ctx), row); err != nil {
		l.logger.Warn("finish run failed", zap.Stringer("run_id", run.ID), zap.Error(err))
		return
	}
	l.logger.Info("run finished",
		zap.Stringer("run_id", run.ID),
		zap.String("status", string(status)),
		zap.Duration("dur", finished.Sub(run.StartedAt)),
	)
}

// Fail records an engine-level failure. It first finalizes run as error; if
// that is impossible (no run, or the row is gone) it makes a second attempt
// with a fresh error row. Nothing is returned: the outcome is only logged.
func (l *Ledger) Fail(ctx context.Context, run *Run, cause error) {
	ctx = context.WithoutCancel(ctx)
	details := map[string]any{"error": TruncateError(cause)}
	metrics.ObserveRun(string(model.RunError))

	finished := l.clock.Now()
	if run != nil {
		run.Merge(details)
		row := model.Run{ID: run.ID, StartedAt: run.StartedAt, FinishedAt: &finished, Status: model.RunError, Details: run.snapshot()}
		err := l.runs.FinishRun(ctx, row)
		if err == nil {
			l.logger.Error("run failed", zap.Stringer("run_id", run.ID), zap.Error(cause))
			return
		}
		l.logger.Warn("finalize failed run", zap.Stringer("run_id", run.ID), zap.Error(err))
	}

	id, err := l.ids.NewRawID()
	if err != nil {
		l.logger.Error("record failed run", zap.NamedError("cause", cause), zap.Error(err))
		return
	}
	row := model.Run{ID: id, StartedAt: finished, FinishedAt: &finished, Status: model.RunError, Details: details}
	if err := l.runs.CreateRun(ctx, row); err != nil {
		l.logger.Error("record failed run", zap.NamedError("cause", cause), zap.Error(err))
		return
	}
	l.logger.Error("run failed", zap.Stringer("run_id", id), zap.Error(cause))
}

// TruncateError renders err in at most MaxErrorLen runes.
func TruncateError(err error) string {
	if err == nil {
		return ""
	}
	return Truncate(err.Error())
}

// Truncate cuts s to MaxErrorLen runes.
func Truncate(s string) string {
	if len(s) <= MaxErrorLen {
		return s
	}
	n := 0
	for i := range s {
		if n == MaxErrorLen {
			return s[:i]
		}
		n++
	}
	return s
}

