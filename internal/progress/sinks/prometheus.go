package sinks

import (
	"context"
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/civic-ingest/internal/progress"
)

// PrometheusSink mirrors ledger samples into counters so that a scrape sees
// the same totals the store records.
type PrometheusSink struct {
	samples *prometheus.CounterVec
	errors  *prometheus.CounterVec
}

// NewPrometheusSink registers the collectors on reg (the default registerer
// when nil).
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		samples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "civic_ingest_metric_total",
			Help: "Sum of ledger metric values, labeled by metric and source.",
		}, []string{"metric", "source"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "civic_ingest_source_errors_total",
			Help: "Per-source fetch and parse failures.",
		}, []string{"metric", "source"}),
	}
	for _, c := range []prometheus.Collector{s.samples, s.errors} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register metric sink collector: %w", err)
		}
	}
	return s, nil
}

// Consume implements progress.Sink. Negative values are ignored since the
// collectors are counters.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		source := evt.Tag("source")
		if source == "" {
			source = "unknown"
		}
		if evt.Value > 0 {
			s.samples.WithLabelValues(evt.Name, source).Add(evt.Value)
		}
		if strings.HasSuffix(evt.Name, "_error") {
			s.errors.WithLabelValues(evt.Name, source).Inc()
		}
	}
	return nil
}

// Close implements progress.Sink.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
