package sinks

import (
	"context"
	"fmt"

	"github.com/JakeFAU/civic-ingest/internal/model"
	"github.com/JakeFAU/civic-ingest/internal/progress"
	"github.com/JakeFAU/civic-ingest/internal/store"
)

// StoreSink appends each batch to the ingestion_metrics ledger.
type StoreSink struct {
	repo store.MetricRepository
	ids  model.IDGenerator
}

// NewStoreSink constructs a StoreSink.
func NewStoreSink(repo store.MetricRepository, ids model.IDGenerator) *StoreSink {
	return &StoreSink{repo: repo, ids: ids}
}

// Consume implements progress.Sink.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil || len(batch) == 0 {
		return nil
	}
	rows := make([]model.Metric, 0, len(batch))
	for _, evt := range batch {
		id, err := s.ids.NewRawID()
		if err != nil {
			return fmt.Errorf("metric id: %w", err)
		}
		rows = append(rows, evt.Metric(id))
	}
	if err := s.repo.AppendMetrics(ctx, rows...); err != nil {
		return fmt.Errorf("append metrics: %w", err)
	}
	return nil
}

// Close implements progress.Sink.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
