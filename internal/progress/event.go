package progress

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/civic-ingest/internal/model"
)

// Event is one metric sample recorded during a run.
type Event struct {
	// RunID is uuid.Nil for samples recorded outside a run.
	RunID uuid.UUID
	TS    time.Time
	Name  string
	Value float64
	Tags  map[string]string
}

// Validate rejects samples that no sink could persist.
func (e Event) Validate() error {
	if e.Name == "" {
		return errors.New("metric name is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	return nil
}

// Tag returns the tag value for key, or "".
func (e Event) Tag(key string) string {
	return e.Tags[key]
}

// Metric converts the sample into a ledger row with the given ID.
func (e Event) Metric(id uuid.UUID) model.Metric {
	m := model.Metric{
		ID:        id,
		Name:      e.Name,
		Value:     e.Value,
		Tags:      e.Tags,
		Timestamp: e.TS,
	}
	if e.RunID != uuid.Nil {
		runID := e.RunID
		m.RunID = &runID
	}
	return m
}
