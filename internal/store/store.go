package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/civic-ingest/internal/model"
)

var (
	// ErrNotFound signals that the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrStore wraps failures of the backing store. It is fatal to a run.
	ErrStore = errors.New("store failure")
)

// Change reports what a configuration upsert did.
type Change int

// Upsert outcomes for sources and endpoints.
const (
	NoChange Change = iota
	Created
	Updated
)

// SourceTx is the unit of work for one source batch. All writes made through
// it commit together.
type SourceTx interface {
	// GetItem loads the item keyed by (endpointID, externalID) or returns ErrNotFound.
	GetItem(ctx context.Context, endpointID uuid.UUID, externalID string) (model.Item, error)
	// UpsertItem writes item by its natural key (endpoint_id, external_id).
	UpsertItem(ctx context.Context, item model.Item) error
	// GetAlert loads the alert keyed by triggerURL or returns ErrNotFound.
	GetAlert(ctx context.Context, triggerURL string) (model.Alert, error)
	// UpsertAlert writes alert by its natural key (trigger_url).
	UpsertAlert(ctx context.Context, alert model.Alert) error
	// SaveFetchState stores the endpoint's validators and last fetch time.
	SaveFetchState(ctx context.Context, endpointID uuid.UUID, v model.Validators, fetchedAt time.Time) error
}

// Catalog reads and writes source configuration.
type Catalog interface {
	// ListEndpoints returns enabled endpoints of enabled sources ordered by
	// source name then URL.
	ListEndpoints(ctx context.Context) ([]model.Endpoint, error)
	// UpsertSource writes src keyed by name.
	UpsertSource(ctx context.Context, src model.Source) (model.Source, Change, error)
	// UpsertEndpoint writes ep keyed by (source_id, kind, url).
	UpsertEndpoint(ctx context.Context, ep model.Endpoint) (model.Endpoint, Change, error)
	// EnsureSource creates src and ep when missing and leaves existing rows
	// untouched. ep is matched by source and kind.
	EnsureSource(ctx context.Context, src model.Source, ep model.Endpoint) (model.Endpoint, error)
}

// RunRepository persists ingestion run rows.
type RunRepository interface {
	CreateRun(ctx context.Context, run model.Run) error
	// FinishRun sets the terminal status, finish time and details of a run.
	FinishRun(ctx context.Context, run model.Run) error
	// GetRun loads a run or returns ErrNotFound.
	GetRun(ctx context.Context, id uuid.UUID) (model.Run, error)
	// ListRuns returns the newest runs first.
	ListRuns(ctx context.Context, limit int) ([]model.Run, error)
}

// MetricRepository appends metric samples.
type MetricRepository interface {
	AppendMetrics(ctx context.Context, metrics ...model.Metric) error
}

// Store is the full persistence surface.
type Store interface {
	Catalog
	RunRepository
	MetricRepository
	// InSourceTx runs fn in one transaction. A non-nil error from fn rolls
	// the batch back.
	InSourceTx(ctx context.Context, fn func(tx SourceTx) error) error
	Ping(ctx context.Context) error
	Close() error
}
