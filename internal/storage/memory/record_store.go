// Package memory provides in-process record and blob stores for the memory
// backend and tests.
package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/civic-ingest/internal/model"
	"github.com/JakeFAU/civic-ingest/internal/store"
)

type itemKey struct {
	endpointID uuid.UUID
	externalID string
}

type endpointKey struct {
	sourceID uuid.UUID
	kind     model.EndpointKind
	url      string
}

// RecordStore is an in-memory store.Store for development and tests.
type RecordStore struct {
	ids model.IDGenerator

	mu        sync.RWMutex
	sources   map[uuid.UUID]model.Source
	byName    map[string]uuid.UUID
	endpoints map[uuid.UUID]model.Endpoint
	byKey     map[endpointKey]uuid.UUID
	items     map[itemKey]model.Item
	alerts    map[string]model.Alert
	runs      map[uuid.UUID]model.Run
	metrics   []model.Metric
	failWith  error
}

var _ store.Store = (*RecordStore)(nil)

// NewRecordStore constructs an empty RecordStore.
func NewRecordStore(ids model.IDGenerator) *RecordStore {
	return &RecordStore{
		ids:       ids,
		sources:   make(map[uuid.UUID]model.Source),
		byName:    make(map[string]uuid.UUID),
		endpoints: make(map[uuid.UUID]model.Endpoint),
		byKey:     make(map[endpointKey]uuid.UUID),
		items:     make(map[itemKey]model.Item),
		alerts:    make(map[string]model.Alert),
		runs:      make(map[uuid.UUID]model.Run),
	}
}

// FailWith makes every subsequent call return err wrapped in store.ErrStore.
// Passing nil restores normal behavior.
func (s *RecordStore) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWith = err
}

func (s *RecordStore) failure() error {
	if s.failWith != nil {
		return fmt.Errorf("%w: %w", store.ErrStore, s.failWith)
	}
	return nil
}

// Ping reports the injected failure, if any.
func (s *RecordStore) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.failure()
}

// Close is a no-op.
func (s *RecordStore) Close() error { return nil }

// ListEndpoints implements store.Catalog.
func (s *RecordStore) ListEndpoints(_ context.Context) ([]model.Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.failure(); err != nil {
		return nil, err
	}
	out := make([]model.Endpoint, 0, len(s.endpoints))
	for _, ep := range s.endpoints {
		src := s.sources[ep.SourceID]
		if !ep.Enabled || !src.Enabled {
			continue
		}
		ep.SourceName = src.Name
		out = append(out, ep)
	}
	slices.SortFunc(out, func(a, b model.Endpoint) int {
		if c := strings.Compare(a.SourceName, b.SourceName); c != 0 {
			return c
		}
		return strings.Compare(a.URL, b.URL)
	})
	return out, nil
}

// UpsertSource implements store.Catalog.
func (s *RecordStore) UpsertSource(_ context.Context, src model.Source) (model.Source, store.Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure(); err != nil {
		return model.Source{}, store.NoChange, err
	}
	if id, ok := s.byName[src.Name]; ok {
		existing := s.sources[id]
		src.ID = id
		if existing == src {
			return existing, store.NoChange, nil
		}
		s.sources[id] = src
		return src, store.Updated, nil
	}
	id, err := s.ids.NewRawID()
	if err != nil {
		return model.Source{}, store.NoChange, fmt.Errorf("source id: %w", err)
	}
	src.ID = id
	s.sources[id] = src
	s.byName[src.Name] = id
	return src, store.Created, nil
}

// UpsertEndpoint implements store.Catalog. Fetch state is preserved.
func (s *RecordStore) UpsertEndpoint(_ context.Context, ep model.Endpoint) (model.Endpoint, store.Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure(); err != nil {
		return model.Endpoint{}, store.NoChange, err
	}
	if _, ok := s.sources[ep.SourceID]; !ok {
		return model.Endpoint{}, store.NoChange, fmt.Errorf("%w: endpoint references unknown source %s", store.ErrStore, ep.SourceID)
	}
	key := endpointKey{sourceID: ep.SourceID, kind: ep.Kind, url: ep.URL}
	if id, ok := s.byKey[key]; ok {
		existing := s.endpoints[id]
		if existing.PollInterval == ep.PollInterval &&
			existing.AuthType == ep.AuthType &&
			existing.AuthRef == ep.AuthRef &&
			existing.Enabled == ep.Enabled {
			return existing, store.NoChange, nil
		}
		existing.PollInterval = ep.PollInterval
		existing.AuthType = ep.AuthType
		existing.AuthRef = ep.AuthRef
		existing.Enabled = ep.Enabled
		s.endpoints[id] = existing
		return existing, store.Updated, nil
	}
	id, err := s.ids.NewRawID()
	if err != nil {
		return model.Endpoint{}, store.NoChange, fmt.Errorf("endpoint id: %w", err)
	}
	ep.ID = id
	ep.Validators = model.Validators{}
	ep.LastFetchedAt = nil
	s.endpoints[id] = ep
	s.byKey[key] = id
	return ep, store.Created, nil
}

// EnsureSource implements store.Catalog.
func (s *RecordStore) EnsureSource(ctx context.Context, src model.Source, ep model.Endpoint) (model.Endpoint, error) {
	s.mu.RLock()
	id, ok := s.byName[src.Name]
	s.mu.RUnlock()
	if !ok {
		created, _, err := s.UpsertSource(ctx, src)
		if err != nil {
			return model.Endpoint{}, err
		}
		id = created.ID
	}

	s.mu.RLock()
	for _, existing := range s.endpoints {
		if existing.SourceID == id && existing.Kind == ep.Kind {
			existing.SourceName = src.Name
			s.mu.RUnlock()
			return existing, nil
		}
	}
	s.mu.RUnlock()

	ep.SourceID = id
	created, _, err := s.UpsertEndpoint(ctx, ep)
	if err != nil {
		return model.Endpoint{}, err
	}
	created.SourceName = src.Name
	return created, nil
}

// InSourceTx stages writes made through the tx and applies them only when fn
// succeeds.
func (s *RecordStore) InSourceTx(ctx context.Context, fn func(tx store.SourceTx) error) error {
	s.mu.RLock()
	err := s.failure()
	s.mu.RUnlock()
	if err != nil {
		return err
	}
	tx := &sourceTx{
		parent:    s,
		items:     make(map[itemKey]model.Item),
		alerts:    make(map[string]model.Alert),
		endpoints: make(map[uuid.UUID]fetchState),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("commit source batch: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure(); err != nil {
		return err
	}
	maps.Copy(s.items, tx.items)
	maps.Copy(s.alerts, tx.alerts)
	for id, st := range tx.endpoints {
		ep, ok := s.endpoints[id]
		if !ok {
			continue
		}
		ep.Validators = st.validators
		at := st.fetchedAt
		ep.LastFetchedAt = &at
		s.endpoints[id] = ep
	}
	return nil
}

type fetchState struct {
	validators model.Validators
	fetchedAt  time.Time
}

type sourceTx struct {
	parent    *RecordStore
	items     map[itemKey]model.Item
	alerts    map[string]model.Alert
	endpoints map[uuid.UUID]fetchState
}

func (t *sourceTx) GetItem(_ context.Context, endpointID uuid.UUID, externalID string) (model.Item, error) {
	key := itemKey{endpointID: endpointID, externalID: externalID}
	if it, ok := t.items[key]; ok {
		return it, nil
	}
	t.parent.mu.RLock()
	defer t.parent.mu.RUnlock()
	if err := t.parent.failure(); err != nil {
		return model.Item{}, err
	}
	it, ok := t.parent.items[key]
	if !ok {
		return model.Item{}, store.ErrNotFound
	}
	return it, nil
}

func (t *sourceTx) UpsertItem(_ context.Context, item model.Item) error {
	t.items[itemKey{endpointID: item.EndpointID, externalID: item.ExternalID}] = item
	return nil
}

func (t *sourceTx) GetAlert(_ context.Context, triggerURL string) (model.Alert, error) {
	if a, ok := t.alerts[triggerURL]; ok {
		return a, nil
	}
	t.parent.mu.RLock()
	defer t.parent.mu.RUnlock()
	if err := t.parent.failure(); err != nil {
		return model.Alert{}, err
	}
	a, ok := t.parent.alerts[triggerURL]
	if !ok {
		return model.Alert{}, store.ErrNotFound
	}
	return a, nil
}

func (t *sourceTx) UpsertAlert(_ context.Context, alert model.Alert) error {
	t.alerts[alert.TriggerURL] = alert
	return nil
}

func (t *sourceTx) SaveFetchState(_ context.Context, endpointID uuid.UUID, v model.Validators, fetchedAt time.Time) error {
	t.endpoints[endpointID] = fetchState{validators: v, fetchedAt: fetchedAt}
	return nil
}

// CreateRun implements store.RunRepository.
func (s *RecordStore) CreateRun(_ context.Context, run model.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure(); err != nil {
		return err
	}
	if _, exists := s.runs[run.ID]; exists {
		return fmt.Errorf("%w: run %s already exists", store.ErrStore, run.ID)
	}
	run.Details = maps.Clone(run.Details)
	s.runs[run.ID] = run
	return nil
}

// FinishRun implements store.RunRepository.
func (s *RecordStore) FinishRun(_ context.Context, run model.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure(); err != nil {
		return err
	}
	existing, ok := s.runs[run.ID]
	if !ok {
		return store.ErrNotFound
	}
	existing.Status = run.Status
	existing.FinishedAt = run.FinishedAt
	existing.Details = maps.Clone(run.Details)
	s.runs[run.ID] = existing
	return nil
}

// GetRun implements store.RunRepository.
func (s *RecordStore) GetRun(_ context.Context, id uuid.UUID) (model.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.failure(); err != nil {
		return model.Run{}, err
	}
	run, ok := s.runs[id]
	if !ok {
		return model.Run{}, store.ErrNotFound
	}
	run.Details = maps.Clone(run.Details)
	return run, nil
}

// ListRuns implements store.RunRepository.
func (s *RecordStore) ListRuns(_ context.Context, limit int) ([]model.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.failure(); err != nil {
		return nil, err
	}
	out := slices.Collect(maps.Values(s.runs))
	slices.SortFunc(out, func(a, b model.Run) int { return b.StartedAt.Compare(a.StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// AppendMetrics implements store.MetricRepository.
func (s *RecordStore) AppendMetrics(_ context.Context, metrics ...model.Metric) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure(); err != nil {
		return err
	}
	s.metrics = append(s.metrics, metrics...)
	return nil
}

// Items returns a snapshot of all stored items.
func (s *RecordStore) Items() []model.Item {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Collect(maps.Values(s.items))
}

// Alerts returns a snapshot of all stored alerts.
func (s *RecordStore) Alerts() []model.Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Collect(maps.Values(s.alerts))
}

// Metrics returns a copy of the appended metrics in order.
func (s *RecordStore) Metrics() []model.Metric {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.metrics)
}

// Endpoint returns one endpoint by id.
func (s *RecordStore) Endpoint(id uuid.UUID) (model.Endpoint, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ep, ok := s.endpoints[id]
	return ep, ok
}
