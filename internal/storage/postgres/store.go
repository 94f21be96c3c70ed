// Package postgres provides the Postgres-backed record store.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/civic-ingest/internal/model"
	"github.com/JakeFAU/civic-ingest/internal/store"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pool interface {
	querier
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// Store implements store.Store on Postgres.
type Store struct {
	pool pool
	ids  model.IDGenerator
}

var _ store.Store = (*Store)(nil)

// New opens a pool for cfg.DSN.
func New(ctx context.Context, cfg Config, ids model.IDGenerator) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: p, ids: ids}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, ids model.IDGenerator) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: p, ids: ids}, nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return storeErr("ping", err)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", store.ErrStore, op, err)
}

// ListEndpoints implements store.Catalog.
func (s *Store) ListEndpoints(ctx context.Context) ([]model.Endpoint, error) {
	const query = `
SELECT e.id, e.source_id, s.name, e.kind, e.url, e.poll_interval_seconds,
       COALESCE(e.http_etag, ''), COALESCE(e.http_last_modified, ''),
       e.auth_type, COALESCE(e.auth_ref, ''), e.enabled, e.last_fetched_at
FROM source_endpoints e
JOIN sources s ON s.id = e.source_id
WHERE e.enabled AND s.enabled
ORDER BY s.name ASC, e.url ASC`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, storeErr("list endpoints", err)
	}
	defer rows.Close()

	var out []model.Endpoint
	for rows.Next() {
		ep, err := scanEndpoint(rows)
		if err != nil {
			return nil, storeErr("scan endpoint", err)
		}
		out = append(out, ep)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list endpoints", err)
	}
	return out, nil
}

func scanEndpoint(row pgx.Row) (model.Endpoint, error) {
	var (
		ep           model.Endpoint
		kind, auth   string
		pollSeconds  int32
		etag, lastMo string
	)
	err := row.Scan(
		&ep.ID, &ep.SourceID, &ep.SourceName, &kind, &ep.URL, &pollSeconds,
		&etag, &lastMo, &auth, &ep.AuthRef, &ep.Enabled, &ep.LastFetchedAt,
	)
	if err != nil {
		return model.Endpoint{}, err
	}
	ep.Kind = model.EndpointKind(kind)
	ep.AuthType = model.AuthType(auth)
	ep.PollInterval = time.Duration(pollSeconds) * time.Second
	ep.Validators = model.Validators{ETag: etag, LastModified: lastMo}
	return ep, nil
}

// UpsertSource implements store.Catalog.
func (s *Store) UpsertSource(ctx context.Context, src model.Source) (model.Source, store.Change, error) {
	id, err := s.ids.NewRawID()
	if err != nil {
		return model.Source{}, store.NoChange, fmt.Errorf("source id: %w", err)
	}
	const upsert = `
INSERT INTO sources (id, name, homepage_url, tier, kind, default_language, trust_notes, enabled)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (name) DO UPDATE SET
    homepage_url = EXCLUDED.homepage_url,
    tier = EXCLUDED.tier,
    kind = EXCLUDED.kind,
    default_language = EXCLUDED.default_language,
    trust_notes = EXCLUDED.trust_notes,
    enabled = EXCLUDED.enabled
WHERE (sources.homepage_url, sources.tier, sources.kind, sources.default_language, sources.trust_notes, sources.enabled)
    IS DISTINCT FROM
    (EXCLUDED.homepage_url, EXCLUDED.tier, EXCLUDED.kind, EXCLUDED.default_language, EXCLUDED.trust_notes, EXCLUDED.enabled)
RETURNING id, (xmax = 0)`

	var inserted bool
	err = s.pool.QueryRow(ctx, upsert,
		id, src.Name, src.HomepageURL, string(src.Tier), src.Kind, src.DefaultLanguage, src.TrustNotes, src.Enabled,
	).Scan(&src.ID, &inserted)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		if err := s.pool.QueryRow(ctx, `SELECT id FROM sources WHERE name = $1`, src.Name).Scan(&src.ID); err != nil {
			return model.Source{}, store.NoChange, storeErr("load source", err)
		}
		return src, store.NoChange, nil
	case err != nil:
		return model.Source{}, store.NoChange, storeErr("upsert source", err)
	case inserted:
		return src, store.Created, nil
	default:
		return src, store.Updated, nil
	}
}

// UpsertEndpoint implements store.Catalog. Validators and fetch times are
// never touched by configuration.
func (s *Store) UpsertEndpoint(ctx context.Context, ep model.Endpoint) (model.Endpoint, store.Change, error) {
	id, err := s.ids.NewRawID()
	if err != nil {
		return model.Endpoint{}, store.NoChange, fmt.Errorf("endpoint id: %w", err)
	}
	const upsert = `
INSERT INTO source_endpoints (id, source_id, kind, url, poll_interval_seconds, auth_type, auth_ref, enabled)
VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8)
ON CONFLICT (source_id, kind, url) DO UPDATE SET
    poll_interval_seconds = EXCLUDED.poll_interval_seconds,
    auth_type = EXCLUDED.auth_type,
    auth_ref = EXCLUDED.auth_ref,
    enabled = EXCLUDED.enabled
WHERE (source_endpoints.poll_interval_seconds, source_endpoints.auth_type, source_endpoints.auth_ref, source_endpoints.enabled)
    IS DISTINCT FROM
    (EXCLUDED.poll_interval_seconds, EXCLUDED.auth_type, EXCLUDED.auth_ref, EXCLUDED.enabled)
RETURNING id, (xmax = 0)`

	var inserted bool
	err = s.pool.QueryRow(ctx, upsert,
		id, ep.SourceID, string(ep.Kind), ep.URL, int32(ep.PollInterval/time.Second),
		string(ep.AuthType), ep.AuthRef, ep.Enabled,
	).Scan(&ep.ID, &inserted)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		const lookup = `SELECT id FROM source_endpoints WHERE source_id = $1 AND kind = $2 AND url = $3`
		if err := s.pool.QueryRow(ctx, lookup, ep.SourceID, string(ep.Kind), ep.URL).Scan(&ep.ID); err != nil {
			return model.Endpoint{}, store.NoChange, storeErr("load endpoint", err)
		}
		return ep, store.NoChange, nil
	case err != nil:
		return model.Endpoint{}, store.NoChange, storeErr("upsert endpoint", err)
	case inserted:
		return ep, store.Created, nil
	default:
		return ep, store.Updated, nil
	}
}

// EnsureSource implements store.Catalog.
func (s *Store) EnsureSource(ctx context.Context, src model.Source, ep model.Endpoint) (model.Endpoint, error) {
	id, err := s.ids.NewRawID()
	if err != nil {
		return model.Endpoint{}, fmt.Errorf("source id: %w", err)
	}
	const insertSource = `
INSERT INTO sources (id, name, homepage_url, tier, kind, default_language, trust_notes, enabled)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (name) DO NOTHING`
	_, err = s.pool.Exec(ctx, insertSource,
		id, src.Name, src.HomepageURL, string(src.Tier), src.Kind, src.DefaultLanguage, src.TrustNotes, src.Enabled,
	)
	if err != nil {
		return model.Endpoint{}, storeErr("ensure source", err)
	}

	const lookup = `
SELECT e.id, e.source_id, s.name, e.kind, e.url, e.poll_interval_seconds,
       COALESCE(e.http_etag, ''), COALESCE(e.http_last_modified, ''),
       e.auth_type, COALESCE(e.auth_ref, ''), e.enabled, e.last_fetched_at
FROM source_endpoints e
JOIN sources s ON s.id = e.source_id
WHERE s.name = $1 AND e.kind = $2
ORDER BY e.url
LIMIT 1`
	existing, err := scanEndpoint(s.pool.QueryRow(ctx, lookup, src.Name, string(ep.Kind)))
	switch {
	case err == nil:
		return existing, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return model.Endpoint{}, storeErr("load endpoint", err)
	}

	if err := s.pool.QueryRow(ctx, `SELECT id FROM sources WHERE name = $1`, src.Name).Scan(&ep.SourceID); err != nil {
		return model.Endpoint{}, storeErr("load source", err)
	}
	created, _, err := s.UpsertEndpoint(ctx, ep)
	if err != nil {
		return model.Endpoint{}, err
	}
	created.SourceName = src.Name
	return created, nil
}

// InSourceTx implements store.Store.
func (s *Store) InSourceTx(ctx context.Context, fn func(tx store.SourceTx) error) (err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return storeErr("begin", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()
	if err = fn(&sourceTx{q: tx}); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return storeErr("commit", err)
	}
	return nil
}

type sourceTx struct {
	q querier
}

const itemColumns = `id, source_id, endpoint_id, external_id, published_at, updated_at, title, author,
       canonical_url, summary, content_text, content_html, raw_json, hash_content, ingested_at`

func (t *sourceTx) GetItem(ctx context.Context, endpointID uuid.UUID, externalID string) (model.Item, error) {
	query := `SELECT ` + itemColumns + ` FROM items WHERE endpoint_id = $1 AND external_id = $2`
	var it model.Item
	err := t.q.QueryRow(ctx, query, endpointID, externalID).Scan(
		&it.ID, &it.SourceID, &it.EndpointID, &it.ExternalID, &it.PublishedAt, &it.UpdatedAt, &it.Title, &it.Author,
		&it.CanonicalURL, &it.Summary, &it.ContentText, &it.ContentHTML, &it.RawJSON, &it.HashContent, &it.IngestedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Item{}, store.ErrNotFound
	}
	if err != nil {
		return model.Item{}, storeErr("get item", err)
	}
	return it, nil
}

func (t *sourceTx) UpsertItem(ctx context.Context, it model.Item) error {
	query := `
INSERT INTO items (` + itemColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
ON CONFLICT (endpoint_id, external_id) DO UPDATE SET
    published_at = EXCLUDED.published_at,
    updated_at = EXCLUDED.updated_at,
    title = EXCLUDED.title,
    author = EXCLUDED.author,
    canonical_url = EXCLUDED.canonical_url,
    summary = EXCLUDED.summary,
    content_text = EXCLUDED.content_text,
    content_html = EXCLUDED.content_html,
    raw_json = EXCLUDED.raw_json,
    hash_content = EXCLUDED.hash_content`
	_, err := t.q.Exec(ctx, query,
		it.ID, it.SourceID, it.EndpointID, it.ExternalID, it.PublishedAt, it.UpdatedAt, it.Title, it.Author,
		it.CanonicalURL, it.Summary, it.ContentText, it.ContentHTML, it.RawJSON, it.HashContent, it.IngestedAt,
	)
	if err != nil {
		return storeErr("upsert item", err)
	}
	return nil
}

const alertColumns = `id, severity, title, body, scope_kind, scope_ref, trigger_url, trigger_source_id,
       language_profile, created_at, updated_at, expires_at`

func (t *sourceTx) GetAlert(ctx context.Context, triggerURL string) (model.Alert, error) {
	query := `SELECT ` + alertColumns + ` FROM alerts WHERE trigger_url = $1`
	var (
		a        model.Alert
		severity string
	)
	err := t.q.QueryRow(ctx, query, triggerURL).Scan(
		&a.ID, &severity, &a.Title, &a.Body, &a.ScopeKind, &a.ScopeRef, &a.TriggerURL, &a.TriggerSourceID,
		&a.LanguageProfile, &a.CreatedAt, &a.UpdatedAt, &a.ExpiresAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Alert{}, store.ErrNotFound
	}
	if err != nil {
		return model.Alert{}, storeErr("get alert", err)
	}
	a.Severity = model.Severity(severity)
	return a, nil
}

func (t *sourceTx) UpsertAlert(ctx context.Context, a model.Alert) error {
	query := `
INSERT INTO alerts (` + alertColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (trigger_url) DO UPDATE SET
    severity = EXCLUDED.severity,
    title = EXCLUDED.title,
    body = EXCLUDED.body,
    scope_kind = EXCLUDED.scope_kind,
    scope_ref = EXCLUDED.scope_ref,
    trigger_source_id = EXCLUDED.trigger_source_id,
    language_profile = EXCLUDED.language_profile,
    updated_at = EXCLUDED.updated_at,
    expires_at = EXCLUDED.expires_at`
	_, err := t.q.Exec(ctx, query,
		a.ID, string(a.Severity), a.Title, a.Body, a.ScopeKind, a.ScopeRef, a.TriggerURL, a.TriggerSourceID,
		a.LanguageProfile, a.CreatedAt, a.UpdatedAt, a.ExpiresAt,
	)
	if err != nil {
		return storeErr("upsert alert", err)
	}
	return nil
}

func (t *sourceTx) SaveFetchState(ctx context.Context, endpointID uuid.UUID, v model.Validators, fetchedAt time.Time) error {
	const query = `
UPDATE source_endpoints
SET http_etag = NULLIF($1, ''), http_last_modified = NULLIF($2, ''), last_fetched_at = $3
WHERE id = $4`
	if _, err := t.q.Exec(ctx, query, v.ETag, v.LastModified, fetchedAt, endpointID); err != nil {
		return storeErr("save fetch state", err)
	}
	return nil
}

// CreateRun implements store.RunRepository.
func (s *Store) CreateRun(ctx context.Context, run model.Run) error {
	details, err := marshalDetails(run.Details)
	if err != nil {
		return err
	}
	const query = `
INSERT INTO ingestion_runs (id, started_at, finished_at, status, details)
VALUES ($1, $2, $3, $4, $5)`
	if _, err := s.pool.Exec(ctx, query, run.ID, run.StartedAt, run.FinishedAt, string(run.Status), details); err != nil {
		return storeErr("create run", err)
	}
	return nil
}

// FinishRun implements store.RunRepository.
func (s *Store) FinishRun(ctx context.Context, run model.Run) error {
	details, err := marshalDetails(run.Details)
	if err != nil {
		return err
	}
	const query = `
UPDATE ingestion_runs
SET finished_at = $1, status = $2, details = $3
WHERE id = $4`
	tag, err := s.pool.Exec(ctx, query, run.FinishedAt, string(run.Status), details, run.ID)
	if err != nil {
		return storeErr("finish run", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// GetRun implements store.RunRepository.
func (s *Store) GetRun(ctx context.Context, id uuid.UUID) (model.Run, error) {
	const query = `SELECT id, started_at, finished_at, status, details FROM ingestion_runs WHERE id = $1`
	run, err := scanRun(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Run{}, store.ErrNotFound
	}
	if err != nil {
		return model.Run{}, storeErr("get run", err)
	}
	return run, nil
}

// ListRuns implements store.RunRepository.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]model.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `
SELECT id, started_at, finished_at, status, details
FROM ingestion_runs
ORDER BY started_at DESC
LIMIT $1`
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, storeErr("list runs", err)
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, storeErr("scan run", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list runs", err)
	}
	return runs, nil
}

func scanRun(row pgx.Row) (model.Run, error) {
	var (
		run     model.Run
		status  string
		details []byte
	)
	if err := row.Scan(&run.ID, &run.StartedAt, &run.FinishedAt, &status, &details); err != nil {
		return model.Run{}, err
	}
	run.Status = model.RunStatus(status)
	if len(details) > 0 {
		if err := json.Unmarshal(details, &run.Details); err != nil {
			return model.Run{}, fmt.Errorf("decode run details: %w", err)
		}
	}
	return run, nil
}

func marshalDetails(details map[string]any) ([]byte, error) {
	if details == nil {
		details = map[string]any{}
	}
	b, err := json.Marshal(details)
	if err != nil {
		return nil, fmt.Errorf("encode run details: %w", err)
	}
	return b, nil
}

// AppendMetrics implements store.MetricRepository.
func (s *Store) AppendMetrics(ctx context.Context, metrics ...model.Metric) error {
	const query = `
INSERT INTO ingestion_metrics (id, run_id, metric, value, tags, ts)
VALUES ($1, $2, $3, $4, $5, $6)`
	for _, m := range metrics {
		tags := m.Tags
		if tags == nil {
			tags = map[string]string{}
		}
		tagJSON, err := json.Marshal(tags)
		if err != nil {
			return fmt.Errorf("encode metric tags: %w", err)
		}
		if _, err := s.pool.Exec(ctx, query, m.ID, m.RunID, m.Name, m.Value, tagJSON, m.Timestamp); err != nil {
			return storeErr("append metric", err)
		}
	}
	return nil
}
