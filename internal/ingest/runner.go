// Package ingest runs the ingestion pipeline: every enabled endpoint is
// fetched, parsed, normalized and reconciled in its own source transaction,
// and the run is recorded in the ledger.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/civic-ingest/internal/dedup"
	"github.com/JakeFAU/civic-ingest/internal/feed"
	"github.com/JakeFAU/civic-ingest/internal/fetcher"
	"github.com/JakeFAU/civic-ingest/internal/ledger"
	"github.com/JakeFAU/civic-ingest/internal/metrics"
	"github.com/JakeFAU/civic-ingest/internal/model"
	"github.com/JakeFAU/civic-ingest/internal/normalize"
	"github.com/JakeFAU/civic-ingest/internal/publisher"
	"github.com/JakeFAU/civic-ingest/internal/storage"
	"github.com/JakeFAU/civic-ingest/internal/store"
)

// Defaults for the built-in National Weather Service alert source.
const (
	DefaultAlertSourceName = "National Weather Service"
	DefaultAlertURL        = "https://api.weather.gov/alerts/active?point={lat},{lon}"
	DefaultPoint           = "44.9778,-93.2650"
)

const tracerName = "github.com/JakeFAU/civic-ingest/internal/ingest"

// Config controls one run.
type Config struct {
	Concurrency         int
	RunTimeout          time.Duration
	Point               string
	ScopeRef            string
	AlertsEnabled       bool
	RespectPollInterval bool
	AlertTopic          string
}

// Fetcher performs conditional GETs.
type Fetcher interface {
	Fetch(ctx context.Context, req fetcher.Request) (fetcher.Response, error)
}

// Deps are the collaborators of a Runner. Archive and Publisher are optional.
type Deps struct {
	Store      store.Store
	Fetcher    Fetcher
	Parser     *feed.Parser
	Normalizer *normalize.Normalizer
	Engine     *dedup.Engine
	Ledger     *ledger.Ledger
	Archive    *storage.Archive
	Publisher  publisher.Publisher
	Clock      model.Clock
	Logger     *zap.Logger
	// Tracer defaults to the global provider's tracer.
	Tracer trace.Tracer
}

// EndpointResult is the outcome of polling one endpoint.
type EndpointResult struct {
	Source      string             `json:"source"`
	URL         string             `json:"url"`
	Kind        model.EndpointKind `json:"kind"`
	Items       dedup.Counts       `json:"items"`
	Alerts      dedup.Counts       `json:"alerts"`
	Dropped     int                `json:"dropped,omitempty"`
	NotModified bool               `json:"not_modified,omitempty"`
	ArchiveURI  string             `json:"archive_uri,omitempty"`
	Error       string             `json:"error,omitempty"`
	// Aborted is set when the run ended before the endpoint finished.
	Aborted bool `json:"aborted,omitempty"`
}

// Summary describes a finished run.
type Summary struct {
	RunID     uuid.UUID               `json:"run_id"`
	Status    model.RunStatus         `json:"status"`
	Feeds     map[string]dedup.Counts `json:"feeds"`
	Alerts    dedup.Counts            `json:"alerts"`
	Endpoints []EndpointResult        `json:"endpoints"`
	TimedOut  bool                    `json:"timed_out"`
}

// Runner executes ingestion runs. A Runner may be reused across runs but
// callers must not overlap them; the dispatcher enforces that.
type Runner struct {
	cfg  Config
	deps Deps
	lat  string
	lon  string
}

// NewRunner validates cfg and deps.
func NewRunner(cfg Config, deps Deps) (*Runner, error) {
	if deps.Store == nil || deps.Fetcher == nil || deps.Parser == nil ||
		deps.Normalizer == nil || deps.Engine == nil || deps.Ledger == nil || deps.Clock == nil {
		return nil, errors.New("ingest: store, fetcher, parser, normalizer, engine, ledger and clock are required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Point == "" {
		cfg.Point = DefaultPoint
	}
	lat, lon, err := parsePoint(cfg.Point)
	if err != nil {
		return nil, err
	}
	if deps.Publisher == nil {
		deps.Publisher = publisher.Noop{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer(tracerName)
	}
	return &Runner{cfg: cfg, deps: deps, lat: lat, lon: lon}, nil
}

// Run begins and executes one run.
func (r *Runner) Run(ctx context.Context, trigger string) (Summary, error) {
	run, err := r.Begin(ctx, trigger)
	if err != nil {
		return Summary{Status: model.RunError}, err
	}
	return r.Execute(ctx, run)
}

// Begin writes the running ledger row. A failure is recorded as an error
// run and returned.
func (r *Runner) Begin(ctx context.Context, trigger string) (*ledger.Run, error) {
	run, err := r.deps.Ledger.BeginRun(ctx, map[string]any{
		"point":     r.cfg.Point,
		"scope_ref": r.cfg.ScopeRef,
		"trigger":   trigger,
	})
	if err != nil {
		r.deps.Ledger.Fail(ctx, nil, err)
		return nil, err
	}
	return run, nil
}

// Execute polls every due endpoint for run. Only store failures and
// cancellation of ctx are returned; a run timeout yields a partial but
// successful run.
func (r *Runner) Execute(ctx context.Context, run *ledger.Run) (summary Summary, err error) {
	ctx, span := r.deps.Tracer.Start(ctx, "ingest.run", trace.WithAttributes(
		attribute.String("run.id", run.ID.String()),
		attribute.String("scope_ref", r.cfg.ScopeRef),
	))
	defer func() {
		span.SetAttributes(
			attribute.String("run.status", string(summary.Status)),
			attribute.Int("run.endpoints", len(summary.Endpoints)),
			attribute.Bool("run.timed_out", summary.TimedOut),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	summary = Summary{RunID: run.ID, Feeds: make(map[string]dedup.Counts)}

	endpoints, err := r.endpoints(ctx)
	if err != nil {
		r.deps.Ledger.Fail(ctx, run, err)
		summary.Status = model.RunError
		return summary, err
	}

	runCtx := ctx
	if r.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.cfg.RunTimeout)
		defer cancel()
	}

	var mu sync.Mutex
	results := make([]EndpointResult, len(endpoints))
	g, gctx := errgroup.WithContext(runCtx)
	g.SetLimit(r.cfg.Concurrency)
	for i, ep := range endpoints {
		g.Go(func() error {
			res, err := r.tracedPoll(gctx, run, ep)
			mu.Lock()
			results[i] = res
			mu.Unlock()
			return err
		})
	}
	fatal := g.Wait()

	summary.Endpoints = results
	errCount := 0
	alertsBySource := make(map[string]dedup.Counts)
	for _, res := range results {
		if res.Error != "" {
			errCount++
		}
		if res.Kind == model.KindJSONAPI {
			summary.Alerts.Inserted += res.Alerts.Inserted
			summary.Alerts.Updated += res.Alerts.Updated
			c := alertsBySource[res.Source]
			c.Inserted += res.Alerts.Inserted
			c.Updated += res.Alerts.Updated
			alertsBySource[res.Source] = c
			continue
		}
		c := summary.Feeds[res.Source]
		c.Inserted += res.Items.Inserted
		c.Updated += res.Items.Updated
		summary.Feeds[res.Source] = c
	}

	switch {
	case fatal != nil:
		r.deps.Ledger.Fail(ctx, run, fatal)
		summary.Status = model.RunError
		return summary, fatal
	case ctx.Err() != nil:
		err := fmt.Errorf("ingest run cancelled: %w", ctx.Err())
		r.deps.Ledger.Fail(ctx, run, err)
		summary.Status = model.RunError
		return summary, err
	case runCtx.Err() != nil:
		summary.TimedOut = true
	}

	if len(alertsBySource) == 0 {
		alertsBySource[DefaultAlertSourceName] = dedup.Counts{}
	}
	for source, c := range alertsBySource {
		alertTags := map[string]string{"source": source, "scope_ref": r.cfg.ScopeRef}
		r.deps.Ledger.RecordMetric(run, ledger.MetricAlertsInserted, float64(c.Inserted), alertTags)
		r.deps.Ledger.RecordMetric(run, ledger.MetricAlertsUpdated, float64(c.Updated), alertTags)
	}

	summary.Status = model.RunOK
	r.deps.Ledger.Finish(ctx, run, model.RunOK, map[string]any{
		"nws_inserted": summary.Alerts.Inserted,
		"nws_updated":  summary.Alerts.Updated,
		"feeds":        summary.Feeds,
		"endpoints":    results,
		"errors":       errCount,
		"timed_out":    summary.TimedOut,
	})

	feedsInserted, feedsUpdated := 0, 0
	for _, c := range summary.Feeds {
		feedsInserted += c.Inserted
		feedsUpdated += c.Updated
	}
	r.deps.Logger.Info("ingest complete",
		zap.Stringer("run_id", run.ID),
		zap.Int("nws_alerts_inserted", summary.Alerts.Inserted),
		zap.Int("nws_alerts_updated", summary.Alerts.Updated),
		zap.Int("feeds_inserted", feedsInserted),
		zap.Int("feeds_updated", feedsUpdated),
		zap.Int("errors", errCount),
		zap.Bool("timed_out", summary.TimedOut),
	)
	return summary, nil
}

// endpoints lists the endpoints this run polls, adding the default alert
// source when alerts are enabled and none is configured.
func (r *Runner) endpoints(ctx context.Context) ([]model.Endpoint, error) {
	all, err := r.deps.Store.ListEndpoints(ctx)
	if err != nil {
		return nil, fmt.Errorf("list endpoints: %w", err)
	}

	hasAlerts := false
	for _, ep := range all {
		if ep.Kind == model.KindJSONAPI {
			hasAlerts = true
			break
		}
	}
	if r.cfg.AlertsEnabled && !hasAlerts {
		ep, err := r.deps.Store.EnsureSource(ctx, DefaultAlertSource(), DefaultAlertEndpoint())
		if err != nil {
			return nil, fmt.Errorf("ensure alert source: %w", err)
		}
		if ep.Enabled {
			all = append(all, ep)
		}
	}

	now := r.deps.Clock.Now()
	out := make([]model.Endpoint, 0, len(all))
	for _, ep := range all {
		switch {
		case ep.Kind == model.KindHTMLScrape:
			r.deps.Logger.Debug("skipping html endpoint", zap.String("url", ep.URL))
		case ep.Kind == model.KindJSONAPI && !r.cfg.AlertsEnabled:
			r.deps.Logger.Debug("alerts disabled; skipping", zap.String("url", ep.URL))
		case r.cfg.RespectPollInterval && !ep.Due(now):
			r.deps.Logger.Debug("endpoint not due", zap.String("url", ep.URL))
		default:
			out = append(out, ep)
		}
	}
	return out, nil
}

func (r *Runner) tracedPoll(ctx context.Context, run *ledger.Run, ep model.Endpoint) (EndpointResult, error) {
	ctx, span := r.deps.Tracer.Start(ctx, "ingest.endpoint", trace.WithAttributes(
		attribute.String("source", ep.SourceName),
		attribute.String("endpoint.kind", string(ep.Kind)),
	))
	defer span.End()

	res, err := r.poll(ctx, run, ep)
	span.SetAttributes(
		attribute.String("endpoint.url", res.URL),
		attribute.Int("items.inserted", res.Items.Inserted),
		attribute.Int("items.updated", res.Items.Updated),
		attribute.Int("alerts.inserted", res.Alerts.Inserted),
		attribute.Int("alerts.updated", res.Alerts.Updated),
		attribute.Bool("not_modified", res.NotModified),
		attribute.Bool("aborted", res.Aborted),
	)
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case res.Error != "":
		span.SetStatus(codes.Error, res.Error)
	}
	return res, err
}

// poll runs the pipeline for one endpoint. The returned error is non-nil
// only for store failures, which end the run.
func (r *Runner) poll(ctx context.Context, run *ledger.Run, ep model.Endpoint) (EndpointResult, error) {
	res := EndpointResult{Source: ep.SourceName, URL: r.expand(ep.URL), Kind: ep.Kind}
	if ctx.Err() != nil {
		res.Aborted = true
		return res, nil
	}
	metrics.IncEndpointsInFlight()
	defer metrics.DecEndpointsInFlight()

	log := r.deps.Logger.With(zap.String("source", ep.SourceName), zap.String("url", res.URL))
	tags := map[string]string{"source": ep.SourceName, "url": res.URL}

	accept := fetcher.AcceptFeed
	if ep.Kind == model.KindJSONAPI {
		accept = fetcher.AcceptAlert
	}
	resp, err := r.deps.Fetcher.Fetch(ctx, fetcher.Request{
		URL:        res.URL,
		Accept:     accept,
		Validators: ep.Validators,
		AuthType:   ep.AuthType,
		AuthRef:    ep.AuthRef,
	})
	if err != nil {
		if ctx.Err() != nil {
			res.Aborted = true
			return res, nil
		}
		res.Error = ledger.TruncateError(err)
		r.deps.Ledger.RecordError(run, ledger.MetricFetchError, tags, err)
		log.Warn("fetch failed", zap.String("kind", errorKind(err)), zap.Error(err))
		return res, nil
	}

	if resp.NotModified() || len(resp.Body) == 0 {
		res.NotModified = resp.NotModified()
		return res, r.commit(ctx, &res, func(tx store.SourceTx) error {
			return tx.SaveFetchState(ctx, ep.ID, resp.Validators, r.deps.Clock.Now())
		})
	}

	if r.deps.Archive != nil {
		uri, err := r.deps.Archive.Save(ctx, ep.ID, resp.ContentType, resp.Body)
		if err != nil {
			log.Warn("archive failed", zap.Error(err))
		}
		res.ArchiveURI = uri
	}

	parsed, err := r.deps.Parser.Parse(resp.Body, ep.Kind)
	if err != nil {
		res.Error = ledger.TruncateError(err)
		r.deps.Ledger.RecordError(run, ledger.MetricParseError, tags, err)
		log.Warn("parse failed", zap.String("kind", errorKind(err)), zap.Error(err))
		return res, r.commit(ctx, &res, func(tx store.SourceTx) error {
			return tx.SaveFetchState(ctx, ep.ID, resp.Validators, r.deps.Clock.Now())
		})
	}

	entries := make([]model.CleanEntry, 0, len(parsed.Entries))
	for _, raw := range parsed.Entries {
		clean, err := r.deps.Normalizer.Normalize(raw)
		if err != nil {
			res.Dropped++
			log.Debug("entry dropped", zap.String("external_id", raw.ExternalID), zap.Error(err))
			continue
		}
		entries = append(entries, clean)
	}

	type change struct {
		alert   model.Alert
		outcome model.Outcome
	}
	var changes []change
	err = r.commit(ctx, &res, func(tx store.SourceTx) error {
		changes = changes[:0]
		res.Items, res.Alerts = dedup.Counts{}, dedup.Counts{}
		for _, entry := range entries {
			if entry.Alert != nil {
				alert, outcome, err := r.deps.Engine.ReconcileAlert(ctx, tx, ep, r.cfg.ScopeRef, *entry.Alert)
				if err != nil {
					return err
				}
				res.Alerts.Add(outcome)
				if outcome != model.Unchanged {
					changes = append(changes, change{alert: alert, outcome: outcome})
				}
			}
			outcome, err := r.deps.Engine.ReconcileItem(ctx, tx, ep, entry)
			if err != nil {
				return err
			}
			res.Items.Add(outcome)
		}
		return tx.SaveFetchState(ctx, ep.ID, resp.Validators, r.deps.Clock.Now())
	})
	if err != nil || res.Aborted {
		return res, err
	}

	for _, c := range changes {
		if _, err := r.deps.Publisher.Publish(ctx, r.cfg.AlertTopic, publisher.NewAlertEvent(c.alert, c.outcome)); err != nil {
			log.Warn("publish alert failed", zap.String("trigger_url", c.alert.TriggerURL), zap.Error(err))
		}
	}

	if ep.Kind != model.KindJSONAPI {
		r.deps.Ledger.RecordMetric(run, ledger.MetricItemsInserted, float64(res.Items.Inserted), map[string]string{"source": ep.SourceName})
		r.deps.Ledger.RecordMetric(run, ledger.MetricItemsUpdated, float64(res.Items.Updated), map[string]string{"source": ep.SourceName})
	}
	log.Info("endpoint ingested",
		zap.Int("items_inserted", res.Items.Inserted),
		zap.Int("items_updated", res.Items.Updated),
		zap.Int("alerts_inserted", res.Alerts.Inserted),
		zap.Int("alerts_updated", res.Alerts.Updated),
		zap.Int("dropped", res.Dropped+parsed.Skipped),
	)
	return res, nil
}

// commit runs fn in a source transaction. Failures caused by the run ending
// mark res aborted instead of failing the run.
func (r *Runner) commit(ctx context.Context, res *EndpointResult, fn func(tx store.SourceTx) error) error {
	err := r.deps.Store.InSourceTx(ctx, fn)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		res.Aborted = true
		res.Items, res.Alerts = dedup.Counts{}, dedup.Counts{}
		return nil
	}
	res.Error = ledger.TruncateError(err)
	if !errors.Is(err, store.ErrStore) {
		err = fmt.Errorf("%w: %s: %w", store.ErrStore, res.Source, err)
	}
	return err
}

// expand fills {lat} and {lon} placeholders.
func (r *Runner) expand(rawURL string) string {
	if !strings.Contains(rawURL, "{") {
		return rawURL
	}
	return strings.NewReplacer("{lat}", r.lat, "{lon}", r.lon).Replace(rawURL)
}

func parsePoint(point string) (string, string, error) {
	lat, lon, ok := strings.Cut(point, ",")
	lat, lon = strings.TrimSpace(lat), strings.TrimSpace(lon)
	if !ok || lat == "" || lon == "" {
		return "", "", fmt.Errorf("ingest.point must be \"lat,lon\", got %q", point)
	}
	return lat, lon, nil
}

// DefaultAlertSource is the source row ensured for alert ingestion.
func DefaultAlertSource() model.Source {
	return model.Source{
		Name:            DefaultAlertSourceName,
		HomepageURL:     "https://www.weather.gov/",
		Tier:            model.TierAuthoritative,
		Kind:            string(model.KindJSONAPI),
		DefaultLanguage: "en",
		TrustNotes:      "Authoritative weather warnings/advisories.",
		Enabled:         true,
	}
}

// DefaultAlertEndpoint is the endpoint ensured for alert ingestion.
func DefaultAlertEndpoint() model.Endpoint {
	return model.Endpoint{
		Kind:         model.KindJSONAPI,
		URL:          DefaultAlertURL,
		PollInterval: 5 * time.Minute,
		AuthType:     model.AuthNone,
		Enabled:      true,
	}
}
