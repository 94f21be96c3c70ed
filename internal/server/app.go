// Package server builds the long-lived services behind every command and
// runs the serve loop: the record store, the progress hub feeding the run
// ledger, the polite fetchers, the ingestion runner and the ops HTTP server.
package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/JakeFAU/civic-ingest/internal/cache"
	"github.com/JakeFAU/civic-ingest/internal/cache/boltcache"
	"github.com/JakeFAU/civic-ingest/internal/cache/fscache"
	"github.com/JakeFAU/civic-ingest/internal/clock/system"
	"github.com/JakeFAU/civic-ingest/internal/config"
	"github.com/JakeFAU/civic-ingest/internal/crawler"
	"github.com/JakeFAU/civic-ingest/internal/dedup"
	"github.com/JakeFAU/civic-ingest/internal/feed"
	"github.com/JakeFAU/civic-ingest/internal/fetcher"
	idgen "github.com/JakeFAU/civic-ingest/internal/id/uuid"
	"github.com/JakeFAU/civic-ingest/internal/ingest"
	"github.com/JakeFAU/civic-ingest/internal/ledger"
	"github.com/JakeFAU/civic-ingest/internal/metrics"
	"github.com/JakeFAU/civic-ingest/internal/normalize"
	"github.com/JakeFAU/civic-ingest/internal/policy/ratelimit"
	"github.com/JakeFAU/civic-ingest/internal/progress"
	progresssinks "github.com/JakeFAU/civic-ingest/internal/progress/sinks"
	"github.com/JakeFAU/civic-ingest/internal/publisher"
	memorypublisher "github.com/JakeFAU/civic-ingest/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/civic-ingest/internal/publisher/pubsub"
	"github.com/JakeFAU/civic-ingest/internal/sources"
	"github.com/JakeFAU/civic-ingest/internal/storage"
	gcsstorage "github.com/JakeFAU/civic-ingest/internal/storage/gcs"
	localstorage "github.com/JakeFAU/civic-ingest/internal/storage/local"
	memorystorage "github.com/JakeFAU/civic-ingest/internal/storage/memory"
	pgstore "github.com/JakeFAU/civic-ingest/internal/storage/postgres"
	"github.com/JakeFAU/civic-ingest/internal/store"
	"github.com/JakeFAU/civic-ingest/internal/telemetry"
)

type closer interface {
	Close() error
}

// Option customizes Open.
type Option func(*App)

// WithRegisterer registers the ledger's Prometheus sink on reg instead of
// the default registerer.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(a *App) { a.registerer = reg }
}

// WithStore replaces the configured record store.
func WithStore(s store.Store) Option {
	return func(a *App) { a.store = s }
}

// App holds the services shared by the ingest, serve and sync commands.
type App struct {
	cfg        config.Config
	logger     *zap.Logger
	clock      *system.Clock
	ids        *idgen.Generator
	registerer prometheus.Registerer

	store   store.Store
	hub     *progress.Hub
	tracer  *sdktrace.TracerProvider
	closers []closer
	runner  *ingest.Runner
}

// Open connects the record store (migrating it first when configured) and
// starts the progress hub.
func Open(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger, clock: system.New(), ids: idgen.New()}
	for _, opt := range opts {
		opt(a)
	}
	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		ProjectID:   cfg.Telemetry.ProjectID,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	a.tracer = tp
	a.logger.Info("opening application",
		zap.String("db_backend", cfg.DB.Backend),
		zap.Int("server_port", cfg.Server.Port),
	)
	if a.store == nil {
		if err := a.setupStore(ctx); err != nil {
			_ = a.tracer.Shutdown(ctx)
			return nil, err
		}
	}
	if err := a.setupProgress(); err != nil {
		_ = a.Close(ctx)
		return nil, err
	}
	return a, nil
}

// Store returns the record store.
func (a *App) Store() store.Store {
	return a.store
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Syncer returns a configuration syncer over the store's catalog.
func (a *App) Syncer() *sources.Syncer {
	return sources.NewSyncer(a.store, a.logger.Named("sources"))
}

// Runner builds the ingestion runner on first use.
func (a *App) Runner(ctx context.Context) (*ingest.Runner, error) {
	if a.runner != nil {
		return a.runner, nil
	}
	denylist, err := normalize.LoadURLDenylist(a.cfg.Denylist.URLsFile)
	if err != nil {
		return nil, fmt.Errorf("load url denylist: %w", err)
	}
	archive, err := a.setupArchive(ctx)
	if err != nil {
		return nil, err
	}
	pub, err := a.setupPublisher(ctx)
	if err != nil {
		return nil, err
	}
	f := a.newFetcher(fetcherSettings{
		userAgent: a.cfg.Fetcher.UserAgent,
		uaProfile: a.cfg.Fetcher.UAProfile,
		minDelay:  a.cfg.Fetcher.MinDelay,
		maxDelay:  a.cfg.Fetcher.MaxDelay,
		maxBytes:  a.cfg.Fetcher.MaxBytes,
	}, nil)

	led := ledger.New(a.store, a.hub, a.clock, a.ids, a.logger.Named("ledger"))
	runner, err := ingest.NewRunner(ingest.Config{
		Concurrency:         a.cfg.Ingest.Concurrency,
		RunTimeout:          a.cfg.Ingest.RunTimeout,
		Point:               a.cfg.Ingest.Point,
		ScopeRef:            a.cfg.Ingest.ScopeRef,
		AlertsEnabled:       a.cfg.Ingest.AlertsEnabled,
		RespectPollInterval: a.cfg.Ingest.RespectPollInterval,
		AlertTopic:          a.cfg.Publisher.Topic,
	}, ingest.Deps{
		Store:      a.store,
		Fetcher:    f,
		Parser:     feed.New(a.cfg.Ingest.MaxItemsPerFeed),
		Normalizer: normalize.New(denylist),
		Engine:     dedup.New(a.clock, a.ids),
		Ledger:     led,
		Archive:    archive,
		Publisher:  pub,
		Clock:      a.clock,
		Logger:     a.logger.Named("ingest"),
	})
	if err != nil {
		return nil, fmt.Errorf("ingest runner init failed: %w", err)
	}
	a.logger.Info("ingest runner ready",
		zap.Int("concurrency", a.cfg.Ingest.Concurrency),
		zap.Int("denylisted_urls", denylist.Len()),
		zap.Bool("alerts_enabled", a.cfg.Ingest.AlertsEnabled),
		zap.Bool("archive", archive != nil),
	)
	a.runner = runner
	return runner, nil
}

// Close stops the hub (flushing buffered samples) and releases every
// client, returning the combined error.
func (a *App) Close(ctx context.Context) error {
	var err error
	if a.hub != nil {
		err = multierr.Append(err, a.hub.Close(ctx))
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, a.closers[i].Close())
	}
	a.closers = nil
	if a.store != nil {
		err = multierr.Append(err, a.store.Close())
	}
	if a.tracer != nil {
		err = multierr.Append(err, a.tracer.Shutdown(ctx))
		a.tracer = nil
	}
	if err != nil {
		a.logger.Warn("shutdown finished with errors", zap.Error(err))
		return fmt.Errorf("close application: %w", err)
	}
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) setupStore(ctx context.Context) error {
	switch a.cfg.DB.Backend {
	case "memory":
		a.logger.Warn("using in-memory record store; nothing survives the process")
		a.store = memorystorage.NewRecordStore(a.ids)
		return nil
	case "postgres":
	default:
		return fmt.Errorf("unknown db backend %q", a.cfg.DB.Backend)
	}
	if a.cfg.DB.MigrateOnStart {
		version, err := pgstore.Migrate(a.cfg.DB.DSN, pgstore.Up)
		if err != nil {
			return fmt.Errorf("migrate on start: %w", err)
		}
		a.logger.Info("schema migrated", zap.Uint("version", version))
	}
	s, err := pgstore.New(ctx, pgstore.Config{DSN: a.cfg.DB.DSN, MaxConns: a.cfg.DB.MaxConns}, a.ids)
	if err != nil {
		return fmt.Errorf("record store init failed: %w", err)
	}
	a.store = s
	a.logger.Info("postgres record store connected", zap.Int32("max_conns", a.cfg.DB.MaxConns))
	return nil
}

func (a *App) setupProgress() error {
	promSink, err := progresssinks.NewPrometheusSink(a.registerer)
	if err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return fmt.Errorf("prometheus sink init failed: %w", err)
		}
		a.logger.Debug("ledger collectors already registered")
	}
	sinkList := []progress.Sink{
		progresssinks.NewStoreSink(a.store, a.ids),
		progresssinks.NewLogSink(a.logger.Named("ledger_metrics")),
	}
	if promSink != nil {
		sinkList = append(sinkList, promSink)
	}
	a.hub = progress.NewHub(progress.Config{Logger: a.logger.Named("progress_hub")}, sinkList...)
	a.logger.Debug("progress hub initialized", zap.Int("sinks", len(sinkList)))
	return nil
}

func (a *App) setupArchive(ctx context.Context) (*storage.Archive, error) {
	if !a.cfg.Archive.Enabled {
		return nil, nil
	}
	var blobs storage.BlobStore
	switch a.cfg.Archive.Backend {
	case "gcs":
		gcs, err := gcsstorage.Open(ctx, gcsstorage.Config{Bucket: a.cfg.Archive.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs archive init failed: %w", err)
		}
		a.closers = append(a.closers, gcs)
		blobs = gcs
		a.logger.Info("archiving raw payloads to GCS", zap.String("bucket", a.cfg.Archive.Bucket))
	case "local":
		local, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Archive.Dir})
		if err != nil {
			return nil, fmt.Errorf("local archive init failed: %w", err)
		}
		blobs = local
		a.logger.Info("archiving raw payloads locally", zap.String("dir", a.cfg.Archive.Dir))
	default:
		a.logger.Info("archiving raw payloads in memory")
		blobs = memorystorage.NewBlobStore()
	}
	return storage.NewArchive(blobs, a.cfg.Archive.Prefix), nil
}

func (a *App) setupPublisher(ctx context.Context) (publisher.Publisher, error) {
	switch a.cfg.Publisher.Backend {
	case "pubsub":
		p, err := gcppublisher.Open(ctx, a.cfg.Publisher.ProjectID, a.cfg.Publisher.Topic)
		if err != nil {
			return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		a.closers = append(a.closers, p)
		a.logger.Info("Pub/Sub alert publisher initialized",
			zap.String("project", a.cfg.Publisher.ProjectID),
			zap.String("topic", a.cfg.Publisher.Topic),
		)
		return p, nil
	case "memory":
		a.logger.Info("using in-memory alert publisher")
		return memorypublisher.New(), nil
	default:
		return publisher.Noop{}, nil
	}
}

type fetcherSettings struct {
	userAgent string
	uaProfile string
	minDelay  time.Duration
	maxDelay  time.Duration
	maxBytes  int
}

func (a *App) newFetcher(s fetcherSettings, c *cache.Cache) *fetcher.Fetcher {
	return newFetcher(a.cfg, s, c, a.clock, a.logger)
}

func newFetcher(cfg config.Config, s fetcherSettings, c *cache.Cache, clock *system.Clock, logger *zap.Logger) *fetcher.Fetcher {
	limiter := ratelimit.New(ratelimit.Config{
		MinDelay:  s.minDelay,
		MaxDelay:  s.maxDelay,
		GlobalRPS: cfg.Fetcher.GlobalRPS,
		OnDelay:   metrics.ObservePolitenessDelay,
	}, clock)
	ua := fetcher.UserAgent(s.userAgent, s.uaProfile)
	opts := []fetcher.Option{}
	if c != nil {
		opts = append(opts, fetcher.WithCache(c))
	}
	logger.Info("polite fetcher configured",
		zap.String("user_agent", ua),
		zap.Duration("min_delay", s.minDelay),
		zap.Duration("max_delay", s.maxDelay),
		zap.Bool("cache", c != nil),
	)
	return fetcher.New(fetcher.Config{
		UserAgent:     ua,
		Concurrency:   cfg.Fetcher.Concurrency,
		MaxBytes:      s.maxBytes,
		Timeout:       cfg.Fetcher.Timeout,
		RespectRobots: cfg.Fetcher.RespectRobots,
	}, limiter, logger.Named("fetcher"), opts...)
}

// Discovery is a crawler and the resources it holds open.
type Discovery struct {
	Crawler *crawler.Crawler
	cache   *cache.Cache
}

// Close releases the disk cache.
func (d *Discovery) Close() error {
	if d == nil || d.cache == nil {
		return nil
	}
	if err := d.cache.Close(); err != nil {
		return fmt.Errorf("close discovery cache: %w", err)
	}
	return nil
}

// NewDiscovery builds the discovery crawler with its own slower fetcher and
// the configured disk cache. It needs no record store.
func NewDiscovery(cfg config.Config, logger *zap.Logger) (*Discovery, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := system.New()
	backend, err := openCache(cfg.Cache)
	if err != nil {
		return nil, err
	}
	c := cache.New(backend, cfg.Cache.TTL, clock)

	urls, err := normalize.LoadURLDenylist(cfg.Denylist.URLsFile)
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("load url denylist: %w", err)
	}
	domains, err := normalize.LoadDomainDenylist(cfg.Discovery.DomainDenylistFile)
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("load domain denylist: %w", err)
	}
	paywall, err := normalize.NewPaywallDetector(cfg.Paywall.Patterns)
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("paywall patterns: %w", err)
	}

	f := newFetcher(cfg, fetcherSettings{
		userAgent: cfg.Fetcher.UserAgent,
		uaProfile: cfg.Discovery.UAProfile,
		minDelay:  cfg.Discovery.MinDelay,
		maxDelay:  cfg.Discovery.MaxDelay,
		maxBytes:  cfg.Discovery.MaxBytes,
	}, c, clock, logger)

	cr := crawler.New(crawler.Config{
		Concurrency:        cfg.Discovery.Concurrency,
		MaxSites:           cfg.Discovery.MaxSites,
		SampleItems:        cfg.Discovery.SampleItems,
		MaxFeedsPerSite:    cfg.Discovery.MaxFeedsPerSite,
		MaxArticlesPerFeed: cfg.Discovery.MaxArticlesPerFeed,
		MaxPaywallRatio:    cfg.Discovery.MaxPaywallRatio,
		FetchArticles:      cfg.Discovery.MaxArticlesPerFeed > 0,
	}, f, normalize.New(urls), domains, paywall, clock, logger.Named("crawler"))
	return &Discovery{Crawler: cr, cache: c}, nil
}

func openCache(cfg config.CacheConfig) (cache.Backend, error) {
	switch cfg.Backend {
	case "bolt":
		if err := os.MkdirAll(filepath.Clean(cfg.Dir), 0o750); err != nil {
			return nil, fmt.Errorf("create cache dir %s: %w", cfg.Dir, err)
		}
		b, err := boltcache.New(cfg.Dir)
		if err != nil {
			return nil, fmt.Errorf("bolt cache init failed: %w", err)
		}
		return b, nil
	default:
		b, err := fscache.New(cfg.Dir)
		if err != nil {
			return nil, fmt.Errorf("fs cache init failed: %w", err)
		}
		return b, nil
	}
}
