// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/civic-ingest/internal/normalize"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging"`
	DB        DBConfig        `mapstructure:"db"`
	Fetcher   FetcherConfig   `mapstructure:"fetcher"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Denylist  DenylistConfig  `mapstructure:"denylist"`
	Paywall   PaywallConfig   `mapstructure:"paywall"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Publisher PublisherConfig `mapstructure:"publisher"`
	Server    ServerConfig    `mapstructure:"server"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// DBConfig selects and configures the record store.
type DBConfig struct {
	Backend        string `mapstructure:"backend"`
	DSN            string `mapstructure:"dsn"`
	MaxConns       int32  `mapstructure:"max_conns"`
	MigrateOnStart bool   `mapstructure:"migrate_on_start"`
}

// FetcherConfig governs the polite HTTP client used for endpoint polling.
type FetcherConfig struct {
	UserAgent     string        `mapstructure:"user_agent"`
	UAProfile     string        `mapstructure:"ua_profile"`
	MinDelay      time.Duration `mapstructure:"min_delay"`
	MaxDelay      time.Duration `mapstructure:"max_delay"`
	Concurrency   int           `mapstructure:"concurrency"`
	MaxBytes      int           `mapstructure:"max_bytes"`
	Timeout       time.Duration `mapstructure:"timeout"`
	GlobalRPS     float64       `mapstructure:"global_rps"`
	RespectRobots bool          `mapstructure:"respect_robots"`
}

// CacheConfig configures the discovery disk cache.
type CacheConfig struct {
	Backend string        `mapstructure:"backend"`
	Dir     string        `mapstructure:"dir"`
	TTL     time.Duration `mapstructure:"ttl"`
}

// IngestConfig controls a single ingestion run and the serve scheduler.
type IngestConfig struct {
	Concurrency         int           `mapstructure:"concurrency"`
	MaxItemsPerFeed     int           `mapstructure:"max_items_per_feed"`
	RunTimeout          time.Duration `mapstructure:"run_timeout"`
	Interval            time.Duration `mapstructure:"interval"`
	Point               string        `mapstructure:"point"`
	ScopeRef            string        `mapstructure:"scope_ref"`
	AlertsEnabled       bool          `mapstructure:"alerts_enabled"`
	RespectPollInterval bool          `mapstructure:"respect_poll_interval"`
	SourcesFile         string        `mapstructure:"sources_file"`
}

// DiscoveryConfig controls the feed discovery crawler.
type DiscoveryConfig struct {
	SeedsFile          string        `mapstructure:"seeds_file"`
	DomainDenylistFile string        `mapstructure:"domain_denylist_file"`
	Output             string        `mapstructure:"output"`
	UAProfile          string        `mapstructure:"ua_profile"`
	MinDelay           time.Duration `mapstructure:"min_delay"`
	MaxDelay           time.Duration `mapstructure:"max_delay"`
	Concurrency        int           `mapstructure:"concurrency"`
	MaxSites           int           `mapstructure:"max_sites"`
	MaxBytes           int           `mapstructure:"max_bytes"`
	SampleItems        int           `mapstructure:"sample_items"`
	MaxFeedsPerSite    int           `mapstructure:"max_feeds_per_site"`
	MaxArticlesPerFeed int           `mapstructure:"max_articles_per_feed"`
	MaxPaywallRatio    float64       `mapstructure:"max_paywall_ratio"`
}

// DenylistConfig points at the URL denylist file.
type DenylistConfig struct {
	URLsFile string `mapstructure:"urls_file"`
}

// PaywallConfig holds the paywall signature patterns.
type PaywallConfig struct {
	Patterns []string `mapstructure:"patterns"`
}

// ArchiveConfig controls raw payload archiving.
type ArchiveConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Backend string `mapstructure:"backend"`
	Dir     string `mapstructure:"dir"`
	Bucket  string `mapstructure:"bucket"`
	Prefix  string `mapstructure:"prefix"`
}

// PublisherConfig controls alert change notifications.
type PublisherConfig struct {
	Backend   string `mapstructure:"backend"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// ServerConfig controls the ops HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
	// APIKey, when set, guards the /v1 routes.
	APIKey string `mapstructure:"api_key"`
}

// TelemetryConfig controls OpenTelemetry tracing.
type TelemetryConfig struct {
	ServiceName string  `mapstructure:"service_name"`
	ProjectID   string  `mapstructure:"project_id"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CIVIC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("db.backend", "postgres")
	v.SetDefault("db.dsn", "postgres://localhost:5432/civic?sslmode=disable")
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.migrate_on_start", false)
	v.SetDefault("fetcher.user_agent", "")
	v.SetDefault("fetcher.ua_profile", "chrome-linux")
	v.SetDefault("fetcher.min_delay", "1s")
	v.SetDefault("fetcher.max_delay", "3s")
	v.SetDefault("fetcher.concurrency", 4)
	v.SetDefault("fetcher.max_bytes", 5_000_000)
	v.SetDefault("fetcher.timeout", "30s")
	v.SetDefault("fetcher.global_rps", 0)
	v.SetDefault("fetcher.respect_robots", true)
	v.SetDefault("cache.backend", "fs")
	v.SetDefault("cache.dir", ".cache/discovery")
	v.SetDefault("cache.ttl", "24h")
	v.SetDefault("ingest.concurrency", 1)
	v.SetDefault("ingest.max_items_per_feed", 25)
	v.SetDefault("ingest.run_timeout", "10m")
	v.SetDefault("ingest.interval", "15m")
	v.SetDefault("ingest.point", "44.9778,-93.2650")
	v.SetDefault("ingest.scope_ref", "twin-cities")
	v.SetDefault("ingest.alerts_enabled", true)
	v.SetDefault("ingest.respect_poll_interval", false)
	v.SetDefault("ingest.sources_file", "config/sources.yaml")
	v.SetDefault("discovery.seeds_file", "config/seed_sites.txt")
	v.SetDefault("discovery.domain_denylist_file", "config/denylist_domains.txt")
	v.SetDefault("discovery.output", "discovered_sources.json")
	v.SetDefault("discovery.ua_profile", "chrome-linux")
	v.SetDefault("discovery.min_delay", "10s")
	v.SetDefault("discovery.max_delay", "30s")
	v.SetDefault("discovery.concurrency", 4)
	v.SetDefault("discovery.max_sites", 200)
	v.SetDefault("discovery.max_bytes", 2_000_000)
	v.SetDefault("discovery.sample_items", 5)
	v.SetDefault("discovery.max_feeds_per_site", 6)
	v.SetDefault("discovery.max_articles_per_feed", 5)
	v.SetDefault("discovery.max_paywall_ratio", 0.5)
	v.SetDefault("denylist.urls_file", "config/denylist_urls.txt")
	v.SetDefault("paywall.patterns", normalize.DefaultPaywallPatterns)
	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.backend", "local")
	v.SetDefault("archive.dir", ".archive")
	v.SetDefault("archive.prefix", "raw")
	v.SetDefault("publisher.backend", "none")
	v.SetDefault("publisher.topic", "alerts")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.api_key", "")
	v.SetDefault("telemetry.service_name", "civic-ingest")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	switch c.DB.Backend {
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set for the postgres backend")
		}
	case "memory":
	default:
		return fmt.Errorf("db.backend must be postgres or memory, got %q", c.DB.Backend)
	}
	if c.Fetcher.Concurrency <= 0 {
		return fmt.Errorf("fetcher.concurrency must be > 0")
	}
	if c.Fetcher.MinDelay < 0 || c.Fetcher.MaxDelay < c.Fetcher.MinDelay {
		return fmt.Errorf("fetcher delays must satisfy 0 <= min_delay <= max_delay")
	}
	if c.Fetcher.MaxBytes <= 0 {
		return fmt.Errorf("fetcher.max_bytes must be > 0")
	}
	if c.Fetcher.Timeout <= 0 {
		return fmt.Errorf("fetcher.timeout must be > 0")
	}
	if c.Ingest.Concurrency <= 0 {
		return fmt.Errorf("ingest.concurrency must be > 0")
	}
	if c.Ingest.MaxItemsPerFeed <= 0 {
		return fmt.Errorf("ingest.max_items_per_feed must be > 0")
	}
	if c.Ingest.Interval <= 0 {
		return fmt.Errorf("ingest.interval must be > 0")
	}
	switch c.Cache.Backend {
	case "fs", "bolt":
	default:
		return fmt.Errorf("cache.backend must be fs or bolt, got %q", c.Cache.Backend)
	}
	if c.Discovery.Concurrency <= 0 {
		return fmt.Errorf("discovery.concurrency must be > 0")
	}
	if c.Discovery.MinDelay < 0 || c.Discovery.MaxDelay < c.Discovery.MinDelay {
		return fmt.Errorf("discovery delays must satisfy 0 <= min_delay <= max_delay")
	}
	if c.Discovery.MaxPaywallRatio < 0 || c.Discovery.MaxPaywallRatio > 1 {
		return fmt.Errorf("discovery.max_paywall_ratio must be within [0, 1]")
	}
	if c.Archive.Enabled {
		switch c.Archive.Backend {
		case "local", "memory":
		case "gcs":
			if c.Archive.Bucket == "" {
				return fmt.Errorf("archive.bucket must be set for the gcs backend")
			}
		default:
			return fmt.Errorf("archive.backend must be local, gcs or memory, got %q", c.Archive.Backend)
		}
	}
	switch c.Publisher.Backend {
	case "none", "memory":
	case "pubsub":
		if c.Publisher.ProjectID == "" || c.Publisher.Topic == "" {
			return fmt.Errorf("publisher.project_id and publisher.topic must be set for pubsub")
		}
	default:
		return fmt.Errorf("publisher.backend must be none, pubsub or memory, got %q", c.Publisher.Backend)
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0, 1]")
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	return nil
}
