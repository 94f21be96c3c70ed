// Package sources applies the declarative sources file to the catalog.
// Sync is idempotent: re-applying an unchanged file reports zero changes.
package sources

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/civic-ingest/internal/model"
	"github.com/JakeFAU/civic-ingest/internal/store"
)

// DefaultPollInterval applies when an endpoint omits poll_interval_seconds.
const DefaultPollInterval = 900 * time.Second

// File is the sources.yaml document.
type File struct {
	Sources []SourceSpec `yaml:"sources"`
}

// SourceSpec declares one publisher.
type SourceSpec struct {
	Name            string         `yaml:"name"`
	HomepageURL     string         `yaml:"homepage_url"`
	Tier            string         `yaml:"tier"`
	Kind            string         `yaml:"kind"`
	DefaultLanguage string         `yaml:"default_language"`
	TrustNotes      string         `yaml:"trust_notes"`
	Enabled         *bool          `yaml:"enabled"`
	Endpoints       []EndpointSpec `yaml:"endpoints"`
}

// EndpointSpec declares one fetchable location of a source.
type EndpointSpec struct {
	Kind                string `yaml:"kind"`
	URL                 string `yaml:"url"`
	PollIntervalSeconds *int   `yaml:"poll_interval_seconds"`
	AuthType            string `yaml:"auth_type"`
	AuthRef             string `yaml:"auth_ref"`
	Enabled             *bool  `yaml:"enabled"`
}

// Result counts the catalog changes made by one sync.
type Result struct {
	SourcesCreated   int `json:"sources_created"`
	SourcesUpdated   int `json:"sources_updated"`
	EndpointsCreated int `json:"endpoints_created"`
	EndpointsUpdated int `json:"endpoints_updated"`
}

// Load reads and decodes path. Unknown keys are rejected.
func Load(path string) (File, error) {
	f, err := os.Open(path) // #nosec G304 -- operator-supplied config path.
	if err != nil {
		return File{}, fmt.Errorf("open sources file: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse decodes a sources document from r.
func Parse(r io.Reader) (File, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var doc File
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return File{}, fmt.Errorf("decode sources file: %w", err)
	}
	return doc, nil
}

type plannedSource struct {
	source    model.Source
	endpoints []model.Endpoint
}

// buildPlan validates doc and converts it into catalog records. Any error aborts
// before a write could happen.
func buildPlan(doc File) ([]plannedSource, error) {
	out := make([]plannedSource, 0, len(doc.Sources))
	seen := make(map[string]struct{}, len(doc.Sources))
	for i, s := range doc.Sources {
		name := strings.TrimSpace(s.Name)
		if name == "" {
			return nil, fmt.Errorf("sources[%d].name is required", i)
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("source %q is declared twice", name)
		}
		seen[name] = struct{}{}

		tier, err := model.ParseTier(s.Tier)
		if err != nil {
			return nil, fmt.Errorf("source[%s].tier: %w", name, err)
		}
		kind, err := parseSourceKind(s.Kind)
		if err != nil {
			return nil, fmt.Errorf("source[%s].kind: %w", name, err)
		}
		lang := strings.TrimSpace(s.DefaultLanguage)
		if lang == "" {
			lang = "en"
		}
		p := plannedSource{source: model.Source{
			Name:            name,
			HomepageURL:     strings.TrimSpace(s.HomepageURL),
			Tier:            tier,
			Kind:            kind,
			DefaultLanguage: lang,
			TrustNotes:      strings.TrimSpace(s.TrustNotes),
			Enabled:         boolOr(s.Enabled, true),
		}}
		for j, e := range s.Endpoints {
			ep, err := planEndpoint(e)
			if err != nil {
				return nil, fmt.Errorf("source[%s].endpoints[%d]: %w", name, j, err)
			}
			ep.SourceName = name
			p.endpoints = append(p.endpoints, ep)
		}
		out = append(out, p)
	}
	return out, nil
}

func planEndpoint(e EndpointSpec) (model.Endpoint, error) {
	kind, err := model.ParseEndpointKind(e.Kind)
	if err != nil {
		return model.Endpoint{}, err
	}
	url := strings.TrimSpace(e.URL)
	if url == "" {
		return model.Endpoint{}, errors.New("url is required")
	}
	poll := DefaultPollInterval
	if e.PollIntervalSeconds != nil {
		if *e.PollIntervalSeconds <= 0 {
			return model.Endpoint{}, errors.New("poll_interval_seconds must be > 0")
		}
		poll = time.Duration(*e.PollIntervalSeconds) * time.Second
	}
	auth, err := model.ParseAuthType(e.AuthType)
	if err != nil {
		return model.Endpoint{}, err
	}
	ref := strings.TrimSpace(e.AuthRef)
	if auth != model.AuthNone && ref == "" {
		return model.Endpoint{}, fmt.Errorf("auth_ref is required for auth_type %s", auth)
	}
	return model.Endpoint{
		Kind:         kind,
		URL:          url,
		PollInterval: poll,
		AuthType:     auth,
		AuthRef:      ref,
		Enabled:      boolOr(e.Enabled, true),
	}, nil
}

func parseSourceKind(s string) (string, error) {
	if strings.EqualFold(strings.TrimSpace(s), "MANUAL") {
		return "MANUAL", nil
	}
	k, err := model.ParseEndpointKind(s)
	if err != nil {
		return "", err
	}
	return string(k), nil
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

// Syncer writes planned sources through a catalog.
type Syncer struct {
	catalog store.Catalog
	logger  *zap.Logger
}

// NewSyncer constructs a Syncer.
func NewSyncer(catalog store.Catalog, logger *zap.Logger) *Syncer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Syncer{catalog: catalog, logger: logger}
}

// Sync loads path and applies it.
func (s *Syncer) Sync(ctx context.Context, path string) (Result, error) {
	doc, err := Load(path)
	if err != nil {
		return Result{}, err
	}
	return s.Apply(ctx, doc)
}

// Apply validates doc in full, then upserts every source and endpoint.
func (s *Syncer) Apply(ctx context.Context, doc File) (Result, error) {
	plan, err := buildPlan(doc)
	if err != nil {
		return Result{}, err
	}
	var res Result
	for _, p := range plan {
		src, change, err := s.catalog.UpsertSource(ctx, p.source)
		if err != nil {
			return res, fmt.Errorf("sync source %s: %w", p.source.Name, err)
		}
		res.SourcesCreated += countIf(change == store.Created)
		res.SourcesUpdated += countIf(change == store.Updated)

		for _, ep := range p.endpoints {
			ep.SourceID = src.ID
			_, change, err := s.catalog.UpsertEndpoint(ctx, ep)
			if err != nil {
				return res, fmt.Errorf("sync endpoint %s: %w", ep.URL, err)
			}
			res.EndpointsCreated += countIf(change == store.Created)
			res.EndpointsUpdated += countIf(change == store.Updated)
		}
	}
	s.logger.Info("sources synced",
		zap.Int("sources_created", res.SourcesCreated),
		zap.Int("sources_updated", res.SourcesUpdated),
		zap.Int("endpoints_created", res.EndpointsCreated),
		zap.Int("endpoints_updated", res.EndpointsUpdated),
	)
	return res, nil
}

func countIf(b bool) int {
	if b {
		return 1
	}
	return 0
}
