// Package fetcher implements the polite HTTP client shared by ingestion and
// discovery: bounded concurrency, per-host spacing, robots.txt compliance,
// conditional GETs and an optional TTL disk cache.
package fetcher

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/civic-ingest/internal/cache"
	"github.com/JakeFAU/civic-ingest/internal/metrics"
	"github.com/JakeFAU/civic-ingest/internal/model"
	"github.com/JakeFAU/civic-ingest/internal/normalize"
	"github.com/JakeFAU/civic-ingest/internal/policy/ratelimit"
)

// Config controls fetcher behavior.
type Config struct {
	UserAgent     string
	Concurrency   int
	MaxBytes      int
	Timeout       time.Duration
	RespectRobots bool
}

// Request describes one GET.
type Request struct {
	URL        string
	Accept     string
	Validators model.Validators
	AuthType   model.AuthType
	AuthRef    string
	// UseCache consults and fills the disk cache. Only discovery sets it.
	UseCache bool
}

// Response is the outcome of a successful GET or a 304.
type Response struct {
	URL         string
	Status      int
	Body        []byte
	ContentType string
	// Validators are the ones to persist: new values from a 200 replace the
	// request's, absent ones are carried over, and a 304 echoes the request's.
	Validators model.Validators
	FromCache  bool
}

// NotModified reports a 304 short-circuit.
func (r Response) NotModified() bool {
	return r.Status == http.StatusNotModified
}

// Fetcher is safe for concurrent use.
type Fetcher struct {
	cfg       Config
	transport *collyTransport
	limiter   *ratelimit.Limiter
	sem       *semaphore.Weighted
	robots    *robotsCache
	cache     *cache.Cache
	logger    *zap.Logger
	lookupEnv func(string) (string, bool)
}

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithCache enables the disk cache for requests that set UseCache.
func WithCache(c *cache.Cache) Option {
	return func(f *Fetcher) { f.cache = c }
}

// WithRoundTripper replaces the HTTP transport, mainly for tests.
func WithRoundTripper(rt http.RoundTripper) Option {
	return func(f *Fetcher) {
		f.transport = newCollyTransport(f.cfg.UserAgent, f.cfg.MaxBytes, f.cfg.Timeout, rt)
	}
}

// WithEnvLookup replaces os.LookupEnv for resolving auth references.
func WithEnvLookup(fn func(string) (string, bool)) Option {
	return func(f *Fetcher) { f.lookupEnv = fn }
}

// New builds a Fetcher around limiter, which owns all per-host state.
func New(cfg Config, limiter *ratelimit.Limiter, logger *zap.Logger, opts ...Option) *Fetcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Fetcher{
		cfg:       cfg,
		limiter:   limiter,
		sem:       semaphore.NewWeighted(int64(cfg.Concurrency)),
		robots:    newRobotsCache(cfg.UserAgent, logger),
		logger:    logger,
		lookupEnv: os.LookupEnv,
	}
	f.transport = newCollyTransport(cfg.UserAgent, cfg.MaxBytes, cfg.Timeout, nil)
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch performs a polite GET. Errors match ErrNetwork, ErrForbiddenByPolicy
// or ErrRateLimited, or wrap the context error when ctx ends first.
func (f *Fetcher) Fetch(ctx context.Context, req Request) (Response, error) {
	u, err := url.Parse(req.URL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return Response{}, fmt.Errorf("%w: invalid url %q", ErrNetwork, req.URL)
	}

	cacheKey := ""
	if req.UseCache && f.cache != nil {
		cacheKey = normalize.CanonicalURL(req.URL)
		entry, ok, err := f.cache.Lookup(ctx, cacheKey)
		if err != nil {
			f.logger.Warn("cache lookup failed", zap.String("url", req.URL), zap.Error(err))
		}
		metrics.ObserveCacheLookup(ok)
		if ok {
			return Response{
				URL:         req.URL,
				Status:      entry.Status,
				Body:        entry.Body,
				ContentType: entry.ContentType,
				Validators:  model.Validators{ETag: entry.ETag},
				FromCache:   true,
			}, nil
		}
	}

	if f.cfg.RespectRobots {
		allowed, err := f.robots.allowed(ctx, f, u)
		if err != nil {
			return Response{}, err
		}
		if !allowed {
			metrics.ObserveRobotsDenied(req.URL)
			return Response{}, fmt.Errorf("%w: %s", ErrForbiddenByPolicy, req.URL)
		}
	}

	hdr, err := f.headers(req)
	if err != nil {
		return Response{}, err
	}
	raw, err := f.do(ctx, u, hdr)
	if err != nil {
		return Response{}, err
	}

	switch {
	case raw.Status == http.StatusNotModified:
		return Response{URL: raw.URL, Status: raw.Status, Validators: req.Validators}, nil
	case raw.Status >= 200 && raw.Status < 300:
	default:
		return Response{}, &StatusError{URL: req.URL, Code: raw.Status}
	}

	resp := Response{
		URL:         raw.URL,
		Status:      raw.Status,
		Body:        raw.Body,
		ContentType: raw.Headers.Get("Content-Type"),
		Validators:  mergeValidators(req.Validators, raw.Headers),
	}
	if cacheKey != "" {
		err := f.cache.Store(ctx, cacheKey, cache.Entry{
			Status:      resp.Status,
			ContentType: resp.ContentType,
			ETag:        resp.Validators.ETag,
			Body:        resp.Body,
		})
		if err != nil {
			f.logger.Warn("cache store failed", zap.String("url", req.URL), zap.Error(err))
		}
	}
	return resp, nil
}

// do runs one request inside a concurrency slot after the host's politeness
// delay. The slot is taken only once the delay has elapsed, so a sleeping
// host never holds a slot another host could use.
func (f *Fetcher) do(ctx context.Context, u *url.URL, hdr http.Header) (rawResponse, error) {
	acquire := func(ctx context.Context) error {
		if err := f.sem.Acquire(ctx, 1); err != nil {
			return fmt.Errorf("acquire fetch slot: %w", err)
		}
		return nil
	}
	if f.limiter != nil {
		if err := f.limiter.WaitThen(ctx, strings.ToLower(u.Host), acquire); err != nil {
			return rawResponse{}, err
		}
	} else if err := acquire(ctx); err != nil {
		return rawResponse{}, err
	}
	defer f.sem.Release(1)

	start := time.Now()
	raw, err := f.transport.get(ctx, u.String(), hdr)
	if err != nil {
		f.logger.Debug("fetch failed", zap.String("url", u.String()), zap.Error(err))
		return rawResponse{}, err
	}
	metrics.ObserveFetch(u.String(), raw.Status, len(raw.Body), time.Since(start))
	f.logger.Debug("fetched",
		zap.String("url", u.String()),
		zap.Int("status", raw.Status),
		zap.Int("bytes", len(raw.Body)),
		zap.Duration("dur", time.Since(start)),
	)
	return raw, nil
}

func (f *Fetcher) headers(req Request) (http.Header, error) {
	hdr := http.Header{}
	hdr.Set("User-Agent", f.cfg.UserAgent)
	accept := req.Accept
	if accept == "" {
		accept = "*/*"
	}
	hdr.Set("Accept", accept)
	hdr.Set("Accept-Language", acceptLanguage)
	hdr.Set("DNT", "1")
	if req.Validators.ETag != "" {
		hdr.Set("If-None-Match", req.Validators.ETag)
	}
	if req.Validators.LastModified != "" {
		hdr.Set("If-Modified-Since", req.Validators.LastModified)
	}
	if err := f.applyAuth(hdr, req.AuthType, req.AuthRef); err != nil {
		return nil, err
	}
	return hdr, nil
}

func (f *Fetcher) applyAuth(hdr http.Header, authType model.AuthType, ref string) error {
	if authType == "" || authType == model.AuthNone {
		return nil
	}
	secret, ok := f.lookupEnv(ref)
	if !ok || secret == "" {
		return fmt.Errorf("auth reference %q is not set", ref)
	}
	switch authType {
	case model.AuthBearer:
		hdr.Set("Authorization", "Bearer "+secret)
	case model.AuthBasic:
		hdr.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(secret)))
	case model.AuthAPIKey:
		hdr.Set("X-API-Key", secret)
	default:
		return fmt.Errorf("unsupported auth type %q", authType)
	}
	return nil
}

func mergeValidators(prev model.Validators, h http.Header) model.Validators {
	out := prev
	if etag := strings.TrimSpace(h.Get("ETag")); etag != "" {
		out.ETag = etag
	}
	if lm := strings.TrimSpace(h.Get("Last-Modified")); lm != "" {
		out.LastModified = lm
	}
	return out
}
