// Package crawler discovers RSS and Atom feeds on seed sites and samples
// their recent items: advertised and conventional feed locations are probed
// through the cached polite fetcher, sampled articles are checked for
// paywalls and bylines, and the findings are written as a JSON report.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/civic-ingest/internal/feed"
	"github.com/JakeFAU/civic-ingest/internal/fetcher"
	"github.com/JakeFAU/civic-ingest/internal/model"
	"github.com/JakeFAU/civic-ingest/internal/normalize"
)

// ErrNoFeeds is recorded for sites without a usable feed.
var ErrNoFeeds = errors.New("no valid RSS/Atom feeds found (may require manual endpoints or HTML scraping)")

// Config bounds a discovery pass.
type Config struct {
	Concurrency        int
	MaxSites           int
	SampleItems        int
	MaxFeedsPerSite    int
	MaxArticlesPerFeed int
	MaxPaywallRatio    float64
	// FetchArticles enables article fetches for paywall and author checks.
	FetchArticles bool
}

// Fetcher performs polite GETs.
type Fetcher interface {
	Fetch(ctx context.Context, req fetcher.Request) (fetcher.Response, error)
}

// Crawler is safe for concurrent use; all per-host state lives in its
// Fetcher.
type Crawler struct {
	cfg        Config
	fetch      Fetcher
	parser     *feed.Parser
	normalizer *normalize.Normalizer
	domains    *normalize.DomainDenylist
	paywall    *normalize.PaywallDetector
	clock      model.Clock
	logger     *zap.Logger
}

// New builds a Crawler. domains and paywall may be nil.
func New(
	cfg Config,
	f Fetcher,
	normalizer *normalize.Normalizer,
	domains *normalize.DomainDenylist,
	paywall *normalize.PaywallDetector,
	clock model.Clock,
	logger *zap.Logger,
) *Crawler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.SampleItems <= 0 {
		cfg.SampleItems = 5
	}
	if cfg.MaxFeedsPerSite <= 0 {
		cfg.MaxFeedsPerSite = 6
	}
	if cfg.MaxArticlesPerFeed < 0 {
		cfg.MaxArticlesPerFeed = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Crawler{
		cfg:        cfg,
		fetch:      f,
		parser:     feed.New(cfg.SampleItems),
		normalizer: normalizer,
		domains:    domains,
		paywall:    paywall,
		clock:      clock,
		logger:     logger,
	}
}

// Run discovers feeds for seeds in order. Denylisted seeds are skipped and
// at most MaxSites are visited. Per-site failures are reported in the
// result; only cancellation of ctx is returned as an error.
func (c *Crawler) Run(ctx context.Context, seeds []string) (Report, error) {
	sites := make([]string, 0, len(seeds))
	for _, s := range seeds {
		if c.domains.Denied(s) {
			c.logger.Debug("seed denylisted", zap.String("site", s))
			continue
		}
		sites = append(sites, s)
	}
	if c.cfg.MaxSites > 0 && len(sites) > c.cfg.MaxSites {
		sites = sites[:c.cfg.MaxSites]
	}

	results := make([]SiteResult, len(sites))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Concurrency)
	for i, site := range sites {
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			results[i] = c.discoverSite(gctx, site)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Report{}, fmt.Errorf("discovery cancelled: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return Report{}, fmt.Errorf("discovery cancelled: %w", err)
	}

	report := Report{GeneratedAt: c.clock.Now().UTC().Truncate(time.Second), Results: results}
	found := 0
	for _, r := range results {
		found += len(r.Feeds)
	}
	c.logger.Info("discovery complete", zap.Int("sites", len(results)), zap.Int("feeds", found))
	return report, nil
}

func (c *Crawler) discoverSite(ctx context.Context, site string) SiteResult {
	res := SiteResult{Site: site, Feeds: []FeedResult{}}
	log := c.logger.With(zap.String("site", site))

	home, err := c.fetch.Fetch(ctx, fetcher.Request{URL: site, Accept: fetcher.AcceptHTML, UseCache: true})
	if err != nil {
		res.Error = fmt.Sprintf("fetch site failed: %v", err)
		log.Warn("site fetch failed", zap.Error(err))
		return res
	}

	for _, candidate := range FeedCandidates(site, home.Body) {
		if len(res.Feeds) >= c.cfg.MaxFeedsPerSite || ctx.Err() != nil {
			break
		}
		if c.domains.Denied(candidate) {
			continue
		}
		fr, ok := c.probeFeed(ctx, candidate)
		if !ok {
			continue
		}
		if c.rejectForPaywall(fr) {
			log.Info("feed rejected as paywalled",
				zap.String("feed", fr.URL),
				zap.Int("paywalled", fr.Paywalled),
				zap.Int("fetched", fr.Fetched),
			)
			continue
		}
		res.Feeds = append(res.Feeds, fr)
	}
	if len(res.Feeds) == 0 && res.Error == "" {
		res.Error = ErrNoFeeds.Error()
	}
	return res
}

// probeFeed fetches and samples one candidate. ok is false when the
// candidate is not an RSS or Atom feed.
func (c *Crawler) probeFeed(ctx context.Context, feedURL string) (FeedResult, bool) {
	resp, err := c.fetch.Fetch(ctx, fetcher.Request{URL: feedURL, Accept: fetcher.AcceptFeed, UseCache: true})
	if err != nil {
		c.logger.Debug("feed candidate unavailable", zap.String("feed", feedURL), zap.Error(err))
		return FeedResult{}, false
	}
	if resp.URL != "" && c.domains.Denied(resp.URL) {
		return FeedResult{}, false
	}
	parsed, err := c.parser.Parse(resp.Body, "")
	if err != nil || (parsed.Kind != model.KindRSS && parsed.Kind != model.KindAtom) {
		return FeedResult{}, false
	}

	fr := FeedResult{URL: feedURL, Kind: parsed.Kind, Title: parsed.Title, Items: []ItemSample{}}
	authors := make(map[string]struct{})
	for _, raw := range parsed.Entries {
		clean, err := c.normalizer.Normalize(raw)
		if err != nil {
			continue
		}
		item := ItemSample{Title: clean.Title, URL: raw.URL}
		if clean.CanonicalURL != nil {
			item.URL = *clean.CanonicalURL
		}
		if clean.Author != nil {
			item.Author = *clean.Author
		}
		if clean.PublishedAt != nil {
			item.Published = clean.PublishedAt.UTC().Format(time.RFC3339)
		}
		if item.URL != "" && c.domains.Denied(item.URL) {
			continue
		}

		if c.cfg.FetchArticles && item.URL != "" && fr.Fetched < c.cfg.MaxArticlesPerFeed {
			paywalled, author, ok := c.inspectArticle(ctx, item.URL)
			switch {
			case !ok:
			case paywalled:
				fr.Paywalled++
				continue
			default:
				fr.Fetched++
				if item.Author == "" {
					item.Author = author
				}
			}
		}
		if item.Author != "" {
			authors[item.Author] = struct{}{}
		}
		fr.Items = append(fr.Items, item)
	}
	for a := range authors {
		fr.Authors = append(fr.Authors, a)
	}
	slices.Sort(fr.Authors)
	return fr, true
}

func (c *Crawler) inspectArticle(ctx context.Context, articleURL string) (paywalled bool, author string, ok bool) {
	resp, err := c.fetch.Fetch(ctx, fetcher.Request{URL: articleURL, Accept: fetcher.AcceptHTML, UseCache: true})
	if err != nil {
		c.logger.Debug("article fetch failed", zap.String("url", articleURL), zap.Error(err))
		return false, "", false
	}
	if c.paywall.Paywalled(resp.Body) {
		return true, "", true
	}
	return false, ExtractAuthor(resp.Body), true
}

func (c *Crawler) rejectForPaywall(fr FeedResult) bool {
	sampled := fr.Paywalled + fr.Fetched
	if sampled == 0 {
		return false
	}
	return float64(fr.Paywalled)/float64(sampled) > c.cfg.MaxPaywallRatio
}
