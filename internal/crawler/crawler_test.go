package crawler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/civic-ingest/internal/clock/system"
	"github.com/JakeFAU/civic-ingest/internal/fetcher"
	"github.com/JakeFAU/civic-ingest/internal/model"
	"github.com/JakeFAU/civic-ingest/internal/normalize"
	"github.com/JakeFAU/civic-ingest/internal/policy/ratelimit"
)

func newSite(t *testing.T, articles map[string]string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`<html><head><link rel="alternate" type="application/rss+xml" href="/news.xml"></head></html>`))
	})
	mux.HandleFunc("/news.xml", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = fmt.Fprint(w, `<rss version="2.0"><channel><title>Site News</title>`)
		for _, path := range []string{"/a1", "/a2", "/a3"} {
			_, _ = fmt.Fprintf(w, `<item><guid>%[1]s</guid><title>Story %[1]s</title><link>%[2]s%[1]s</link></item>`, path, srv.URL)
		}
		_, _ = fmt.Fprint(w, `</channel></rss>`)
	})
	for path, body := range articles {
		mux.HandleFunc(path, func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(body))
		})
	}
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newCrawler(t *testing.T, cfg Config, domains *normalize.DomainDenylist) *Crawler {
	t.Helper()
	clock := system.New()
	f := fetcher.New(fetcher.Config{UserAgent: "civic-test/1.0", MaxBytes: 1 << 20, Concurrency: 4, Timeout: 5 * time.Second},
		ratelimit.New(ratelimit.Config{}, clock), nil)
	paywall, err := normalize.NewPaywallDetector(nil)
	require.NoError(t, err)
	return New(cfg, f, normalize.New(nil), domains, paywall, clock, nil)
}

func TestRunDiscoversFeedsAndFiltersPaywalls(t *testing.T) {
	t.Parallel()

	open := newSite(t, map[string]string{
		"/a1": `<html><head><meta name="author" content="Jane Doe"></head><body>Story</body></html>`,
		"/a2": `<html><body><div class="paywall">Subscribe</div></body></html>`,
		"/a3": `<html><body>No byline</body></html>`,
	})
	walled := newSite(t, map[string]string{
		"/a1": `<html><body>This story is available to subscribers.</body></html>`,
		"/a2": `<html><body>Subscription required</body></html>`,
		"/a3": `<html><body>Free</body></html>`,
	})

	c := newCrawler(t, Config{
		Concurrency:        2,
		SampleItems:        5,
		MaxArticlesPerFeed: 5,
		MaxPaywallRatio:    0.5,
		FetchArticles:      true,
	}, normalize.NewDomainDenylist([]string{"blocked.example"}))

	report, err := c.Run(context.Background(), []string{open.URL + "/", "https://blocked.example/", walled.URL + "/"})
	require.NoError(t, err)
	require.Len(t, report.Results, 2, "denylisted seeds are skipped")

	site := report.Results[0]
	require.Empty(t, site.Error)
	require.Len(t, site.Feeds, 1)
	fr := site.Feeds[0]
	require.Equal(t, open.URL+"/news.xml", fr.URL)
	require.Equal(t, model.KindRSS, fr.Kind)
	require.Equal(t, "Site News", fr.Title)
	require.Equal(t, 1, fr.Paywalled)
	require.Equal(t, 2, fr.Fetched)
	require.Len(t, fr.Items, 2)
	require.Equal(t, "Jane Doe", fr.Items[0].Author)
	require.Equal(t, []string{"Jane Doe"}, fr.Authors)

	rejected := report.Results[1]
	require.Empty(t, rejected.Feeds)
	require.Equal(t, ErrNoFeeds.Error(), rejected.Error)
}

func TestRunReportsUnreachableSite(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	c := newCrawler(t, Config{}, nil)
	report, err := c.Run(context.Background(), []string{addr + "/"})
	require.NoError(t, err)
	require.Len(t, report.Results, 1)
	require.Contains(t, report.Results[0].Error, "fetch site failed")
}

func TestRunHonorsMaxSites(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)

	c := newCrawler(t, Config{MaxSites: 1}, nil)
	report, err := c.Run(context.Background(), []string{srv.URL + "/one", srv.URL + "/two"})
	require.NoError(t, err)
	require.Len(t, report.Results, 1)
	require.Equal(t, srv.URL+"/one", report.Results[0].Site)
}

func TestWriteReportAndLoadSeeds(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	out := filepath.Join(dir, "nested", "discovered.json")
	report := Report{
		GeneratedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Results:     []SiteResult{{Site: "https://a.example/", Feeds: []FeedResult{}, Error: ErrNoFeeds.Error()}},
	}
	require.NoError(t, WriteReport(out, report))

	raw, err := os.ReadFile(out)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Equal(t, "2024-05-01T12:00:00Z", decoded["generated_at"])
	require.Len(t, decoded["results"], 1)

	seedsPath := filepath.Join(dir, "seeds.txt")
	require.NoError(t, os.WriteFile(seedsPath, []byte("# comment\nhttps://a.example/\n\n  https://b.example/#top \n"), 0o600))
	seeds, err := LoadSeeds(seedsPath)
	require.NoError(t, err)
	require.Equal(t, []string{"https://a.example/", "https://b.example/"}, seeds)

	_, err = LoadSeeds(filepath.Join(dir, "missing.txt"))
	require.Error(t, err)
}
