package fetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/civic-ingest/internal/cache"
	"github.com/JakeFAU/civic-ingest/internal/cache/fscache"
	"github.com/JakeFAU/civic-ingest/internal/clock/system"
	"github.com/JakeFAU/civic-ingest/internal/model"
	"github.com/JakeFAU/civic-ingest/internal/policy/ratelimit"
)

const testUA = "civic-test/1.0"

func newTestFetcher(t *testing.T, cfg Config, minDelay time.Duration, opts ...Option) *Fetcher {
	t.Helper()
	if cfg.UserAgent == "" {
		cfg.UserAgent = testUA
	}
	if cfg.MaxBytes == 0 {
		cfg.MaxBytes = 1 << 20
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = 4
	}
	limiter := ratelimit.New(ratelimit.Config{MinDelay: minDelay, MaxDelay: minDelay}, system.New())
	return New(cfg, limiter, nil, opts...)
}

func TestFetchSendsHeadersAndReturnsValidators(t *testing.T) {
	t.Parallel()

	var seen http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
		w.Header().Set("ETag", `"v2"`)
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = w.Write([]byte("<rss/>"))
	}))
	defer srv.Close()

	f := newTestFetcher(t, Config{}, 0)
	resp, err := f.Fetch(context.Background(), Request{
		URL:        srv.URL + "/feed",
		Accept:     AcceptFeed,
		Validators: model.Validators{ETag: `"v1"`, LastModified: "Mon, 01 Jan 2024 00:00:00 GMT"},
	})
	require.NoError(t, err)

	require.Equal(t, http.StatusOK, resp.Status)
	require.Equal(t, []byte("<rss/>"), resp.Body)
	require.Equal(t, `"v2"`, resp.Validators.ETag)
	require.Equal(t, "Mon, 01 Jan 2024 00:00:00 GMT", resp.Validators.LastModified, "absent validators carry over")

	require.Equal(t, testUA, seen.Get("User-Agent"))
	require.Equal(t, AcceptFeed, seen.Get("Accept"))
	require.Equal(t, "en-US,en;q=0.8", seen.Get("Accept-Language"))
	require.Equal(t, "1", seen.Get("DNT"))
	require.Equal(t, `"v1"`, seen.Get("If-None-Match"))
	require.Equal(t, "Mon, 01 Jan 2024 00:00:00 GMT", seen.Get("If-Modified-Since"))
}

func TestFetchNotModifiedKeepsStoredValidators(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"abc"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		_, _ = w.Write([]byte("fresh"))
	}))
	defer srv.Close()

	f := newTestFetcher(t, Config{}, 0)
	stored := model.Validators{ETag: `"abc"`}
	resp, err := f.Fetch(context.Background(), Request{URL: srv.URL, Validators: stored})
	require.NoError(t, err)
	require.True(t, resp.NotModified())
	require.Empty(t, resp.Body)
	require.Equal(t, stored, resp.Validators)
}

func TestFetchStatusErrors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/slow-down":
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	f := newTestFetcher(t, Config{}, 0)

	_, err := f.Fetch(context.Background(), Request{URL: srv.URL + "/slow-down"})
	require.ErrorIs(t, err, ErrRateLimited)
	require.NotErrorIs(t, err, ErrNetwork)

	_, err = f.Fetch(context.Background(), Request{URL: srv.URL + "/broken"})
	require.ErrorIs(t, err, ErrNetwork)
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	require.Equal(t, http.StatusBadGateway, statusErr.Code)
}

func TestFetchConnectionRefusedIsNetworkError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	f := newTestFetcher(t, Config{Timeout: time.Second}, 0)
	_, err := f.Fetch(context.Background(), Request{URL: addr + "/feed"})
	require.ErrorIs(t, err, ErrNetwork)
}

func TestFetchRobotsDisallowAndSingleLoad(t *testing.T) {
	t.Parallel()

	var robotsHits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			robotsHits.Add(1)
			_, _ = w.Write([]byte("User-agent: *\nDisallow: /private\n"))
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f := newTestFetcher(t, Config{RespectRobots: true}, 0)
	ctx := context.Background()

	_, err := f.Fetch(ctx, Request{URL: srv.URL + "/private/feed"})
	require.ErrorIs(t, err, ErrForbiddenByPolicy)

	resp, err := f.Fetch(ctx, Request{URL: srv.URL + "/public/feed"})
	require.NoError(t, err)
	require.Equal(t, []byte("ok"), resp.Body)

	require.Equal(t, int32(1), robotsHits.Load())
}

func TestFetchRobotsMissingAllows(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f := newTestFetcher(t, Config{RespectRobots: true}, 0)
	_, err := f.Fetch(context.Background(), Request{URL: srv.URL + "/anything"})
	require.NoError(t, err)
}

func TestFetchTruncatesBodySilently(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 100)))
	}))
	defer srv.Close()

	f := newTestFetcher(t, Config{MaxBytes: 10}, 0)
	resp, err := f.Fetch(context.Background(), Request{URL: srv.URL})
	require.NoError(t, err)
	require.Len(t, resp.Body, 10)
}

func TestFetchCacheServesRepeatWithoutNetwork(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("<html></html>"))
	}))
	defer srv.Close()

	backend, err := fscache.New(t.TempDir())
	require.NoError(t, err)
	c := cache.New(backend, time.Hour, system.New())
	f := newTestFetcher(t, Config{}, time.Hour, WithCache(c))

	ctx := context.Background()
	first, err := f.Fetch(ctx, Request{URL: srv.URL + "/page#frag", UseCache: true})
	require.NoError(t, err)
	require.False(t, first.FromCache)

	start := time.Now()
	second, err := f.Fetch(ctx, Request{URL: srv.URL + "/page", UseCache: true})
	require.NoError(t, err)
	require.True(t, second.FromCache)
	require.Equal(t, first.Body, second.Body)
	require.Less(t, time.Since(start), time.Second, "cache hits bypass politeness")
	require.Equal(t, int32(1), hits.Load())
}

func TestFetchPolitenessGap(t *testing.T) {
	t.Parallel()

	const minDelay = 40 * time.Millisecond
	var (
		mu     sync.Mutex
		starts []time.Time
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		starts = append(starts, time.Now())
		mu.Unlock()
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f := newTestFetcher(t, Config{Concurrency: 8}, minDelay)
	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.Fetch(context.Background(), Request{URL: srv.URL})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, starts, 4)
	for i := 1; i < len(starts); i++ {
		require.GreaterOrEqual(t, starts[i].Sub(starts[i-1]), minDelay-5*time.Millisecond)
	}
}

func TestFetchSlotNotHeldDuringPolitenessDelay(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	hostA := httptest.NewServer(handler)
	defer hostA.Close()
	hostB := httptest.NewServer(handler)
	defer hostB.Close()

	f := newTestFetcher(t, Config{Concurrency: 1}, time.Second)
	ctx := context.Background()
	_, err := f.Fetch(ctx, Request{URL: hostA.URL})
	require.NoError(t, err)

	secondA := make(chan error, 1)
	go func() {
		_, err := f.Fetch(ctx, Request{URL: hostA.URL + "/again"})
		secondA <- err
	}()
	// Let the second request for host A start its politeness wait.
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	_, err = f.Fetch(ctx, Request{URL: hostB.URL})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond, "first request to host B waited on host A's delay")

	require.NoError(t, <-secondA)
}

func TestFetchAuthHeaders(t *testing.T) {
	t.Parallel()

	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	env := map[string]string{"FEED_TOKEN": "s3cret"}
	f := newTestFetcher(t, Config{}, 0, WithEnvLookup(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}))
	ctx := context.Background()

	_, err := f.Fetch(ctx, Request{URL: srv.URL, AuthType: model.AuthBearer, AuthRef: "FEED_TOKEN"})
	require.NoError(t, err)
	require.Equal(t, "Bearer s3cret", got.Get("Authorization"))

	_, err = f.Fetch(ctx, Request{URL: srv.URL, AuthType: model.AuthAPIKey, AuthRef: "FEED_TOKEN"})
	require.NoError(t, err)
	require.Equal(t, "s3cret", got.Get("X-API-Key"))

	_, err = f.Fetch(ctx, Request{URL: srv.URL, AuthType: model.AuthBearer, AuthRef: "MISSING"})
	require.ErrorContains(t, err, "MISSING")
}

func TestFetchRejectsInvalidURL(t *testing.T) {
	t.Parallel()

	f := newTestFetcher(t, Config{}, 0)
	_, err := f.Fetch(context.Background(), Request{URL: "ftp://example.com/feed"})
	require.ErrorIs(t, err, ErrNetwork)
}

func TestUserAgentResolution(t *testing.T) {
	t.Parallel()

	require.Equal(t, "custom/1", UserAgent("custom/1", "safari-mac"))
	require.Contains(t, UserAgent("", "safari-mac"), "Version/17.10 Safari")
	require.Contains(t, UserAgent("", "nope"), "X11; Linux x86_64")
}
