package cache_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/civic-ingest/internal/cache"
	"github.com/JakeFAU/civic-ingest/internal/cache/boltcache"
	"github.com/JakeFAU/civic-ingest/internal/cache/fscache"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func backends(t *testing.T) map[string]cache.Backend {
	t.Helper()
	fs, err := fscache.New(t.TempDir())
	require.NoError(t, err)
	bolt, err := boltcache.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = bolt.Close() })
	return map[string]cache.Backend{"fs": fs, "bolt": bolt}
}

func TestCacheRoundTripAndExpiry(t *testing.T) {
	t.Parallel()

	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			clk := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
			c := cache.New(backend, time.Hour, clk)
			ctx := context.Background()
			url := "https://example.com/feed"

			_, ok, err := c.Lookup(ctx, url)
			require.NoError(t, err)
			require.False(t, ok)

			require.NoError(t, c.Store(ctx, url, cache.Entry{
				Status:      http.StatusOK,
				ContentType: "application/rss+xml",
				Body:        []byte("<rss/>"),
			}))

			got, ok, err := c.Lookup(ctx, url)
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, []byte("<rss/>"), got.Body)
			require.Equal(t, "application/rss+xml", got.ContentType)
			require.Equal(t, url, got.URL)

			clk.now = clk.now.Add(2 * time.Hour)
			_, ok, err = c.Lookup(ctx, url)
			require.NoError(t, err)
			require.False(t, ok, "expired entries must not be served")
		})
	}
}

func TestCacheIgnoresNonOKResponses(t *testing.T) {
	t.Parallel()

	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			c := cache.New(backend, 0, &fakeClock{now: time.Now()})
			ctx := context.Background()
			require.NoError(t, c.Store(ctx, "https://example.com/missing", cache.Entry{Status: http.StatusNotFound, Body: []byte("nope")}))
			_, ok, err := c.Lookup(ctx, "https://example.com/missing")
			require.NoError(t, err)
			require.False(t, ok)
		})
	}
}

func TestKeyIsStableHex(t *testing.T) {
	t.Parallel()

	k := cache.Key("https://example.com/")
	require.Len(t, k, 64)
	require.Equal(t, k, cache.Key("https://example.com/"))
	require.NotEqual(t, k, cache.Key("https://example.com/other"))
}
