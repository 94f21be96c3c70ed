package boltcache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/civic-ingest/internal/cache"
)

func TestPutGetRoundTrip(t *testing.T) {
	t.Parallel()

	s, err := New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()
	want := cache.Entry{URL: "https://example.org/feed", Status: 200, Body: []byte("<rss/>")}
	require.NoError(t, s.Put(ctx, "k1", want))

	got, err := s.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, want.URL, got.URL)
	assert.Equal(t, want.Status, got.Status)
	assert.Equal(t, want.Body, got.Body)
}

func TestMissingKeyIsMiss(t *testing.T) {
	t.Parallel()

	s, err := New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	_, err = s.Get(context.Background(), "absent")
	require.ErrorIs(t, err, cache.ErrMiss)
}

func TestReopenKeepsEntries(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)
	require.NoError(t, s.Put(context.Background(), "k", cache.Entry{Status: 200, Body: []byte("x")}))
	require.NoError(t, s.Close())

	s, err = New(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	got, err := s.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), got.Body)
}
