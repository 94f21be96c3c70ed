package local_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/civic-ingest/internal/storage/local"
)

func TestNewValidatesBaseDir(t *testing.T) {
	t.Parallel()

	_, err := local.New(local.Config{})
	require.Error(t, err)

	file := filepath.Join(t.TempDir(), "plain")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
	_, err = local.New(local.Config{BaseDir: file})
	require.ErrorContains(t, err, "not a directory")

	missing := filepath.Join(t.TempDir(), "a", "b")
	store, err := local.New(local.Config{BaseDir: missing})
	require.NoError(t, err)
	require.NotNil(t, store)
	require.DirExists(t, missing)
}

func TestPutObjectWritesAndReplaces(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	store, err := local.New(local.Config{BaseDir: base})
	require.NoError(t, err)
	ctx := context.Background()

	uri, err := store.PutObject(ctx, "raw/ep/abc.xml", "application/xml", strings.NewReader("<rss/>"))
	require.NoError(t, err)
	full := filepath.Join(base, "raw", "ep", "abc.xml")
	require.Equal(t, "file://"+full, uri)

	_, err = store.PutObject(ctx, "raw/ep/abc.xml", "application/xml", strings.NewReader("<rss></rss>"))
	require.NoError(t, err)
	// #nosec G304 -- reads from the test temp dir.
	data, err := os.ReadFile(full)
	require.NoError(t, err)
	require.Equal(t, "<rss></rss>", string(data))

	entries, err := os.ReadDir(filepath.Dir(full))
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp files are cleaned up")
}

func TestPutObjectRejectsBadPaths(t *testing.T) {
	t.Parallel()

	store, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	_, err = store.PutObject(context.Background(), "", "", strings.NewReader("x"))
	require.Error(t, err)
	_, err = store.PutObject(context.Background(), "../escape.txt", "", strings.NewReader("x"))
	require.ErrorContains(t, err, "escapes")
}
