package sources

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/civic-ingest/internal/id/uuid"
	"github.com/JakeFAU/civic-ingest/internal/model"
	"github.com/JakeFAU/civic-ingest/internal/storage/memory"
)

const sampleYAML = `
sources:
  - name: City News
    homepage_url: https://city.example
    tier: T2_ESTABLISHED
    kind: RSS
    endpoints:
      - kind: RSS
        url: https://city.example/feed
      - kind: ATOM
        url: https://city.example/atom.xml
        poll_interval_seconds: 300
        auth_type: bearer
        auth_ref: CITY_TOKEN
  - name: NWS Alerts
    tier: t1_auth
    kind: JSON_API
    enabled: false
    endpoints:
      - kind: JSON_API
        url: https://api.weather.gov/alerts/active?point={lat},{lon}
`

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sources.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestSyncIsIdempotent(t *testing.T) {
	t.Parallel()

	repo := memory.NewRecordStore(uuid.New())
	syncer := NewSyncer(repo, nil)
	path := writeFile(t, sampleYAML)
	ctx := context.Background()

	res, err := syncer.Sync(ctx, path)
	require.NoError(t, err)
	require.Equal(t, Result{SourcesCreated: 2, EndpointsCreated: 3}, res)

	res, err = syncer.Sync(ctx, path)
	require.NoError(t, err)
	require.Equal(t, Result{}, res)

	eps, err := repo.ListEndpoints(ctx)
	require.NoError(t, err)
	require.Len(t, eps, 2, "disabled sources are not listed")
	for _, ep := range eps {
		require.Equal(t, "City News", ep.SourceName)
		if ep.Kind == model.KindAtom {
			require.Equal(t, 5*time.Minute, ep.PollInterval)
			require.Equal(t, model.AuthBearer, ep.AuthType)
		} else {
			require.Equal(t, DefaultPollInterval, ep.PollInterval)
			require.Equal(t, model.AuthNone, ep.AuthType)
		}
	}
}

func TestSyncReportsUpdates(t *testing.T) {
	t.Parallel()

	repo := memory.NewRecordStore(uuid.New())
	syncer := NewSyncer(repo, nil)
	ctx := context.Background()

	_, err := syncer.Sync(ctx, writeFile(t, sampleYAML))
	require.NoError(t, err)

	changed := strings.Replace(sampleYAML, "poll_interval_seconds: 300", "poll_interval_seconds: 600", 1)
	changed = strings.Replace(changed, "homepage_url: https://city.example", "homepage_url: https://news.city.example", 1)
	res, err := syncer.Sync(ctx, writeFile(t, changed))
	require.NoError(t, err)
	require.Equal(t, Result{SourcesUpdated: 1, EndpointsUpdated: 1}, res)
}

func TestSyncValidationAbortsBeforeWrites(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		doc  string
		want string
	}{
		{name: "missing name", doc: "sources:\n  - tier: T1_AUTH\n    kind: RSS\n", want: "name is required"},
		{name: "bad tier", doc: "sources:\n  - name: A\n    tier: GOLD\n    kind: RSS\n", want: "tier"},
		{name: "bad kind", doc: "sources:\n  - name: A\n    tier: T1_AUTH\n    kind: FAX\n", want: "kind"},
		{name: "missing url", doc: "sources:\n  - name: A\n    tier: T1_AUTH\n    kind: RSS\n    endpoints:\n      - kind: RSS\n", want: "url is required"},
		{name: "zero poll", doc: "sources:\n  - name: A\n    tier: T1_AUTH\n    kind: RSS\n    endpoints:\n      - kind: RSS\n        url: https://a\n        poll_interval_seconds: 0\n", want: "poll_interval_seconds"},
		{name: "bad auth", doc: "sources:\n  - name: A\n    tier: T1_AUTH\n    kind: RSS\n    endpoints:\n      - kind: RSS\n        url: https://a\n        auth_type: oauth\n", want: "auth type"},
		{name: "duplicate", doc: "sources:\n  - name: A\n    tier: T1_AUTH\n    kind: RSS\n  - name: A\n    tier: T1_AUTH\n    kind: RSS\n", want: "twice"},
		{name: "unknown key", doc: "sources:\n  - name: A\n    tier: T1_AUTH\n    kind: RSS\n    colour: red\n", want: "colour"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			repo := memory.NewRecordStore(uuid.New())
			// A valid source first proves nothing is written on a later error.
			doc := "sources:\n  - name: Valid\n    tier: T1_AUTH\n    kind: RSS\n    endpoints:\n      - kind: RSS\n        url: https://valid.example/feed\n" +
				strings.TrimPrefix(tt.doc, "sources:\n")
			_, err := NewSyncer(repo, nil).Sync(context.Background(), writeFile(t, doc))
			require.ErrorContains(t, err, tt.want)
			eps, err := repo.ListEndpoints(context.Background())
			require.NoError(t, err)
			require.Empty(t, eps)
		})
	}
}

func TestParseEmptyDocument(t *testing.T) {
	t.Parallel()

	doc, err := Parse(strings.NewReader(""))
	require.NoError(t, err)
	require.Empty(t, doc.Sources)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
