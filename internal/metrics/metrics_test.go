package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expected, SanitizeSite(tc.input))
		})
	}
}

func TestStatusClass(t *testing.T) {
	require.Equal(t, "2xx", StatusClass(200))
	require.Equal(t, "3xx", StatusClass(304))
	require.Equal(t, "4xx", StatusClass(429))
	require.Equal(t, "5xx", StatusClass(503))
	require.Equal(t, "other", StatusClass(0))
}

func TestObserveFetchAndRobots(t *testing.T) {
	Init()
	Init()

	before := testutil.ToFloat64(fetchRequestsTotal.WithLabelValues("feeds.test", "2xx"))
	ObserveFetch("https://feeds.test/rss", 200, 512, 10*time.Millisecond)
	require.InDelta(t, before+1, testutil.ToFloat64(fetchRequestsTotal.WithLabelValues("feeds.test", "2xx")), 1e-9)
	require.GreaterOrEqual(t, testutil.ToFloat64(fetchBytesTotal.WithLabelValues("feeds.test")), 512.0)

	deniedBefore := testutil.ToFloat64(robotsDeniedTotal.WithLabelValues("blocked.test"))
	ObserveRobotsDenied("https://blocked.test/private")
	require.InDelta(t, deniedBefore+1, testutil.ToFloat64(robotsDeniedTotal.WithLabelValues("blocked.test")), 1e-9)
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://google.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		if SanitizeSite(orig) == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
