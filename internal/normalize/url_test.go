package normalize

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCanonicalURL(t *testing.T) {
	t.Parallel()

	require.Equal(t, "http://example.com/a?a=1&b=2", CanonicalURL("HTTP://Example.COM:80/a?b=2&a=1#frag"))
	require.Equal(t, "https://example.com/x", CanonicalURL(" https://example.com:443/x "))
	require.Equal(t, "https://example.com:8443/x", CanonicalURL("https://example.com:8443/x"))
	require.Equal(t, "%zz", CanonicalURL("%zz"))
}

func TestDenylistKey(t *testing.T) {
	t.Parallel()

	require.Equal(t, "https://x.com/a", DenylistKey(" https://x.com/a/#top "))
	require.Equal(t, "https://x.com/a", DenylistKey("https://x.com/a"))
	require.Empty(t, DenylistKey("  "))
}
