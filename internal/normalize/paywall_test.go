package normalize

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPaywallDetectorDefaults(t *testing.T) {
	t.Parallel()

	d, err := NewPaywallDetector(nil)
	require.NoError(t, err)

	require.True(t, d.Paywalled([]byte(`<div class="article paywall-gate">`)))
	require.True(t, d.Paywalled([]byte("<p>Sign In to continue</p>")))
	require.True(t, d.Paywalled([]byte(`<script src="https://cdn.tinypass.com/api.js"></script>`)))
	require.False(t, d.Paywalled([]byte("<p>Free local news for everyone.</p>")))
	require.False(t, d.Paywalled(nil))
}

func TestPaywallDetectorCustomPatterns(t *testing.T) {
	t.Parallel()

	d, err := NewPaywallDetector([]string{`\bmembers only\b`})
	require.NoError(t, err)
	require.True(t, d.Paywalled([]byte("MEMBERS ONLY content")))
	require.False(t, d.Paywalled([]byte("a paywall that the custom list ignores")))

	_, err = NewPaywallDetector([]string{"("})
	require.Error(t, err)
}
