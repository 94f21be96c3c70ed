package normalize

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/civic-ingest/internal/model"
)

func TestNormalizeMapsFields(t *testing.T) {
	t.Parallel()

	published := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	n := New(nil)
	got, err := n.Normalize(model.RawEntry{
		ExternalID:  " abc ",
		URL:         " https://example.com/a ",
		Title:       "<b>Storm</b> Warning",
		Author:      "",
		Summary:     "<p>High winds.</p> The post Storm Warning appeared first on Metro.",
		ContentHTML: "<p>Full <em>story</em></p>",
		PublishedAt: &published,
		Raw:         map[string]any{"feed_title": "Metro"},
	})
	require.NoError(t, err)

	require.Equal(t, "abc", got.ExternalID)
	require.Equal(t, "Storm Warning", got.Title)
	require.Nil(t, got.Author)
	require.Equal(t, "https://example.com/a", *got.CanonicalURL)
	require.Equal(t, "High winds.", *got.Summary)
	require.Equal(t, "<p>Full <em>story</em></p>", *got.ContentHTML)
	require.Equal(t, "Full story", *got.ContentText)
	require.Equal(t, &published, got.PublishedAt)
	require.JSONEq(t, `{"feed_title":"Metro"}`, string(got.RawJSON))
}

func TestNormalizeContentTextFallsBackToSummary(t *testing.T) {
	t.Parallel()

	got, err := New(nil).Normalize(model.RawEntry{ExternalID: "x", Title: "t", Summary: "Just a summary"})
	require.NoError(t, err)
	require.Nil(t, got.ContentHTML)
	require.Equal(t, "Just a summary", *got.ContentText)
}

func TestNormalizePrefersPlainBodyOverSummary(t *testing.T) {
	t.Parallel()

	got, err := New(nil).Normalize(model.RawEntry{
		ExternalID:  "urn:alert",
		Title:       "Flood Watch",
		Summary:     "River rising.",
		ContentText: "River rising.\n\nMove to higher ground.",
	})
	require.NoError(t, err)
	require.Equal(t, "River rising.\n\nMove to higher ground.", *got.ContentText)
	require.Equal(t, "River rising.", *got.Summary)
}

func TestNormalizeDrops(t *testing.T) {
	t.Parallel()

	n := New(NewURLDenylist([]string{"https://example.com/bad/"}))

	_, err := n.Normalize(model.RawEntry{ExternalID: "  ", Title: "no id"})
	require.ErrorIs(t, err, ErrDropped)

	_, err = n.Normalize(model.RawEntry{ExternalID: "1", URL: "https://example.com/bad#x"})
	require.ErrorIs(t, err, ErrDropped)

	_, err = n.Normalize(model.RawEntry{ExternalID: "2", URL: "https://example.com/good"})
	require.NoError(t, err)
}

func TestNormalizeKeepsAlertFields(t *testing.T) {
	t.Parallel()

	alert := &model.AlertFields{Severity: model.SeverityWarning, Title: "Flood", TriggerURL: "urn:1"}
	got, err := New(nil).Normalize(model.RawEntry{ExternalID: "urn:1", Title: "Flood", Alert: alert})
	require.NoError(t, err)
	require.Same(t, alert, got.Alert)
}
