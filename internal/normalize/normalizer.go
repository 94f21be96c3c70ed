// Package normalize turns parsed feed entries into clean, storable records:
// markup stripping, truncation, URL canonicalization, denylists and paywall
// signatures.
package normalize

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/JakeFAU/civic-ingest/internal/model"
)

// ErrDropped marks an entry that must not be stored.
var ErrDropped = errors.New("entry dropped")

// Normalizer cleans RawEntry values. A Normalizer is immutable after
// construction and safe for concurrent use.
type Normalizer struct {
	denylist *URLDenylist
}

// New returns a Normalizer that drops entries whose URL is on denylist.
// A nil denylist drops nothing.
func New(denylist *URLDenylist) *Normalizer {
	return &Normalizer{denylist: denylist}
}

// Normalize cleans one entry. Entries without an identifier, with a
// denylisted URL, or with an unencodable payload fail with ErrDropped.
func (n *Normalizer) Normalize(raw model.RawEntry) (model.CleanEntry, error) {
	externalID := strings.TrimSpace(raw.ExternalID)
	if externalID == "" {
		return model.CleanEntry{}, fmt.Errorf("%w: missing external id", ErrDropped)
	}

	link := strings.TrimSpace(raw.URL)
	if link != "" && n.denylist.Denied(link) {
		return model.CleanEntry{}, fmt.Errorf("%w: denylisted url %s", ErrDropped, link)
	}

	out := model.CleanEntry{
		ExternalID:   externalID,
		Title:        Truncate(StripMarkup(raw.Title), MaxTitleLen),
		Author:       optional(StripMarkup(raw.Author)),
		CanonicalURL: optional(link),
		PublishedAt:  raw.PublishedAt,
		UpdatedAt:    raw.UpdatedAt,
		Alert:        raw.Alert,
	}

	summary := StripBoilerplate(StripMarkup(raw.Summary))
	out.Summary = optional(Truncate(summary, MaxSummaryLen))

	if html := strings.TrimSpace(raw.ContentHTML); html != "" {
		out.ContentHTML = &html
		out.ContentText = optional(StripBoilerplate(StripMarkup(html)))
	}
	if out.ContentText == nil {
		out.ContentText = optional(strings.TrimSpace(raw.ContentText))
	}
	if out.ContentText == nil {
		out.ContentText = optional(summary)
	}

	if raw.Raw != nil {
		b, err := json.Marshal(raw.Raw)
		if err != nil {
			return model.CleanEntry{}, fmt.Errorf("%w: encode raw payload: %w", ErrDropped, err)
		}
		out.RawJSON = b
	}
	return out, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
