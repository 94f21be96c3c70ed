// Package dedup reconciles normalized entries against stored items and
// alerts: exact lookup by natural key, insert when missing, and a merge that
// never replaces known data with nothing.
package dedup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/civic-ingest/internal/hash/sha256"
	"github.com/JakeFAU/civic-ingest/internal/model"
	"github.com/JakeFAU/civic-ingest/internal/store"
)

// ItemStore is the item slice of a store.SourceTx.
type ItemStore interface {
	GetItem(ctx context.Context, endpointID uuid.UUID, externalID string) (model.Item, error)
	UpsertItem(ctx context.Context, item model.Item) error
}

// AlertStore is the alert slice of a store.SourceTx.
type AlertStore interface {
	GetAlert(ctx context.Context, triggerURL string) (model.Alert, error)
	UpsertAlert(ctx context.Context, alert model.Alert) error
}

// Counts accumulates reconcile outcomes.
type Counts struct {
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
}

// Add records one outcome.
func (c *Counts) Add(o model.Outcome) {
	switch o {
	case model.Inserted:
		c.Inserted++
	case model.Updated:
		c.Updated++
	}
}

// Engine performs reconciliation. It is stateless apart from its clock and
// ID source.
type Engine struct {
	clock model.Clock
	ids   model.IDGenerator
}

// New returns an Engine.
func New(clock model.Clock, ids model.IDGenerator) *Engine {
	return &Engine{clock: clock, ids: ids}
}

// Hash is the content hash of an entry: SHA-256 over title, summary and the
// pre-strip HTML, newline-joined, absent values as empty strings. Alert
// entries have no HTML; their description and instruction body takes its place.
func Hash(e model.CleanEntry) string {
	content := deref(e.ContentHTML)
	if e.Alert != nil {
		content = e.Alert.Body
	}
	return sha256.SumFields(e.Title, deref(e.Summary), content)
}

// ReconcileItem inserts entry for ep or merges it into the stored item.
func (e *Engine) ReconcileItem(
	ctx context.Context,
	items ItemStore,
	ep model.Endpoint,
	entry model.CleanEntry,
) (model.Outcome, error) {
	hash := Hash(entry)

	existing, err := items.GetItem(ctx, ep.ID, entry.ExternalID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		id, err := e.ids.NewRawID()
		if err != nil {
			return model.Unchanged, fmt.Errorf("item id: %w", err)
		}
		item := model.Item{
			ID:           id,
			SourceID:     ep.SourceID,
			EndpointID:   ep.ID,
			ExternalID:   entry.ExternalID,
			PublishedAt:  entry.PublishedAt,
			UpdatedAt:    entry.UpdatedAt,
			Title:        entry.Title,
			Author:       entry.Author,
			CanonicalURL: entry.CanonicalURL,
			Summary:      entry.Summary,
			ContentText:  entry.ContentText,
			ContentHTML:  entry.ContentHTML,
			RawJSON:      entry.RawJSON,
			HashContent:  hash,
			IngestedAt:   e.clock.Now(),
		}
		if err := items.UpsertItem(ctx, item); err != nil {
			return model.Unchanged, fmt.Errorf("insert item %s: %w", entry.ExternalID, err)
		}
		return model.Inserted, nil
	case err != nil:
		return model.Unchanged, fmt.Errorf("load item %s: %w", entry.ExternalID, err)
	}

	if !Merge(&existing, entry, hash) {
		return model.Unchanged, nil
	}
	if err := items.UpsertItem(ctx, existing); err != nil {
		return model.Unchanged, fmt.Errorf("update item %s: %w", entry.ExternalID, err)
	}
	return model.Updated, nil
}

// Merge copies every non-empty field of entry that differs from item into
// item and reports whether anything changed. Fields the entry lacks keep
// their stored values, so a field cleared upstream is never cleared here.
func Merge(item *model.Item, entry model.CleanEntry, hash string) bool {
	changed := false
	changed = mergeTime(&item.UpdatedAt, entry.UpdatedAt) || changed
	if entry.Title != "" && entry.Title != item.Title {
		item.Title = entry.Title
		changed = true
	}
	changed = mergeString(&item.Author, entry.Author) || changed
	changed = mergeString(&item.CanonicalURL, entry.CanonicalURL) || changed
	changed = mergeString(&item.Summary, entry.Summary) || changed
	changed = mergeString(&item.ContentText, entry.ContentText) || changed
	changed = mergeString(&item.ContentHTML, entry.ContentHTML) || changed
	if len(entry.RawJSON) > 0 && !jsonEqual(entry.RawJSON, item.RawJSON) {
		item.RawJSON = entry.RawJSON
		changed = true
	}
	if hash != "" && hash != item.HashContent {
		item.HashContent = hash
		changed = true
	}
	changed = mergeTime(&item.PublishedAt, entry.PublishedAt) || changed
	return changed
}

// ReconcileAlert upserts the alert carried by entry. A match is overwritten
// with the new snapshot in full; the outcome is Updated only when a visible
// field differs.
func (e *Engine) ReconcileAlert(
	ctx context.Context,
	alerts AlertStore,
	ep model.Endpoint,
	scopeRef string,
	fields model.AlertFields,
) (model.Alert, model.Outcome, error) {
	now := e.clock.Now()
	sourceID := ep.SourceID
	next := model.Alert{
		Severity:        fields.Severity,
		Title:           fields.Title,
		Body:            fields.Body,
		ScopeKind:       model.ScopeRegion,
		ScopeRef:        scopeRef,
		TriggerURL:      fields.TriggerURL,
		TriggerSourceID: &sourceID,
		LanguageProfile: string(fields.Severity),
		UpdatedAt:       now,
		ExpiresAt:       fields.ExpiresAt,
	}

	existing, err := alerts.GetAlert(ctx, fields.TriggerURL)
	outcome := model.Updated
	switch {
	case errors.Is(err, store.ErrNotFound):
		id, err := e.ids.NewRawID()
		if err != nil {
			return model.Alert{}, model.Unchanged, fmt.Errorf("alert id: %w", err)
		}
		next.ID = id
		next.CreatedAt = now
		outcome = model.Inserted
	case err != nil:
		return model.Alert{}, model.Unchanged, fmt.Errorf("load alert %s: %w", fields.TriggerURL, err)
	default:
		next.ID = existing.ID
		next.CreatedAt = existing.CreatedAt
		if sameAlert(existing, next) {
			outcome = model.Unchanged
		}
	}

	if err := alerts.UpsertAlert(ctx, next); err != nil {
		return model.Alert{}, model.Unchanged, fmt.Errorf("upsert alert %s: %w", fields.TriggerURL, err)
	}
	return next, outcome, nil
}

func sameAlert(a, b model.Alert) bool {
	return a.Severity == b.Severity &&
		a.Title == b.Title &&
		a.Body == b.Body &&
		a.ScopeKind == b.ScopeKind &&
		a.ScopeRef == b.ScopeRef &&
		equalTime(a.ExpiresAt, b.ExpiresAt)
}

func mergeString(dst **string, v *string) bool {
	if v == nil || (*dst != nil && **dst == *v) {
		return false
	}
	s := *v
	*dst = &s
	return true
}

func mergeTime(dst **time.Time, v *time.Time) bool {
	if v == nil || equalTime(*dst, v) {
		return false
	}
	t := *v
	*dst = &t
	return true
}

func equalTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// jsonEqual compares documents semantically; stores may re-serialize JSON
// with different key order or spacing.
func jsonEqual(a, b []byte) bool {
	if bytes.Equal(a, b) {
		return true
	}
	var av, bv any
	if json.Unmarshal(a, &av) != nil || json.Unmarshal(b, &bv) != nil {
		return false
	}
	return reflect.DeepEqual(av, bv)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
