// Package publisher announces alert changes to downstream consumers. The
// transports live in the pubsub and memory subpackages.
package publisher

import (
	"context"
	"time"

	"github.com/JakeFAU/civic-ingest/internal/model"
)

// Publisher delivers one JSON-encodable payload to a topic and returns the
// broker's message ID.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Noop drops every message. It backs publisher.backend=none.
type Noop struct{}

// Publish implements Publisher.
func (Noop) Publish(context.Context, string, any) (string, error) { return "", nil }

// AlertEvent is the message body for an inserted or updated alert.
type AlertEvent struct {
	AlertID    string     `json:"alert_id"`
	Change     string     `json:"change"`
	Severity   string     `json:"severity"`
	Title      string     `json:"title"`
	ScopeKind  string     `json:"scope_kind"`
	ScopeRef   string     `json:"scope_ref"`
	TriggerURL string     `json:"trigger_url"`
	UpdatedAt  time.Time  `json:"updated_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// NewAlertEvent describes alert after a reconcile that produced outcome.
func NewAlertEvent(alert model.Alert, outcome model.Outcome) AlertEvent {
	return AlertEvent{
		AlertID:    alert.ID.String(),
		Change:     outcome.String(),
		Severity:   string(alert.Severity),
		Title:      alert.Title,
		ScopeKind:  alert.ScopeKind,
		ScopeRef:   alert.ScopeRef,
		TriggerURL: alert.TriggerURL,
		UpdatedAt:  alert.UpdatedAt,
		ExpiresAt:  alert.ExpiresAt,
	}
}
