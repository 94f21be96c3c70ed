// Package model defines the records that flow through the ingestion pipeline
// and the small collaborator interfaces shared across packages.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Tier ranks how much a Source is trusted.
type Tier string

// Supported trust tiers.
const (
	TierAuthoritative Tier = "T1_AUTH"
	TierEstablished   Tier = "T2_ESTABLISHED"
	TierCommunity     Tier = "T3_COMMUNITY"
	TierObserver      Tier = "T4_OBS"
)

// ParseTier validates a tier label.
func ParseTier(s string) (Tier, error) {
	t := Tier(strings.ToUpper(strings.TrimSpace(s)))
	switch t {
	case TierAuthoritative, TierEstablished, TierCommunity, TierObserver:
		return t, nil
	default:
		return "", fmt.Errorf("unknown tier %q", s)
	}
}

// EndpointKind is the wire format served by an Endpoint.
type EndpointKind string

// Supported endpoint kinds.
const (
	KindRSS        EndpointKind = "RSS"
	KindAtom       EndpointKind = "ATOM"
	KindJSONAPI    EndpointKind = "JSON_API"
	KindHTMLScrape EndpointKind = "HTML_SCRAPE"
)

// ParseEndpointKind validates an endpoint kind label.
func ParseEndpointKind(s string) (EndpointKind, error) {
	k := EndpointKind(strings.ToUpper(strings.TrimSpace(s)))
	switch k {
	case KindRSS, KindAtom, KindJSONAPI, KindHTMLScrape:
		return k, nil
	default:
		return "", fmt.Errorf("unknown endpoint kind %q", s)
	}
}

// AuthType selects how credentials referenced by an Endpoint are sent.
type AuthType string

// Supported auth types.
const (
	AuthNone   AuthType = "none"
	AuthAPIKey AuthType = "api_key"
	AuthBearer AuthType = "bearer"
	AuthBasic  AuthType = "basic"
)

// ParseAuthType validates an auth type label; empty means none.
func ParseAuthType(s string) (AuthType, error) {
	a := AuthType(strings.ToLower(strings.TrimSpace(s)))
	switch a {
	case "":
		return AuthNone, nil
	case AuthNone, AuthAPIKey, AuthBearer, AuthBasic:
		return a, nil
	default:
		return "", fmt.Errorf("unknown auth type %q", s)
	}
}

// Severity classifies an Alert.
type Severity string

// Alert severities, lowest first.
const (
	SeverityInfo      Severity = "INFO"
	SeverityAdvisory  Severity = "ADVISORY"
	SeverityWarning   Severity = "WARNING"
	SeverityEmergency Severity = "EMERGENCY"
)

// ScopeRegion is the only alert scope kind produced by ingestion.
const ScopeRegion = "REGION"

// RunStatus is the lifecycle state of an IngestionRun.
type RunStatus string

// Run statuses.
const (
	RunRunning RunStatus = "running"
	RunOK      RunStatus = "ok"
	RunError   RunStatus = "error"
)

// Source is a publisher that owns one or more endpoints.
type Source struct {
	ID              uuid.UUID
	Name            string
	HomepageURL     string
	Tier            Tier
	Kind            string
	DefaultLanguage string
	TrustNotes      string
	Enabled         bool
}

// Validators are the conditional-request headers remembered per endpoint.
type Validators struct {
	ETag         string
	LastModified string
}

// Empty reports whether neither validator is known.
func (v Validators) Empty() bool {
	return v.ETag == "" && v.LastModified == ""
}

// Endpoint is one fetchable location owned by a Source.
type Endpoint struct {
	ID            uuid.UUID
	SourceID      uuid.UUID
	SourceName    string
	Kind          EndpointKind
	URL           string
	PollInterval  time.Duration
	Validators    Validators
	AuthType      AuthType
	AuthRef       string
	Enabled       bool
	LastFetchedAt *time.Time
}

// Due reports whether the poll interval has elapsed since the last fetch.
func (e Endpoint) Due(now time.Time) bool {
	if e.LastFetchedAt == nil || e.PollInterval <= 0 {
		return true
	}
	return !now.Before(e.LastFetchedAt.Add(e.PollInterval))
}

// Item is one ingested unit of content. Pointer fields are nullable.
type Item struct {
	ID           uuid.UUID
	SourceID     uuid.UUID
	EndpointID   uuid.UUID
	ExternalID   string
	PublishedAt  *time.Time
	UpdatedAt    *time.Time
	Title        string
	Author       *string
	CanonicalURL *string
	Summary      *string
	ContentText  *string
	ContentHTML  *string
	RawJSON      []byte
	HashContent  string
	IngestedAt   time.Time
}

// Alert is a severity-classified advisory keyed by its trigger URL.
type Alert struct {
	ID              uuid.UUID
	Severity        Severity
	Title           string
	Body            string
	ScopeKind       string
	ScopeRef        string
	TriggerURL      string
	TriggerSourceID *uuid.UUID
	LanguageProfile string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ExpiresAt       *time.Time
}

// Run is one execution record of the ingestion pipeline.
type Run struct {
	ID         uuid.UUID
	StartedAt  time.Time
	FinishedAt *time.Time
	Status     RunStatus
	Details    map[string]any
}

// Metric is an immutable counter sample appended during a run.
type Metric struct {
	ID        uuid.UUID
	RunID     *uuid.UUID
	Name      string
	Value     float64
	Tags      map[string]string
	Timestamp time.Time
}

// AlertFields carries the alert-specific values parsed from a JSON_API feature.
type AlertFields struct {
	Severity   Severity
	Title      string
	Body       string
	TriggerURL string
	ExpiresAt  *time.Time
}

// RawEntry is a parsed but uncleaned feed entry.
type RawEntry struct {
	ExternalID  string
	URL         string
	Title       string
	Author      string
	Summary     string
	ContentHTML string
	// ContentText is a plain-text body from structured feeds; it is used
	// when ContentHTML is empty.
	ContentText string
	PublishedAt *time.Time
	UpdatedAt   *time.Time
	Raw         map[string]any
	Alert       *AlertFields
}

// CleanEntry is a RawEntry after normalization; nil pointers mean "no data".
type CleanEntry struct {
	ExternalID   string
	Title        string
	Author       *string
	CanonicalURL *string
	Summary      *string
	ContentText  *string
	ContentHTML  *string
	PublishedAt  *time.Time
	UpdatedAt    *time.Time
	RawJSON      []byte
	Alert        *AlertFields
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// IDGenerator produces primary keys for new rows.
type IDGenerator interface {
	NewRawID() (uuid.UUID, error)
}

// Outcome is the result of reconciling one record against the store.
type Outcome int

// Reconcile outcomes.
const (
	Unchanged Outcome = iota
	Inserted
	Updated
)

// String implements fmt.Stringer.
func (o Outcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case Updated:
		return "updated"
	default:
		return "unchanged"
	}
}
