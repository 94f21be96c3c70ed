package ingest

import (
	"errors"

	"github.com/JakeFAU/civic-ingest/internal/feed"
	"github.com/JakeFAU/civic-ingest/internal/fetcher"
	"github.com/JakeFAU/civic-ingest/internal/store"
)

// Error taxonomy seen by a run. Only ErrStore is fatal; the rest skip the
// endpoint for this run.
var (
	ErrNetwork            = fetcher.ErrNetwork
	ErrForbiddenByPolicy  = fetcher.ErrForbiddenByPolicy
	ErrRateLimited        = fetcher.ErrRateLimited
	ErrUnrecognizedFormat = feed.ErrUnrecognizedFormat
	ErrMalformedDocument  = feed.ErrMalformedDocument
	ErrStore              = store.ErrStore
)

// errorKind labels err for logs.
func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrForbiddenByPolicy):
		return "forbidden_by_policy"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrNetwork):
		return "network"
	case errors.Is(err, ErrMalformedDocument):
		return "malformed_document"
	case errors.Is(err, ErrUnrecognizedFormat):
		return "unrecognized_format"
	case errors.Is(err, ErrStore):
		return "store"
	default:
		return "other"
	}
}
