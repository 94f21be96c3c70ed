package fetcher

import (
	"errors"
	"fmt"
	"net/http"
)

// Fetch failure classes. Callers branch on them with errors.Is.
var (
	// ErrNetwork covers transport failures and unexpected HTTP statuses.
	ErrNetwork = errors.New("network error")
	// ErrForbiddenByPolicy means robots.txt disallows the URL.
	ErrForbiddenByPolicy = errors.New("forbidden by robots policy")
	// ErrRateLimited means the server answered 429.
	ErrRateLimited = errors.New("rate limited")
)

// StatusError reports a non-success HTTP status.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: HTTP %d", e.URL, e.Code)
}

// Is lets StatusError match ErrRateLimited for 429 and ErrNetwork otherwise.
func (e *StatusError) Is(target error) bool {
	if e.Code == http.StatusTooManyRequests {
		return target == ErrRateLimited
	}
	return target == ErrNetwork
}
