// Package cache stores successful discovery responses on disk with a TTL.
package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/JakeFAU/civic-ingest/internal/hash/sha256"
)

// Entry is a cached response body and the metadata needed to replay it.
type Entry struct {
	URL         string    `json:"url"`
	Status      int       `json:"status"`
	ContentType string    `json:"content_type,omitempty"`
	ETag        string    `json:"etag,omitempty"`
	LoadedAt    time.Time `json:"loaded_at"`
	Body        []byte    `json:"-"`
}

// ErrMiss is returned by backends when no entry exists for a key.
var ErrMiss = errors.New("cache miss")

// Backend persists entries by opaque key.
type Backend interface {
	Get(ctx context.Context, key string) (Entry, error)
	Put(ctx context.Context, key string, entry Entry) error
	Close() error
}

// Clock supplies the current time for expiry checks.
type Clock interface {
	Now() time.Time
}

// Cache wraps a Backend with TTL expiry and URL keying.
type Cache struct {
	backend Backend
	ttl     time.Duration
	clock   Clock
}

// New creates a Cache. A non-positive ttl disables expiry.
func New(backend Backend, ttl time.Duration, clock Clock) *Cache {
	return &Cache{backend: backend, ttl: ttl, clock: clock}
}

// Key derives the storage key for an already-normalized URL.
func Key(normalizedURL string) string {
	return sha256.Sum([]byte(normalizedURL))
}

// Lookup returns a fresh entry for the normalized URL.
func (c *Cache) Lookup(ctx context.Context, normalizedURL string) (Entry, bool, error) {
	entry, err := c.backend.Get(ctx, Key(normalizedURL))
	if errors.Is(err, ErrMiss) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("cache get: %w", err)
	}
	if entry.Status != http.StatusOK {
		return Entry{}, false, nil
	}
	if c.ttl > 0 && c.clock.Now().Sub(entry.LoadedAt) > c.ttl {
		return Entry{}, false, nil
	}
	return entry, true, nil
}

// Store saves a 200 response; any other status is ignored.
func (c *Cache) Store(ctx context.Context, normalizedURL string, entry Entry) error {
	if entry.Status != http.StatusOK {
		return nil
	}
	if entry.LoadedAt.IsZero() {
		entry.LoadedAt = c.clock.Now()
	}
	entry.URL = normalizedURL
	if err := c.backend.Put(ctx, Key(normalizedURL), entry); err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	return nil
}

// Close releases the backend.
func (c *Cache) Close() error {
	return c.backend.Close()
}
