package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
)

// robotsCache holds one parsed robots.txt group per scheme+host for the
// lifetime of the process.
type robotsCache struct {
	mu        sync.Mutex
	entries   map[string]*robotsEntry
	userAgent string
	logger    *zap.Logger
}

type robotsEntry struct {
	mu     sync.Mutex
	loaded bool
	group  *robotstxt.Group
}

func newRobotsCache(userAgent string, logger *zap.Logger) *robotsCache {
	return &robotsCache{
		entries:   make(map[string]*robotsEntry),
		userAgent: userAgent,
		logger:    logger,
	}
}

// allowed loads robots.txt for u's origin on first use, through f but
// without a robots check, and tests u against it. Load failures allow.
func (c *robotsCache) allowed(ctx context.Context, f *Fetcher, u *url.URL) (bool, error) {
	origin := strings.ToLower(u.Scheme + "://" + u.Host)
	entry := c.entry(origin)

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if !entry.loaded {
		group, err := c.load(ctx, f, origin)
		if err != nil {
			// Cancellation must not pin an allow-all decision for the process.
			if ctx.Err() != nil {
				return false, err
			}
			c.logger.Warn("robots.txt unavailable; allowing", zap.String("origin", origin), zap.Error(err))
		}
		entry.group = group
		entry.loaded = true
	}
	if entry.group == nil {
		return true, nil
	}
	return entry.group.Test(u.RequestURI()), nil
}

func (c *robotsCache) entry(origin string) *robotsEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[origin]
	if !ok {
		e = &robotsEntry{}
		c.entries[origin] = e
	}
	return e
}

func (c *robotsCache) load(ctx context.Context, f *Fetcher, origin string) (*robotstxt.Group, error) {
	robotsURL, err := url.Parse(origin + "/robots.txt")
	if err != nil {
		return nil, fmt.Errorf("robots url: %w", err)
	}
	hdr, err := f.headers(Request{Accept: AcceptText})
	if err != nil {
		return nil, err
	}
	raw, err := f.do(ctx, robotsURL, hdr)
	if err != nil {
		return nil, err
	}
	if raw.Status == http.StatusNotModified {
		return nil, errors.New("unexpected 304 for robots.txt")
	}
	data, err := robotstxt.FromStatusAndBytes(raw.Status, raw.Body)
	if err != nil {
		return nil, fmt.Errorf("parse robots.txt: %w", err)
	}
	return data.FindGroup(c.userAgent), nil
}
