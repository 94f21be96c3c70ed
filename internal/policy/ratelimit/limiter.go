// Package ratelimit spaces requests to the same host by a jittered politeness
// delay, with an optional process-wide request-rate ceiling.
package ratelimit

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Clock supplies time and cancellable sleeps.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// Config holds limiter configuration.
type Config struct {
	MinDelay time.Duration
	MaxDelay time.Duration
	// GlobalRPS caps requests per second across all hosts; <= 0 disables it.
	GlobalRPS float64
	// OnDelay, when set, receives the time each caller spent waiting.
	OnDelay func(host string, waited time.Duration)
}

// Limiter tracks the next-allowed request time for every host. Waiters for
// one host are serialized by that host's mutex; unrelated hosts never contend.
type Limiter struct {
	mu       sync.Mutex
	hosts    map[string]*hostSlot
	minDelay time.Duration
	maxDelay time.Duration
	global   *rate.Limiter
	clock    Clock
	onDelay  func(string, time.Duration)
}

type hostSlot struct {
	mu   sync.Mutex
	next time.Time
}

// New creates a Limiter. MaxDelay below MinDelay is raised to MinDelay.
func New(cfg Config, clock Clock) *Limiter {
	maxDelay := cfg.MaxDelay
	if maxDelay < cfg.MinDelay {
		maxDelay = cfg.MinDelay
	}
	l := &Limiter{
		hosts:    make(map[string]*hostSlot),
		minDelay: cfg.MinDelay,
		maxDelay: maxDelay,
		clock:    clock,
		onDelay:  cfg.OnDelay,
	}
	if cfg.GlobalRPS > 0 {
		l.global = rate.NewLimiter(rate.Limit(cfg.GlobalRPS), 1)
	}
	return l
}

// Wait blocks until host may be contacted again, then reschedules the host
// to now + uniform(MinDelay, MaxDelay).
func (l *Limiter) Wait(ctx context.Context, host string) error {
	return l.WaitThen(ctx, host, nil)
}

// WaitThen is Wait with acquire run after the host's delay has elapsed and
// before the host is rescheduled, so the next delay is measured from when
// the caller proceeds. A failed acquire leaves the host's schedule as is.
func (l *Limiter) WaitThen(ctx context.Context, host string, acquire func(context.Context) error) error {
	slot := l.slot(host)
	slot.mu.Lock()
	defer slot.mu.Unlock()

	start := l.clock.Now()
	if wait := slot.next.Sub(start); wait > 0 {
		if err := l.clock.Sleep(ctx, wait); err != nil {
			return fmt.Errorf("politeness wait for %s: %w", host, err)
		}
	}
	if l.global != nil {
		if err := l.global.Wait(ctx); err != nil {
			return fmt.Errorf("global rate wait: %w", err)
		}
	}
	if acquire != nil {
		if err := acquire(ctx); err != nil {
			return err
		}
	}
	now := l.clock.Now()
	slot.next = now.Add(l.jitter())
	if l.onDelay != nil {
		l.onDelay(host, now.Sub(start))
	}
	return nil
}

func (l *Limiter) slot(host string) *hostSlot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.hosts[host]
	if !ok {
		s = &hostSlot{}
		l.hosts[host] = s
	}
	return s
}

func (l *Limiter) jitter() time.Duration {
	spread := l.maxDelay - l.minDelay
	if spread <= 0 {
		return l.minDelay
	}
	return l.minDelay + rand.N(spread+1)
}

// HostKey returns the lowercased host[:port] that politeness state is keyed by.
func HostKey(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("url %q has no host", rawURL)
	}
	return strings.ToLower(u.Host), nil
}
