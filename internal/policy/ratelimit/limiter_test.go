package ratelimit

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/civic-ingest/internal/clock/system"
)

func TestLimiterSpacesSameHostUnderConcurrency(t *testing.T) {
	t.Parallel()

	const minDelay = 30 * time.Millisecond
	l := New(Config{MinDelay: minDelay, MaxDelay: 45 * time.Millisecond}, system.New())

	var (
		mu     sync.Mutex
		starts []time.Time
		wg     sync.WaitGroup
	)
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, l.Wait(context.Background(), "example.com"))
			mu.Lock()
			starts = append(starts, time.Now())
			mu.Unlock()
		}()
	}
	wg.Wait()

	slices.SortFunc(starts, func(a, b time.Time) int { return a.Compare(b) })
	for i := 1; i < len(starts); i++ {
		// Allow a little scheduler slack between Wait returning and the timestamp.
		require.GreaterOrEqual(t, starts[i].Sub(starts[i-1]), minDelay-5*time.Millisecond)
	}
}

func TestLimiterDifferentHostsDoNotBlock(t *testing.T) {
	t.Parallel()

	l := New(Config{MinDelay: time.Second, MaxDelay: time.Second}, system.New())
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "a.example"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "b.example"))
	require.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestLimiterWaitHonorsCancel(t *testing.T) {
	t.Parallel()

	l := New(Config{MinDelay: time.Hour, MaxDelay: time.Hour}, system.New())
	require.NoError(t, l.Wait(context.Background(), "slow.example"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Wait(ctx, "slow.example")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLimiterReportsDelay(t *testing.T) {
	t.Parallel()

	var waited []time.Duration
	l := New(Config{
		MinDelay: 20 * time.Millisecond,
		MaxDelay: 20 * time.Millisecond,
		OnDelay:  func(_ string, d time.Duration) { waited = append(waited, d) },
	}, system.New())

	ctx := context.Background()
	require.NoError(t, l.Wait(ctx, "h"))
	require.NoError(t, l.Wait(ctx, "h"))
	require.Len(t, waited, 2)
	require.GreaterOrEqual(t, waited[1], 15*time.Millisecond)
}

func TestHostKey(t *testing.T) {
	t.Parallel()

	got, err := HostKey("https://News.Example.com:8443/feed")
	require.NoError(t, err)
	require.Equal(t, "news.example.com:8443", got)

	_, err = HostKey("/relative")
	require.Error(t, err)
}

func TestLimiterWaitThenRunsAcquireAfterDelay(t *testing.T) {
	t.Parallel()

	const delay = 50 * time.Millisecond
	l := New(Config{MinDelay: delay, MaxDelay: delay}, system.New())
	ctx := context.Background()
	require.NoError(t, l.Wait(ctx, "a.example"))

	start := time.Now()
	var acquiredAfter time.Duration
	require.NoError(t, l.WaitThen(ctx, "a.example", func(context.Context) error {
		acquiredAfter = time.Since(start)
		return nil
	}))
	require.GreaterOrEqual(t, acquiredAfter, delay-5*time.Millisecond)
}

func TestLimiterWaitThenAcquireErrorKeepsSchedule(t *testing.T) {
	t.Parallel()

	l := New(Config{MinDelay: time.Hour, MaxDelay: time.Hour}, system.New())
	ctx := context.Background()

	boom := errors.New("no slot")
	require.ErrorIs(t, l.WaitThen(ctx, "b.example", func(context.Context) error { return boom }), boom)

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "b.example"))
	require.Less(t, time.Since(start), 100*time.Millisecond)
}
