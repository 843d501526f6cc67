package ratelimit

import (
	"context"
	"time"
)

// Source names the store a decision came from.
type Source string

const (
	SourceFast     Source = "fast"
	SourceFallback Source = "fallback"
)

// Result is the outcome of one counter check.
type Result struct {
	Allowed   bool
	Remaining int64
	Current   int64
	// ResetAt is always the next UTC midnight.
	ResetAt time.Time
	Source  Source
	// RequiresFallbackCheck is set when the fast store could not be used.
	// Allowed is false in that case; the caller must consult the durable
	// store before letting the request through.
	RequiresFallbackCheck bool
}

// Counter keeps per-identity, per-namespace daily counts.
type Counter struct {
	store Store
	now   func() time.Time
}

// NewCounter creates a Counter. A nil store puts every check on the
// fallback path.
func NewCounter(store Store) *Counter {
	return &Counter{store: store, now: time.Now}
}

// Check increments the counter for (namespace, identity, today) and reports
// whether the post-increment value is within max. It never returns
// Allowed=true when the store is unavailable.
func (c *Counter) Check(ctx context.Context, identity string, max int64, namespace string) Result {
	now := c.now().UTC()
	reset := NextUTCMidnight(now)

	if c.store == nil {
		return degraded(reset)
	}

	current, err := c.store.Incr(ctx, Key(namespace, identity, now), reset)
	if err != nil {
		return degraded(reset)
	}

	remaining := max - current
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   current <= max,
		Remaining: remaining,
		Current:   current,
		ResetAt:   reset,
		Source:    SourceFast,
	}
}

// Count returns today's count without incrementing it.
func (c *Counter) Count(ctx context.Context, identity, namespace string) (int64, error) {
	if c.store == nil {
		return 0, ErrStoreUnavailable
	}
	return c.store.Get(ctx, Key(namespace, identity, c.now().UTC()))
}

// Reset clears today's count.
func (c *Counter) Reset(ctx context.Context, identity, namespace string) error {
	if c.store == nil {
		return ErrStoreUnavailable
	}
	return c.store.Del(ctx, Key(namespace, identity, c.now().UTC()))
}

func degraded(reset time.Time) Result {
	return Result{
		Allowed:               false,
		Remaining:             0,
		Current:               0,
		ResetAt:               reset,
		Source:                SourceFallback,
		RequiresFallbackCheck: true,
	}
}

// Key builds the counter key. An empty namespace is omitted.
func Key(namespace, identity string, day time.Time) string {
	date := day.UTC().Format(time.DateOnly)
	if namespace == "" {
		return "ratelimit:" + identity + ":" + date
	}
	return "ratelimit:" + namespace + ":" + identity + ":" + date
}

// StartOfUTCDay truncates t to midnight UTC.
func StartOfUTCDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// NextUTCMidnight returns the first instant of the following UTC day.
func NextUTCMidnight(t time.Time) time.Time {
	return StartOfUTCDay(t).AddDate(0, 0, 1)
}
