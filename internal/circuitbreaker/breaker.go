package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/bossbrainz/guardrail/config"
	"github.com/bossbrainz/guardrail/internal/metrics"
	"github.com/sony/gobreaker/v2"
)

// ErrOpen is returned without calling the dependency while the breaker is
// open, or while its single half-open trial is in flight.
var ErrOpen = errors.New("circuit breaker is open")

// State represents the circuit breaker state
type State int

const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Failing, reject requests
	StateHalfOpen              // Testing recovery
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// StateChangeFunc observes transitions. It runs while the breaker holds its
// lock and must not call back into the breaker.
type StateChangeFunc func(name string, from, to State)

// Breaker guards one named dependency.
type Breaker struct {
	name string
	cfg  config.CircuitBreakerConfig
	cb   *gobreaker.CircuitBreaker[any]

	collector *metrics.Collector

	openedAt atomic.Int64 // unix nanos, zero when not open
	rejected atomic.Int64
	retries  atomic.Int64
}

// NewBreaker creates a breaker for name. onChange may be nil.
func NewBreaker(name string, cfg config.CircuitBreakerConfig, onChange StateChangeFunc) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	b := &Breaker{name: name, cfg: cfg}
	threshold := uint32(cfg.FailureThreshold)

	b.cb = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			switch to {
			case gobreaker.StateOpen:
				b.openedAt.Store(time.Now().UnixNano())
			case gobreaker.StateClosed:
				b.openedAt.Store(0)
			}
			if onChange != nil {
				onChange(name, fromGobreaker(from), fromGobreaker(to))
			}
		},
	})
	return b
}

// Name returns the dependency name.
func (b *Breaker) Name() string {
	return b.name
}

// State returns the current state. An open breaker whose cool-down has
// elapsed reports half-open.
func (b *Breaker) State() State {
	return fromGobreaker(b.cb.State())
}

// IsOpen reports whether calls are currently being short-circuited.
func (b *Breaker) IsOpen() bool {
	return b.State() == StateOpen
}

// Config returns the effective settings.
func (b *Breaker) Config() config.CircuitBreakerConfig {
	return b.cfg
}

// Execute runs fn through the breaker. Each attempt gets the configured call
// timeout; transient failures are retried with backoff before the breaker
// records a single outcome.
func Execute[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	v, err := b.cb.Execute(func() (any, error) {
		return b.retry(ctx, func(ctx context.Context) (any, error) {
			return fn(ctx)
		})
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		b.rejected.Add(1)
		b.collector.RecordUpstream(b.name, "rejected")
		return zero, fmt.Errorf("%s: %w", b.name, ErrOpen)
	}
	if err != nil {
		b.collector.RecordUpstream(b.name, "failure")
		return zero, err
	}
	b.collector.RecordUpstream(b.name, "success")
	if v == nil {
		return zero, nil
	}
	return v.(T), nil
}

// Snapshot returns a point-in-time view of the breaker.
func (b *Breaker) Snapshot() BreakerSnapshot {
	counts := b.cb.Counts()
	snap := BreakerSnapshot{
		Name:                b.name,
		State:               b.State().String(),
		ConsecutiveFailures: counts.ConsecutiveFailures,
		FailureThreshold:    b.cfg.FailureThreshold,
		CoolDown:            b.cfg.Timeout.String(),
		Requests:            counts.Requests,
		TotalFailures:       counts.TotalFailures,
		TotalSuccesses:      counts.TotalSuccesses,
		TotalRejected:       b.rejected.Load(),
		TotalRetries:        b.retries.Load(),
	}
	if ns := b.openedAt.Load(); ns != 0 {
		t := time.Unix(0, ns).UTC()
		snap.OpenedAt = &t
	}
	return snap
}

// BreakerSnapshot is a point-in-time view of a circuit breaker
type BreakerSnapshot struct {
	Name                string     `json:"name"`
	State               string     `json:"state"`
	ConsecutiveFailures uint32     `json:"consecutive_failures"`
	FailureThreshold    int        `json:"failure_threshold"`
	CoolDown            string     `json:"cool_down"`
	OpenedAt            *time.Time `json:"opened_at,omitempty"`
	Requests            uint32     `json:"requests"`
	TotalFailures       uint32     `json:"total_failures"`
	TotalSuccesses      uint32     `json:"total_successes"`
	TotalRejected       int64      `json:"total_rejected"`
	TotalRetries        int64      `json:"total_retries"`
}
