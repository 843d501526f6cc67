package ratelimit

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bossbrainz/guardrail/config"
	"github.com/bossbrainz/guardrail/internal/logging"
	"github.com/bossbrainz/guardrail/internal/webhook"
	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrStoreUnavailable is returned when the fast counter store cannot be used,
// either because it is not configured or because it is backing off after a
// failure.
var ErrStoreUnavailable = errors.New("ratelimit: counter store unavailable")

// reconnectSteps is the wait after each consecutive connection failure.
// Once exhausted, reconnectCeiling applies until a connection succeeds.
var reconnectSteps = []time.Duration{30 * time.Second, 60 * time.Second, 120 * time.Second}

const reconnectCeiling = 5 * time.Minute

// reconnectSchedule is a backoff.BackOff with a fixed escalation ladder.
type reconnectSchedule struct {
	attempt int
}

func (s *reconnectSchedule) NextBackOff() time.Duration {
	if s.attempt < len(reconnectSteps) {
		d := reconnectSteps[s.attempt]
		s.attempt++
		return d
	}
	return reconnectCeiling
}

func (s *reconnectSchedule) Reset() { s.attempt = 0 }

var _ backoff.BackOff = (*reconnectSchedule)(nil)

// Conn owns the single process-wide connection to the fast counter store.
// The client is created lazily and, after a failure, is not re-dialled until
// the backoff interval has elapsed.
type Conn struct {
	cfg     config.RedisConfig
	dial    func(ctx context.Context) (*redis.Client, error)
	backoff backoff.BackOff
	warn    rate.Sometimes
	now     func() time.Time
	alerts  webhook.Emitter

	mu      sync.Mutex
	client  *redis.Client
	retryAt time.Time
	lastErr error
}

// NewConn creates a connection handle. Nothing is dialled until the first
// call to Client.
func NewConn(cfg config.RedisConfig) *Conn {
	c := &Conn{
		cfg:     cfg,
		backoff: &reconnectSchedule{},
		warn:    rate.Sometimes{First: 1, Interval: time.Minute},
		now:     time.Now,
	}
	c.dial = c.dialRedis
	return c
}

// SetAlerts emits ratelimit.store_degraded through e, sampled like the
// warning log. Call it before the Conn is shared.
func (c *Conn) SetAlerts(e webhook.Emitter) {
	c.alerts = e
}

// Configured reports whether a store address was provided at all.
func (c *Conn) Configured() bool {
	return c != nil && c.cfg.Configured()
}

// OpTimeout is the per-command deadline for counter operations.
func (c *Conn) OpTimeout() time.Duration {
	if c.cfg.OpTimeout > 0 {
		return c.cfg.OpTimeout
	}
	return 250 * time.Millisecond
}

// Client returns the shared client, dialling it if needed. During a backoff
// interval it returns ErrStoreUnavailable without touching the network.
func (c *Conn) Client(ctx context.Context) (*redis.Client, error) {
	if !c.Configured() {
		return nil, ErrStoreUnavailable
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return c.client, nil
	}
	if now := c.now(); now.Before(c.retryAt) {
		return nil, ErrStoreUnavailable
	}

	client, err := c.dial(ctx)
	if err != nil {
		if ctx.Err() == nil {
			c.failLocked(err)
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	c.client = client
	c.lastErr = nil
	c.backoff.Reset()
	logging.Info("Rate limit store connected")
	return client, nil
}

// MarkFailed drops client after a command error so the next caller waits
// out the backoff before reconnecting. Only the first report against the
// current client counts; reports against an older client are ignored.
func (c *Conn) MarkFailed(client *redis.Client, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if client == nil || client != c.client {
		return
	}
	c.client.Close()
	c.client = nil
	c.failLocked(err)
}

// failLocked advances the reconnect ladder by one step.
func (c *Conn) failLocked(err error) {
	wait := c.backoff.NextBackOff()
	c.retryAt = c.now().Add(wait)
	c.lastErr = err
	c.warn.Do(func() {
		logging.Warn("Rate limit store unavailable, using fallback checks",
			zap.Error(err),
			zap.Duration("retry_in", wait),
		)
		if c.alerts != nil {
			c.alerts.Emit(webhook.NewEvent(webhook.StoreDegraded, "ratelimit", map[string]any{
				"retry_in_seconds": wait.Seconds(),
			}))
		}
	})
}

// Ping checks the store for readiness reporting. It does not dial while
// backing off.
func (c *Conn) Ping(ctx context.Context) error {
	client, err := c.Client(ctx)
	if err != nil {
		return err
	}
	if err := client.Ping(ctx).Err(); err != nil {
		if ctx.Err() == nil {
			c.MarkFailed(client, err)
		}
		return err
	}
	return nil
}

// Close releases the client.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	return err
}

func (c *Conn) dialRedis(ctx context.Context) (*redis.Client, error) {
	var opts *redis.Options
	if c.cfg.URL != "" {
		parsed, err := redis.ParseURL(c.cfg.URL)
		if err != nil {
			return nil, err
		}
		opts = parsed
	} else {
		opts = &redis.Options{
			Addr:     c.cfg.Address,
			Password: c.cfg.Password,
			DB:       c.cfg.DB,
		}
		if c.cfg.TLS {
			opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
	}
	if c.cfg.PoolSize > 0 {
		opts.PoolSize = c.cfg.PoolSize
	}
	if c.cfg.DialTimeout > 0 {
		opts.DialTimeout = c.cfg.DialTimeout
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 2 * time.Second
	}
	opts.ReadTimeout = c.OpTimeout()
	opts.WriteTimeout = c.OpTimeout()
	opts.MaxRetries = -1

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout+c.OpTimeout())
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}
