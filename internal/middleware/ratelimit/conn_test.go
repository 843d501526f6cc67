package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bossbrainz/guardrail/config"
	"github.com/bossbrainz/guardrail/internal/webhook"
	"github.com/redis/go-redis/v9"
)

func TestReconnectSchedule(t *testing.T) {
	s := &reconnectSchedule{}
	want := []time.Duration{
		30 * time.Second, 60 * time.Second, 120 * time.Second,
		5 * time.Minute, 5 * time.Minute,
	}
	for i, w := range want {
		if got := s.NextBackOff(); got != w {
			t.Errorf("step %d: %v, want %v", i, got, w)
		}
	}
	s.Reset()
	if got := s.NextBackOff(); got != 30*time.Second {
		t.Errorf("after reset: %v", got)
	}
}

func TestConnBacksOffBetweenDials(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	dials := 0

	c := NewConn(config.RedisConfig{Address: "cache:6379"})
	c.now = func() time.Time { return now }
	c.dial = func(context.Context) (*redis.Client, error) {
		dials++
		return nil, errors.New("connection refused")
	}
	ctx := context.Background()

	if _, err := c.Client(ctx); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("first Client: %v", err)
	}
	if dials != 1 {
		t.Fatalf("dials = %d", dials)
	}

	now = now.Add(29 * time.Second)
	c.Client(ctx)
	if dials != 1 {
		t.Fatalf("dialled during backoff (dials=%d)", dials)
	}

	now = now.Add(time.Second)
	c.Client(ctx)
	if dials != 2 {
		t.Fatalf("expected redial after 30s, dials=%d", dials)
	}

	now = now.Add(59 * time.Second)
	c.Client(ctx)
	if dials != 2 {
		t.Fatalf("second backoff should be 60s, dials=%d", dials)
	}
	now = now.Add(time.Second)
	c.Client(ctx)
	if dials != 3 {
		t.Fatalf("expected redial after 60s, dials=%d", dials)
	}
}

func TestConnRecoversAndResetsBackoff(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	fail := true

	c := NewConn(config.RedisConfig{Address: "cache:6379"})
	c.now = func() time.Time { return now }
	c.dial = func(context.Context) (*redis.Client, error) {
		if fail {
			return nil, errors.New("down")
		}
		return redis.NewClient(&redis.Options{Addr: "cache:6379"}), nil
	}
	defer c.Close()
	ctx := context.Background()

	c.Client(ctx)
	now = now.Add(30 * time.Second)
	c.Client(ctx)

	fail = false
	now = now.Add(60 * time.Second)
	client, err := c.Client(ctx)
	if err != nil || client == nil {
		t.Fatalf("expected recovery, got %v", err)
	}
	if again, _ := c.Client(ctx); again != client {
		t.Error("expected the shared client to be reused")
	}

	c.MarkFailed(client, errors.New("read timeout"))
	if _, err := c.Client(ctx); !errors.Is(err, ErrStoreUnavailable) {
		t.Errorf("expected backoff after MarkFailed, got %v", err)
	}
	now = now.Add(30 * time.Second)
	if _, err := c.Client(ctx); err != nil {
		t.Errorf("backoff should restart at 30s after a success, got %v", err)
	}
}

func TestConnNotConfigured(t *testing.T) {
	c := NewConn(config.RedisConfig{})
	if c.Configured() {
		t.Fatal("Configured() = true")
	}
	if _, err := c.Client(context.Background()); !errors.Is(err, ErrStoreUnavailable) {
		t.Errorf("Client: %v", err)
	}
	if err := c.Ping(context.Background()); err == nil {
		t.Error("Ping should fail")
	}
}

func TestConnMarkFailedOncePerOutage(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	dials := 0

	c := NewConn(config.RedisConfig{Address: "cache:6379"})
	c.now = func() time.Time { return now }
	c.dial = func(context.Context) (*redis.Client, error) {
		dials++
		return redis.NewClient(&redis.Options{Addr: "cache:6379"}), nil
	}
	defer c.Close()
	ctx := context.Background()

	client, err := c.Client(ctx)
	if err != nil {
		t.Fatalf("Client: %v", err)
	}
	for range 4 {
		c.MarkFailed(client, errors.New("i/o timeout"))
	}

	now = now.Add(29 * time.Second)
	if _, err := c.Client(ctx); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("Client during backoff: %v", err)
	}
	now = now.Add(time.Second)
	if _, err := c.Client(ctx); err != nil {
		t.Fatalf("first outage should wait 30s, got %v", err)
	}
	if dials != 2 {
		t.Errorf("dials = %d, want 2", dials)
	}
}

func TestConnIgnoresStaleFailure(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	c := NewConn(config.RedisConfig{Address: "cache:6379"})
	c.now = func() time.Time { return now }
	c.dial = func(context.Context) (*redis.Client, error) {
		return redis.NewClient(&redis.Options{Addr: "cache:6379"}), nil
	}
	defer c.Close()
	ctx := context.Background()

	old, _ := c.Client(ctx)
	c.MarkFailed(old, errors.New("read timeout"))
	now = now.Add(30 * time.Second)
	fresh, err := c.Client(ctx)
	if err != nil {
		t.Fatalf("reconnect: %v", err)
	}

	c.MarkFailed(old, errors.New("late error from an old command"))
	got, err := c.Client(ctx)
	if err != nil {
		t.Fatalf("Client after stale failure: %v", err)
	}
	if got != fresh {
		t.Error("stale failure replaced the healthy client")
	}
}

func TestConnCancelledDialKeepsSchedule(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	dials := 0

	c := NewConn(config.RedisConfig{Address: "cache:6379"})
	c.now = func() time.Time { return now }
	c.dial = func(ctx context.Context) (*redis.Client, error) {
		dials++
		return nil, ctx.Err()
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c.Client(ctx)
	c.Client(context.Background())
	if dials != 2 {
		t.Errorf("dials = %d, want 2 (cancelled dial must not start a backoff)", dials)
	}
}

func TestRedisStoreIgnoresCallerCancellation(t *testing.T) {
	c := NewConn(config.RedisConfig{Address: "127.0.0.1:1"})
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1})
	c.dial = func(context.Context) (*redis.Client, error) { return client, nil }
	defer c.Close()
	s := NewRedisStore(c)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Incr(ctx, "k", time.Now().Add(time.Hour)); err == nil {
		t.Fatal("Incr with a cancelled context should fail")
	}
	if _, err := s.Get(ctx, "k"); err == nil {
		t.Fatal("Get with a cancelled context should fail")
	}

	got, err := c.Client(context.Background())
	if err != nil {
		t.Fatalf("Client after caller cancellation: %v", err)
	}
	if got != client {
		t.Error("shared client was replaced")
	}
}

type countingEmitter struct{ events []*webhook.Event }

func (c *countingEmitter) Emit(e *webhook.Event) { c.events = append(c.events, e) }

func TestConnAlertsOnFailureSampled(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	alerts := &countingEmitter{}

	c := NewConn(config.RedisConfig{Address: "cache:6379"})
	c.SetAlerts(alerts)
	c.now = func() time.Time { return now }
	c.dial = func(context.Context) (*redis.Client, error) {
		return nil, errors.New("connection refused")
	}

	c.Client(context.Background())
	now = now.Add(30 * time.Second)
	c.Client(context.Background())

	if len(alerts.events) != 1 {
		t.Fatalf("alerts = %d, want 1 within the sampling interval", len(alerts.events))
	}
	if alerts.events[0].Type != webhook.StoreDegraded {
		t.Errorf("type = %s", alerts.events[0].Type)
	}
}
