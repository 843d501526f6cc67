// Package cost attributes AI spend to responses and alerts once per UTC day
// when the running total crosses the configured threshold.
package cost

import (
	"context"
	"sync"
	"time"

	"github.com/bossbrainz/guardrail/config"
	"github.com/bossbrainz/guardrail/internal/logging"
	"github.com/bossbrainz/guardrail/internal/metrics"
	"github.com/bossbrainz/guardrail/internal/store"
	"github.com/bossbrainz/guardrail/internal/webhook"
	"go.uber.org/zap"
)

// Ledger persists cost rows and sums them per day.
type Ledger interface {
	RecordAICost(ctx context.Context, rec store.CostRecord) error
	DailyAICostTotal(ctx context.Context, day time.Time) (store.DailyCost, error)
}

// TaskSubmitter runs work off the request path.
type TaskSubmitter interface {
	Submit(name string, fn func(ctx context.Context) error) bool
}

// Usage is the token count of one AI response.
type Usage struct {
	UserID       string
	ChatID       string
	Model        string
	InputTokens  int64
	OutputTokens int64
}

// Tracker records spend asynchronously. Failures are logged, never returned.
type Tracker struct {
	enabled   bool
	threshold float64
	prices    map[string]config.ModelPrice

	ledger    Ledger
	tasks     TaskSubmitter
	alerts    webhook.Emitter
	collector *metrics.Collector
	now       func() time.Time

	mu         sync.Mutex
	alertedDay string
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithAlerts emits cost.threshold_exceeded through e.
func WithAlerts(e webhook.Emitter) Option {
	return func(t *Tracker) { t.alerts = e }
}

// WithCollector adds spend to the running Prometheus counter.
func WithCollector(c *metrics.Collector) Option {
	return func(t *Tracker) { t.collector = c }
}

// NewTracker creates a tracker. It is disabled when cfg is disabled or no
// ledger is available.
func NewTracker(cfg config.CostConfig, ledger Ledger, tasks TaskSubmitter, opts ...Option) *Tracker {
	t := &Tracker{
		enabled:   cfg.Enabled && ledger != nil && tasks != nil,
		threshold: cfg.DailyAlertUSD,
		prices:    cfg.Prices,
		ledger:    ledger,
		tasks:     tasks,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Estimate returns the USD cost of u. Unknown models cost zero.
func (t *Tracker) Estimate(u Usage) float64 {
	p, ok := t.prices[u.Model]
	if !ok {
		return 0
	}
	return float64(u.InputTokens)*p.Input/1e6 + float64(u.OutputTokens)*p.Output/1e6
}

// Record queues a cost row for u and re-checks the daily threshold once the
// row is written. It never blocks on the database.
func (t *Tracker) Record(u Usage) {
	if t == nil || !t.enabled {
		return
	}

	usd := t.Estimate(u)
	if _, ok := t.prices[u.Model]; !ok {
		logging.Debug("No price configured for model", zap.String("model", u.Model))
	}
	t.collector.AddAICost(usd)

	rec := store.CostRecord{
		UserID:       optional(u.UserID),
		ChatID:       optional(u.ChatID),
		Model:        u.Model,
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
		CostUSD:      usd,
		CreatedAt:    t.now().UTC(),
	}

	t.tasks.Submit("cost.record", func(ctx context.Context) error {
		if err := t.ledger.RecordAICost(ctx, rec); err != nil {
			return err
		}
		return t.CheckThreshold(ctx)
	})
}

// CheckThreshold sums today's spend and alerts if it is at or above the
// threshold and no alert has gone out today.
func (t *Tracker) CheckThreshold(ctx context.Context) error {
	if t.threshold <= 0 {
		return nil
	}

	now := t.now().UTC()
	day := now.Format(time.DateOnly)

	t.mu.Lock()
	already := t.alertedDay == day
	t.mu.Unlock()
	if already {
		return nil
	}

	total, err := t.ledger.DailyAICostTotal(ctx, now)
	if err != nil {
		return err
	}
	if total.TotalUSD < t.threshold {
		return nil
	}

	t.mu.Lock()
	if t.alertedDay == day {
		t.mu.Unlock()
		return nil
	}
	t.alertedDay = day
	t.mu.Unlock()

	logging.Warn("Daily AI spend threshold exceeded",
		zap.String("day", day),
		zap.Float64("total_usd", total.TotalUSD),
		zap.Float64("threshold_usd", t.threshold),
		zap.Int64("requests", total.Requests),
	)
	if t.alerts != nil {
		t.alerts.Emit(webhook.NewEvent(webhook.CostThresholdExceeded, "cost", map[string]any{
			"day":           day,
			"total_usd":     total.TotalUSD,
			"threshold_usd": t.threshold,
			"requests":      total.Requests,
			"unique_users":  total.UniqueUsers,
		}))
	}
	return nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
