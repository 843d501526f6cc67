package circuitbreaker

import (
	"github.com/bossbrainz/guardrail/config"
	"github.com/bossbrainz/guardrail/internal/byname"
	"github.com/bossbrainz/guardrail/internal/logging"
	"github.com/bossbrainz/guardrail/internal/metrics"
	"github.com/bossbrainz/guardrail/internal/webhook"
	"go.uber.org/zap"
)

// Registry holds one process-wide breaker per dependency name.
type Registry struct {
	breakers  *byname.Registry[*Breaker]
	lookup    func(name string) config.CircuitBreakerConfig
	collector *metrics.Collector
	alerts    webhook.Emitter
}

// Option configures a Registry.
type Option func(*Registry)

// WithCollector exports breaker state and call outcomes.
func WithCollector(c *metrics.Collector) Option {
	return func(r *Registry) { r.collector = c }
}

// WithAlerts emits an alert when a breaker opens or closes.
func WithAlerts(e webhook.Emitter) Option {
	return func(r *Registry) { r.alerts = e }
}

// NewRegistry creates a Registry. Breakers are configured from cfg by name,
// falling back to the default breaker settings.
func NewRegistry(cfg *config.Config, opts ...Option) *Registry {
	r := &Registry{
		breakers: byname.New[*Breaker](),
		lookup:   func(string) config.CircuitBreakerConfig { return config.DefaultBreaker() },
	}
	if cfg != nil {
		r.lookup = cfg.Breaker
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get returns the breaker for name, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	return r.breakers.GetOrCreate(name, r.create)
}

func (r *Registry) create(name string) *Breaker {
	b := NewBreaker(name, r.lookup(name), r.onStateChange)
	b.collector = r.collector
	r.collector.SetCircuitBreakerState(name, metrics.BreakerClosed)
	return b
}

// IsOpen reports whether name is currently short-circuited. Unknown names
// are closed.
func (r *Registry) IsOpen(name string) bool {
	b, ok := r.breakers.Get(name)
	return ok && b.IsOpen()
}

// OpenBreakers returns the names of breakers that are currently open.
func (r *Registry) OpenBreakers() []string {
	var open []string
	for _, name := range r.breakers.Names() {
		if r.IsOpen(name) {
			open = append(open, name)
		}
	}
	return open
}

// Snapshots returns every breaker's state, sorted by name.
func (r *Registry) Snapshots() []BreakerSnapshot {
	names := r.breakers.Names()
	out := make([]BreakerSnapshot, 0, len(names))
	for _, name := range names {
		if b, ok := r.breakers.Get(name); ok {
			out = append(out, b.Snapshot())
		}
	}
	return out
}

func (r *Registry) onStateChange(name string, from, to State) {
	switch to {
	case StateOpen:
		logging.Error("Circuit breaker opened",
			zap.String("dependency", name),
			zap.String("from", from.String()),
		)
		r.collector.SetCircuitBreakerState(name, metrics.BreakerOpen)
		if r.alerts != nil {
			r.alerts.Emit(webhook.NewEvent(webhook.CircuitBreakerOpened, name, map[string]any{
				"dependency": name,
				"from":       from.String(),
			}))
		}
	case StateHalfOpen:
		logging.Info("Circuit breaker half-open", zap.String("dependency", name))
		r.collector.SetCircuitBreakerState(name, metrics.BreakerHalfOpen)
	case StateClosed:
		logging.Info("Circuit breaker closed", zap.String("dependency", name))
		r.collector.SetCircuitBreakerState(name, metrics.BreakerClosed)
		if r.alerts != nil {
			r.alerts.Emit(webhook.NewEvent(webhook.CircuitBreakerClosed, name, map[string]any{
				"dependency": name,
			}))
		}
	}
}
