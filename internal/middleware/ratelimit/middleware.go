package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/bossbrainz/guardrail/config"
	"github.com/bossbrainz/guardrail/internal/errors"
	"github.com/bossbrainz/guardrail/internal/logging"
	"github.com/bossbrainz/guardrail/internal/metrics"
	"github.com/bossbrainz/guardrail/internal/middleware"
	"go.uber.org/zap"
)

// FallbackChecker is the durable system of record consulted when the fast
// store is unavailable.
type FallbackChecker interface {
	// Reserve atomically counts identity's usage since the given time and,
	// when it is below max, records one more event. count includes the new
	// event when allowed.
	Reserve(ctx context.Context, namespace, identity string, since time.Time, max int64) (count int64, allowed bool, err error)
	// Record stores a usage event already admitted by the fast path.
	Record(ctx context.Context, namespace, identity string) error
}

// TaskSubmitter runs work off the request path.
type TaskSubmitter interface {
	Submit(name string, fn func(ctx context.Context) error) bool
}

// Limiter applies per-namespace daily allowances to requests.
type Limiter struct {
	counter    *Counter
	namespaces map[string]config.NamespaceConfig
	tiers      map[string]int64
	fallback   FallbackChecker
	tasks      TaskSubmitter
	collector  *metrics.Collector
}

// LimiterOption configures a Limiter.
type LimiterOption func(*Limiter)

// WithFallback sets the durable checker used on the degraded path. Without
// one, every degraded check is denied.
func WithFallback(f FallbackChecker) LimiterOption {
	return func(l *Limiter) { l.fallback = f }
}

// WithTasks records fast-path usage in the durable store asynchronously so
// fallback counts stay close to the real total.
func WithTasks(t TaskSubmitter) LimiterOption {
	return func(l *Limiter) { l.tasks = t }
}

// WithCollector reports decisions to Prometheus.
func WithCollector(c *metrics.Collector) LimiterOption {
	return func(l *Limiter) { l.collector = c }
}

// NewLimiter creates a Limiter over counter using the namespace table in cfg.
func NewLimiter(counter *Counter, cfg config.RateLimitConfig, opts ...LimiterOption) *Limiter {
	l := &Limiter{
		counter:    counter,
		namespaces: cfg.Namespaces,
		tiers:      cfg.Tiers,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Counter exposes the underlying counter for admin operations.
func (l *Limiter) Counter() *Counter {
	return l.counter
}

// Identity returns the accounting key for caller in namespace.
func (l *Limiter) Identity(namespace string, caller middleware.Caller) string {
	if l.namespaces[namespace].KeyBy == "ip" {
		return "ip:" + caller.IP
	}
	if caller.UserID != "" {
		return caller.UserID
	}
	return "ip:" + caller.IP
}

// Max returns the daily allowance for caller in namespace.
func (l *Limiter) Max(namespace string, caller middleware.Caller) int64 {
	ns := l.namespaces[namespace]
	if ns.UseTiers && caller.Tier != "" {
		if max, ok := l.tiers[caller.Tier]; ok {
			return max
		}
	}
	return ns.Max
}

// Decide makes the final allow/deny decision, resolving the degraded path
// against the fallback checker.
func (l *Limiter) Decide(ctx context.Context, namespace string, caller middleware.Caller) Result {
	identity := l.Identity(namespace, caller)
	max := l.Max(namespace, caller)

	res := l.counter.Check(ctx, identity, max, namespace)
	if !res.RequiresFallbackCheck {
		if res.Allowed {
			l.recordAsync(namespace, identity)
		}
		l.collector.RecordRateLimit(namespace, string(res.Source), res.Allowed)
		return res
	}

	l.collector.RecordStoreDegraded()
	res = l.decideFallback(ctx, namespace, identity, max, res)
	l.collector.RecordRateLimit(namespace, string(res.Source), res.Allowed)
	return res
}

func (l *Limiter) decideFallback(ctx context.Context, namespace, identity string, max int64, res Result) Result {
	if l.fallback == nil {
		return res
	}

	count, allowed, err := l.fallback.Reserve(ctx, namespace, identity, StartOfUTCDay(l.counter.now()), max)
	if err != nil {
		logging.Error("Rate limit fallback check failed, denying",
			zap.String("namespace", namespace),
			zap.Error(err),
		)
		return res
	}
	if !allowed {
		res.Current = count
		return res
	}

	res.Current = count
	res.Remaining = max - res.Current
	res.Allowed = true
	res.RequiresFallbackCheck = false
	return res
}

func (l *Limiter) recordAsync(namespace, identity string) {
	if l.fallback == nil || l.tasks == nil {
		return
	}
	fb := l.fallback
	l.tasks.Submit("ratelimit.record", func(ctx context.Context) error {
		return fb.Record(ctx, namespace, identity)
	})
}

// Middleware enforces the allowance for namespace. It panics if namespace is
// not configured, since that is a wiring mistake.
func (l *Limiter) Middleware(namespace string) middleware.Middleware {
	if _, ok := l.namespaces[namespace]; !ok {
		panic(fmt.Sprintf("ratelimit: namespace %q is not configured", namespace))
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller := middleware.CallerFromRequest(r)
			res := l.Decide(r.Context(), namespace, caller)

			max := l.Max(namespace, caller)
			setHeaders(w, max, res)

			if !res.Allowed {
				logging.Info("Rate limit exceeded",
					zap.String("request_id", middleware.GetRequestID(r)),
					zap.String("namespace", namespace),
					zap.String("source", string(res.Source)),
				)
				retryAfter := int(time.Until(res.ResetAt).Seconds())
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				errors.ErrRateLimited.WriteJSON(w)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func setHeaders(w http.ResponseWriter, max int64, res Result) {
	w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(max, 10))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
}
