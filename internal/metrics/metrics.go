package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "guardrail"

// Collector owns a private Prometheus registry and the guard metrics.
// All methods are safe to call on a nil Collector.
type Collector struct {
	registry *prometheus.Registry

	requestsTotal    *prometheus.CounterVec
	requestDurations *prometheus.HistogramVec

	csrfChecks        *prometheus.CounterVec
	rateLimitDecision *prometheus.CounterVec
	storeDegraded     prometheus.Counter
	redactions        *prometheus.CounterVec
	leaksDetected     prometheus.Counter
	breakerState      *prometheus.GaugeVec
	upstreamCalls     *prometheus.CounterVec
	alertsDropped     prometheus.Counter
	aiCostUSD         prometheus.Counter
	tasks             *prometheus.CounterVec
}

// Circuit breaker gauge values.
const (
	BreakerClosed   = 0
	BreakerOpen     = 1
	BreakerHalfOpen = 2
)

// NewCollector creates a collector with process and Go runtime metrics registered.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route, method and status.",
		}, []string{"route", "method", "status"}),
		requestDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		csrfChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "csrf_checks_total",
			Help:      "Anti-forgery checks by outcome.",
		}, []string{"outcome"}),
		rateLimitDecision: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_decisions_total",
			Help:      "Rate limit decisions by namespace, source and result.",
		}, []string{"namespace", "source", "allowed"}),
		storeDegraded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_store_degraded_total",
			Help:      "Checks answered without the fast counter store.",
		}),
		redactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "safety_redactions_total",
			Help:      "Redacted PII spans by category.",
		}, []string{"type"}),
		leaksDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "safety_leaks_detected_total",
			Help:      "Generated responses replaced because they contained the leak marker.",
		}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state: 0=closed, 1=open, 2=half-open.",
		}, []string{"dependency"}),
		upstreamCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_calls_total",
			Help:      "Calls to upstream dependencies by result.",
		}, []string{"dependency", "result"}),
		alertsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_dropped_total",
			Help:      "Alert events dropped because the queue was full or the dispatcher had stopped.",
		}),
		aiCostUSD: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ai_cost_usd_total",
			Help:      "Accumulated AI spend in USD since process start.",
		}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "background_tasks_total",
			Help:      "Background tasks by name and result.",
		}, []string{"name", "result"}),
	}

	c.registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
		c.requestsTotal, c.requestDurations,
		c.csrfChecks, c.rateLimitDecision, c.storeDegraded,
		c.redactions, c.leaksDetected,
		c.breakerState, c.upstreamCalls,
		c.alertsDropped, c.aiCostUSD, c.tasks,
	)
	return c
}

// Registry exposes the registry for additional collectors.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordRequest records a completed request
func (c *Collector) RecordRequest(route, method string, statusCode int, duration time.Duration) {
	if c == nil {
		return
	}
	c.requestsTotal.WithLabelValues(route, method, strconv.Itoa(statusCode)).Inc()
	c.requestDurations.WithLabelValues(route).Observe(duration.Seconds())
}

// RecordCSRF records one anti-forgery check outcome ("accepted" or a rejection reason).
func (c *Collector) RecordCSRF(outcome string) {
	if c == nil {
		return
	}
	c.csrfChecks.WithLabelValues(outcome).Inc()
}

// RecordRateLimit records a rate limit decision.
func (c *Collector) RecordRateLimit(ns, source string, allowed bool) {
	if c == nil {
		return
	}
	c.rateLimitDecision.WithLabelValues(ns, source, strconv.FormatBool(allowed)).Inc()
}

// RecordStoreDegraded records a check that could not use the fast store.
func (c *Collector) RecordStoreDegraded() {
	if c == nil {
		return
	}
	c.storeDegraded.Inc()
}

// RecordRedactions records redacted spans per category.
func (c *Collector) RecordRedactions(counts map[string]int) {
	if c == nil {
		return
	}
	for typ, n := range counts {
		c.redactions.WithLabelValues(typ).Add(float64(n))
	}
}

// RecordLeak records a leak-marker substitution.
func (c *Collector) RecordLeak() {
	if c == nil {
		return
	}
	c.leaksDetected.Inc()
}

// SetCircuitBreakerState sets the circuit breaker state for a dependency
func (c *Collector) SetCircuitBreakerState(dependency string, state int) {
	if c == nil {
		return
	}
	c.breakerState.WithLabelValues(dependency).Set(float64(state))
}

// RecordUpstream records an upstream call result ("success", "failure", "rejected").
func (c *Collector) RecordUpstream(dependency, result string) {
	if c == nil {
		return
	}
	c.upstreamCalls.WithLabelValues(dependency, result).Inc()
}

// RecordAlertDropped records an alert lost to a full queue.
func (c *Collector) RecordAlertDropped() {
	if c == nil {
		return
	}
	c.alertsDropped.Inc()
}

// AddAICost adds spend to the running total.
func (c *Collector) AddAICost(usd float64) {
	if c == nil || usd <= 0 {
		return
	}
	c.aiCostUSD.Add(usd)
}

// RecordTask records a background task result ("ok", "error", "dropped").
func (c *Collector) RecordTask(name, result string) {
	if c == nil {
		return
	}
	c.tasks.WithLabelValues(name, result).Inc()
}
