package webhook

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bossbrainz/guardrail/config"
	"github.com/bossbrainz/guardrail/internal/logging"
	"github.com/bossbrainz/guardrail/internal/metrics"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

const recentEvents = 100

// receiver is one configured endpoint plus its delivery counters, which are
// guarded by Dispatcher.mu.
type receiver struct {
	cfg   config.AlertEndpoint
	stats EndpointStats
}

func (r *receiver) wants(t EventType) bool {
	if len(r.cfg.Events) == 0 {
		return true
	}
	for _, p := range r.cfg.Events {
		if matchesPattern(t, p) {
			return true
		}
	}
	return false
}

// Dispatcher fans alert events out to webhook receivers from a small worker
// pool. Emit never blocks; events that do not fit in the queue are dropped
// and counted.
type Dispatcher struct {
	receivers []*receiver
	queue     chan *Event
	client    *http.Client
	retry     config.AlertRetry
	collector *metrics.Collector

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool

	emitted atomic.Int64
	dropped atomic.Int64

	mu     sync.Mutex
	recent []Event
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithCollector reports dropped events to Prometheus.
func WithCollector(c *metrics.Collector) Option {
	return func(d *Dispatcher) { d.collector = c }
}

// WithHTTPClient replaces the delivery client.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.client = c }
}

// NewDispatcher starts the workers. A config with no endpoints still yields
// a working Dispatcher that records events for the admin view.
func NewDispatcher(cfg config.AlertsConfig, opts ...Option) *Dispatcher {
	workers := max(cfg.Workers, 1)
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	retry := cfg.Retry
	retry.MaxRetries = max(retry.MaxRetries, 0)
	if retry.Backoff <= 0 {
		retry.Backoff = time.Second
	}
	if retry.MaxBackoff < retry.Backoff {
		retry.MaxBackoff = max(30*time.Second, retry.Backoff)
	}

	d := &Dispatcher{
		queue:  make(chan *Event, queueSize),
		client: &http.Client{Timeout: timeout},
		retry:  retry,
	}
	for _, ep := range cfg.Endpoints {
		d.receivers = append(d.receivers, &receiver{cfg: ep, stats: EndpointStats{ID: ep.ID}})
	}
	for _, opt := range opts {
		opt(d)
	}

	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.wg.Add(workers)
	for range workers {
		go d.work()
	}
	return d
}

// Emit queues event for delivery. It is safe on a nil Dispatcher.
func (d *Dispatcher) Emit(event *Event) {
	if d == nil || event == nil {
		return
	}
	d.emitted.Add(1)
	if !d.closed.Load() {
		select {
		case d.queue <- event:
			return
		default:
		}
	}
	d.dropped.Add(1)
	d.collector.RecordAlertDropped()
	logging.Warn("Alert dropped", zap.String("type", string(event.Type)), zap.Bool("closed", d.closed.Load()))
}

// Close aborts in-flight deliveries and waits for the workers. Events
// emitted afterwards are dropped.
func (d *Dispatcher) Close() {
	if d.closed.Swap(true) {
		return
	}
	d.cancel()
	d.wg.Wait()
}

// Stats returns a snapshot for the admin endpoint.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := Stats{
		QueueSize: cap(d.queue),
		QueueUsed: len(d.queue),
		Emitted:   d.emitted.Load(),
		Dropped:   d.dropped.Load(),
		Endpoints: make([]EndpointStats, len(d.receivers)),
		Recent:    append([]Event(nil), d.recent...),
	}
	for i, r := range d.receivers {
		s.Endpoints[i] = r.stats
	}
	return s
}

func (d *Dispatcher) work() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case event := <-d.queue:
			d.remember(event)
			for _, r := range d.receivers {
				if r.wants(event.Type) {
					d.send(r, event)
				}
			}
		}
	}
}

func (d *Dispatcher) remember(event *Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.recent = append(d.recent, *event)
	if n := len(d.recent); n > recentEvents {
		d.recent = append(d.recent[:0:0], d.recent[n-recentEvents:]...)
	}
}

// send delivers event to r, retrying transient failures with exponential
// backoff.
func (d *Dispatcher) send(r *receiver, event *Event) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = d.retry.Backoff
	eb.MaxInterval = d.retry.MaxBackoff
	eb.Multiplier = 2
	eb.RandomizationFactor = 0
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(d.retry.MaxRetries)), d.ctx)

	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		return d.post(r.cfg, event)
	}, policy)

	d.mu.Lock()
	r.stats.Retries += int64(attempts - 1)
	if err != nil {
		r.stats.Failed++
		r.stats.LastError = err.Error()
	} else {
		r.stats.Delivered++
		r.stats.LastDelivery = time.Now().UTC()
	}
	d.mu.Unlock()

	if err != nil {
		logging.Warn("Alert delivery failed",
			zap.String("endpoint", r.cfg.ID),
			zap.String("type", string(event.Type)),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
	}
}
