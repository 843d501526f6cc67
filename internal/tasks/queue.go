// Package tasks runs fire-and-forget work off the request path.
package tasks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bossbrainz/guardrail/config"
	"github.com/bossbrainz/guardrail/internal/logging"
	"github.com/bossbrainz/guardrail/internal/metrics"
	"go.uber.org/zap"
)

type task struct {
	name string
	fn   func(ctx context.Context) error
}

// Queue is a bounded work queue served by a fixed pool of workers. Task
// errors and panics are logged and never reach the submitter.
type Queue struct {
	queue     chan task
	timeout   time.Duration
	collector *metrics.Collector

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// Option configures a Queue.
type Option func(*Queue)

// WithCollector reports task outcomes to Prometheus.
func WithCollector(c *metrics.Collector) Option {
	return func(q *Queue) { q.collector = c }
}

// New creates a queue and starts its workers.
func New(cfg config.TasksConfig, opts ...Option) *Queue {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = 1024
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		queue:   make(chan task, size),
		timeout: timeout,
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(q)
	}

	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	return q
}

// Submit queues fn. It returns false without blocking when the queue is full
// or closed.
func (q *Queue) Submit(name string, fn func(ctx context.Context) error) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		q.drop(name, "closed")
		return false
	}
	select {
	case q.queue <- task{name: name, fn: fn}:
		return true
	default:
		q.drop(name, "full")
		return false
	}
}

func (q *Queue) drop(name, reason string) {
	q.collector.RecordTask(name, "dropped")
	logging.Warn("Background task dropped",
		zap.String("task", name),
		zap.String("reason", reason),
	)
}

// Len returns the number of queued tasks.
func (q *Queue) Len() int {
	return len(q.queue)
}

// Close stops accepting work and runs what is already queued. If ctx expires
// first, running tasks are cancelled and the remainder is discarded.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.queue)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		remaining := len(q.queue)
		q.cancel()
		<-done
		return fmt.Errorf("tasks: drain interrupted with %d queued: %w", remaining, ctx.Err())
	}
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for t := range q.queue {
		if q.ctx.Err() != nil {
			q.collector.RecordTask(t.name, "dropped")
			continue
		}
		q.run(t)
	}
}

func (q *Queue) run(t task) {
	ctx, cancel := context.WithTimeout(q.ctx, q.timeout)
	defer cancel()

	defer func() {
		if rec := recover(); rec != nil {
			q.collector.RecordTask(t.name, "error")
			logging.Error("Background task panicked",
				zap.String("task", t.name),
				zap.String("panic", fmt.Sprint(rec)),
			)
		}
	}()

	if err := t.fn(ctx); err != nil {
		q.collector.RecordTask(t.name, "error")
		logging.Error("Background task failed",
			zap.String("task", t.name),
			zap.Error(err),
		)
		return
	}
	q.collector.RecordTask(t.name, "ok")
}
