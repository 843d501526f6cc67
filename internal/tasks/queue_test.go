package tasks

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bossbrainz/guardrail/config"
	"github.com/bossbrainz/guardrail/internal/logging"
	"github.com/bossbrainz/guardrail/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observeLogs(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	prev := logging.Global()
	logging.SetGlobal(zap.New(core))
	t.Cleanup(func() { logging.SetGlobal(prev) })
	return logs
}

func TestQueueRunsTasks(t *testing.T) {
	q := New(config.TasksConfig{Workers: 2, QueueSize: 10})

	var ran atomic.Int32
	for i := 0; i < 5; i++ {
		if !q.Submit("count", func(context.Context) error {
			ran.Add(1)
			return nil
		}) {
			t.Fatal("Submit returned false")
		}
	}

	if err := q.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if ran.Load() != 5 {
		t.Errorf("ran %d tasks, want 5", ran.Load())
	}
}

func TestQueueLogsFailuresAndPanics(t *testing.T) {
	logs := observeLogs(t)
	collector := metrics.NewCollector()
	q := New(config.TasksConfig{Workers: 1}, WithCollector(collector))

	q.Submit("cost.record", func(context.Context) error { return errors.New("insert failed") })
	q.Submit("cost.record", func(context.Context) error { panic("nil map") })
	q.Submit("cost.record", func(context.Context) error { return nil })
	q.Close(context.Background())

	if n := logs.FilterMessage("Background task failed").Len(); n != 1 {
		t.Errorf("failure logs = %d", n)
	}
	if n := logs.FilterMessage("Background task panicked").Len(); n != 1 {
		t.Errorf("panic logs = %d", n)
	}

	expected := `
# HELP guardrail_background_tasks_total Background tasks by name and result.
# TYPE guardrail_background_tasks_total counter
guardrail_background_tasks_total{name="cost.record",result="error"} 2
guardrail_background_tasks_total{name="cost.record",result="ok"} 1
`
	if err := testutil.GatherAndCompare(collector.Registry(), strings.NewReader(expected), "guardrail_background_tasks_total"); err != nil {
		t.Error(err)
	}
}

func TestQueueFullDropsWithoutBlocking(t *testing.T) {
	observeLogs(t)
	q := New(config.TasksConfig{Workers: 1, QueueSize: 1})

	release := make(chan struct{})
	started := make(chan struct{})
	q.Submit("block", func(context.Context) error {
		close(started)
		<-release
		return nil
	})
	<-started

	if !q.Submit("queued", func(context.Context) error { return nil }) {
		t.Fatal("second task should fit in the queue")
	}
	if q.Submit("overflow", func(context.Context) error { return nil }) {
		t.Error("third task should be dropped")
	}

	close(release)
	q.Close(context.Background())
}

func TestQueueSubmitAfterClose(t *testing.T) {
	observeLogs(t)
	q := New(config.TasksConfig{})
	q.Close(context.Background())

	if q.Submit("late", func(context.Context) error { return nil }) {
		t.Error("Submit after Close should fail")
	}
	if err := q.Close(context.Background()); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestQueueTaskTimeout(t *testing.T) {
	observeLogs(t)
	q := New(config.TasksConfig{Workers: 1, Timeout: 20 * time.Millisecond})

	errc := make(chan error, 1)
	q.Submit("slow", func(ctx context.Context) error {
		<-ctx.Done()
		errc <- ctx.Err()
		return ctx.Err()
	})

	select {
	case err := <-errc:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("task ctx err = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("task was not cancelled by its timeout")
	}
	q.Close(context.Background())
}

func TestQueueCloseDeadline(t *testing.T) {
	observeLogs(t)
	q := New(config.TasksConfig{Workers: 1, Timeout: time.Minute})

	q.Submit("stuck", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	q.Submit("pending", func(context.Context) error { return nil })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := q.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Close = %v, want deadline exceeded", err)
	}
}
