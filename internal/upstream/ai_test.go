package upstream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bossbrainz/guardrail/config"
	"github.com/bossbrainz/guardrail/internal/circuitbreaker"
	"github.com/tidwall/gjson"
)

func testBreaker(name string) *circuitbreaker.Breaker {
	return circuitbreaker.NewBreaker(name, config.CircuitBreakerConfig{
		FailureThreshold: 2,
		Timeout:          time.Minute,
		MaxRetries:       1,
		InitialDelay:     time.Millisecond,
		MaxDelay:         2 * time.Millisecond,
	}, nil)
}

func TestAIClientComplete(t *testing.T) {
	var got []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("authorization = %q", r.Header.Get("Authorization"))
		}
		got, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"model":"google/gemini-2.5-flash","choices":[{"message":{"role":"assistant","content":"Focus on retention."}}],"usage":{"prompt_tokens":120,"completion_tokens":8}}`)
	}))
	defer srv.Close()

	c := NewAIClient(config.UpstreamConfig{URL: srv.URL, APIKey: "sk-test", Model: "google/gemini-2.5-flash"}, testBreaker(AIGateway), srv.Client())
	out, err := c.Complete(context.Background(), ChatRequest{
		System:   "You are a CFO.",
		Messages: []Message{{Role: "user", Content: "How do I cut churn?"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if out.Text != "Focus on retention." || out.InputTokens != 120 || out.OutputTokens != 8 {
		t.Errorf("completion = %+v", out)
	}
	if m := gjson.GetBytes(got, "model").String(); m != "google/gemini-2.5-flash" {
		t.Errorf("model = %q", m)
	}
	if n := gjson.GetBytes(got, "messages.#").Int(); n != 2 {
		t.Errorf("messages = %d, want system + user", n)
	}
	if r := gjson.GetBytes(got, "messages.0.role").String(); r != "system" {
		t.Errorf("first role = %q", r)
	}
}

func TestAIClientEmptyCompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"choices":[]}`)
	}))
	defer srv.Close()

	b := testBreaker(AIGateway)
	c := NewAIClient(config.UpstreamConfig{URL: srv.URL}, b, srv.Client())
	if _, err := c.Complete(context.Background(), ChatRequest{Messages: []Message{{Role: "user", Content: "hi"}}}); !errors.Is(err, ErrEmptyCompletion) {
		t.Fatalf("err = %v", err)
	}
	if b.Snapshot().TotalFailures != 0 {
		t.Error("a well-formed but empty answer should not count against the breaker")
	}
}

func TestAIClientOpensBreaker(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	b := testBreaker(AIGateway)
	c := NewAIClient(config.UpstreamConfig{URL: srv.URL}, b, srv.Client())
	req := ChatRequest{Messages: []Message{{Role: "user", Content: "hi"}}}

	for i := 0; i < 2; i++ {
		var se *circuitbreaker.StatusError
		if _, err := c.Complete(context.Background(), req); !errors.As(err, &se) {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	before := hits.Load()

	if _, err := c.Complete(context.Background(), req); !errors.Is(err, circuitbreaker.ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
	if hits.Load() != before {
		t.Error("open breaker still reached the provider")
	}
}
