package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestAccessLogFields(t *testing.T) {
	core, obs := observer.New(zapcore.InfoLevel)

	h := NewChain(
		RequestID(),
		Identity(IdentityConfig{UserHeader: "X-User-ID", TierHeader: "X-User-Tier"}),
		AccessLog(zap.New(core)),
	).Then(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("created"))
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/export?token=secret", nil)
	req.Header.Set("X-User-ID", "user-42")
	req.Header.Set("X-User-Tier", "Pro")
	h.ServeHTTP(httptest.NewRecorder(), req)

	entries := obs.All()
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	if entries[0].Level != zapcore.InfoLevel {
		t.Errorf("level = %v", entries[0].Level)
	}
	fields := entries[0].ContextMap()
	checks := map[string]any{
		"status":     int64(http.StatusCreated),
		"body_bytes": int64(len("created")),
		"user_id":    "user-42",
		"tier":       "pro",
		"path":       "/api/export",
	}
	for k, want := range checks {
		if fields[k] != want {
			t.Errorf("%s = %v, want %v", k, fields[k], want)
		}
	}
	if _, ok := fields["query"]; ok {
		t.Error("query string logged")
	}
	if fields["request_id"] == "" {
		t.Error("request_id missing")
	}
}

func TestAccessLogLevels(t *testing.T) {
	for status, want := range map[int]zapcore.Level{
		http.StatusOK:                  zapcore.InfoLevel,
		http.StatusTooManyRequests:     zapcore.WarnLevel,
		http.StatusForbidden:           zapcore.WarnLevel,
		http.StatusServiceUnavailable:  zapcore.ErrorLevel,
		http.StatusInternalServerError: zapcore.ErrorLevel,
	} {
		core, obs := observer.New(zapcore.DebugLevel)
		h := AccessLog(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/chat", nil))
		if obs.Len() != 1 || obs.All()[0].Level != want {
			t.Errorf("status %d: entries %v, want one at %v", status, obs.All(), want)
		}
	}
}

func TestAccessLogSkipsProbes(t *testing.T) {
	core, obs := observer.New(zapcore.DebugLevel)
	h := AccessLog(zap.New(core), "/health")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))
	if obs.Len() != 0 {
		t.Errorf("got %d entries for a skipped path", obs.Len())
	}
}

func TestResponseRecorder(t *testing.T) {
	rr := httptest.NewRecorder()
	rec := NewResponseRecorder(rr)
	if NewResponseRecorder(rec) != rec {
		t.Error("wrapping a recorder should return it")
	}
	if rec.Committed() || rec.Status() != http.StatusOK {
		t.Errorf("fresh recorder: committed=%v status=%d", rec.Committed(), rec.Status())
	}

	rec.WriteHeader(http.StatusTeapot)
	rec.WriteHeader(http.StatusOK)
	rec.Write([]byte("abc"))
	rec.Flush()

	if rec.Status() != http.StatusTeapot || rec.BytesWritten() != 3 {
		t.Errorf("status=%d bytes=%d", rec.Status(), rec.BytesWritten())
	}
	if !rr.Flushed {
		t.Error("Flush did not reach the underlying writer")
	}
	if rec.Unwrap() != rr {
		t.Error("Unwrap should return the underlying writer")
	}
}
