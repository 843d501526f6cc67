package securityheaders

import (
	"net/http"
	"net/http/httptest"
	"slices"
	"testing"

	"github.com/bossbrainz/guardrail/config"
)

func serve(h *Headers, handler http.HandlerFunc) http.Header {
	rr := httptest.NewRecorder()
	h.Middleware()(handler).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/csrf", nil))
	return rr.Header()
}

func TestDefaults(t *testing.T) {
	cfg := config.DefaultConfig().Security.Headers

	got := serve(New(cfg, false), func(w http.ResponseWriter, r *http.Request) {})
	for name, want := range map[string]string{
		"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'",
		"X-Frame-Options":         "DENY",
		"X-Content-Type-Options":  "nosniff",
		"Referrer-Policy":         "strict-origin-when-cross-origin",
		"Permissions-Policy":      "camera=(), microphone=(), geolocation=()",
	} {
		if got.Get(name) != want {
			t.Errorf("%s = %q, want %q", name, got.Get(name), want)
		}
	}
	if got.Get("Strict-Transport-Security") != "" {
		t.Error("HSTS sent without https")
	}

	got = serve(New(cfg, true), func(w http.ResponseWriter, r *http.Request) {})
	if got.Get("Strict-Transport-Security") == "" {
		t.Error("HSTS missing with https")
	}
}

func TestCustomAndOverride(t *testing.T) {
	cfg := config.HeadersConfig{
		Enabled:      true,
		FrameOptions: "DENY",
		Custom:       map[string]string{"x-robots-tag": "noindex", "cross-origin-opener-policy": "same-origin"},
	}
	h := New(cfg, false)

	want := []string{"X-Frame-Options", "Cross-Origin-Opener-Policy", "X-Robots-Tag"}
	if !slices.Equal(h.Names(), want) {
		t.Errorf("Names() = %v, want %v", h.Names(), want)
	}

	got := serve(h, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Frame-Options", "SAMEORIGIN")
	})
	if got.Get("X-Frame-Options") != "SAMEORIGIN" {
		t.Errorf("handler override lost: %q", got.Get("X-Frame-Options"))
	}
	if got.Get("X-Robots-Tag") != "noindex" {
		t.Errorf("custom header = %q", got.Get("X-Robots-Tag"))
	}
}

func TestDisabled(t *testing.T) {
	h := New(config.HeadersConfig{FrameOptions: "DENY"}, true)
	if len(h.Names()) != 0 {
		t.Errorf("disabled set has headers %v", h.Names())
	}
	if got := serve(h, func(w http.ResponseWriter, r *http.Request) {}); got.Get("X-Frame-Options") != "" {
		t.Error("disabled set still wrote headers")
	}
}
