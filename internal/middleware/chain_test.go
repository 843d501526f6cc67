package middleware

import (
	"net/http"
	"net/http/httptest"
	"slices"
	"testing"
)

func tracing(name string, trail *[]string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			*trail = append(*trail, name+">")
			next.ServeHTTP(w, r)
			*trail = append(*trail, "<"+name)
		})
	}
}

func TestChainOrder(t *testing.T) {
	var trail []string
	h := NewChain(tracing("csrf", &trail), nil, tracing("ratelimit", &trail)).
		Then(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			trail = append(trail, "handler")
		}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/chat", nil))

	want := []string{"csrf>", "ratelimit>", "handler", "<ratelimit", "<csrf"}
	if !slices.Equal(trail, want) {
		t.Errorf("trail = %v, want %v", trail, want)
	}
}

func TestBuilderUseIf(t *testing.T) {
	var trail []string
	h := NewBuilder().
		Use(tracing("recovery", &trail)).
		UseIf(false, tracing("accesslog", &trail)).
		UseIf(true, tracing("requestid", &trail)).
		Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	want := []string{"recovery>", "requestid>", "<requestid", "<recovery"}
	if !slices.Equal(trail, want) {
		t.Errorf("trail = %v, want %v", trail, want)
	}
}

func TestIsMutating(t *testing.T) {
	for method, want := range map[string]bool{
		http.MethodGet:     false,
		http.MethodHead:    false,
		http.MethodOptions: false,
		http.MethodPost:    true,
		http.MethodPut:     true,
		http.MethodPatch:   true,
		http.MethodDelete:  true,
	} {
		if got := IsMutating(method); got != want {
			t.Errorf("IsMutating(%s) = %v, want %v", method, got, want)
		}
	}
}
