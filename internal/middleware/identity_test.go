package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		remote  string
		xff     string
		xri     string
		hops    int
		want    string
	}{
		{"socket peer", "203.0.113.9:5000", "", "", 0, "203.0.113.9"},
		{"xff ignored without trusted hops", "10.0.0.2:5000", "198.51.100.1", "", 0, "10.0.0.2"},
		{"one trusted hop", "10.0.0.2:5000", "198.51.100.1", "", 1, "198.51.100.1"},
		{"spoofed prefix skipped", "10.0.0.2:5000", "6.6.6.6, 198.51.100.1", "", 1, "198.51.100.1"},
		{"more hops than entries", "10.0.0.2:5000", "198.51.100.1", "", 3, "198.51.100.1"},
		{"x-real-ip fallback", "10.0.0.2:5000", "", "198.51.100.7", 1, "198.51.100.7"},
		{"no port", "203.0.113.9", "", "", 0, "203.0.113.9"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remote
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xri != "" {
				req.Header.Set("X-Real-IP", tt.xri)
			}
			if got := ClientIP(req, tt.hops); got != tt.want {
				t.Errorf("ClientIP = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIdentity(t *testing.T) {
	var c Caller
	h := Identity(IdentityConfig{UserHeader: "X-User-ID", TierHeader: "X-User-Tier"})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			c = CallerFromRequest(r)
		}),
	)

	req := httptest.NewRequest("POST", "/api/chat", nil)
	req.RemoteAddr = "203.0.113.9:1234"
	req.Header.Set("X-User-ID", "u-1")
	req.Header.Set("X-User-Tier", "Pro")
	h.ServeHTTP(httptest.NewRecorder(), req)

	if c.UserID != "u-1" || c.Tier != "pro" || c.IP != "203.0.113.9" {
		t.Errorf("caller = %+v", c)
	}
	if c.Key() != "u-1" {
		t.Errorf("Key = %q, want user id", c.Key())
	}

	anon := Caller{IP: "203.0.113.9"}
	if anon.Key() != "203.0.113.9" {
		t.Errorf("anonymous Key = %q, want ip", anon.Key())
	}
}
