package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"
)

// Caller identifies who is making a request. UserID is set by the
// authentication layer in front of us and is empty for anonymous callers.
type Caller struct {
	UserID string
	Tier   string
	IP     string
}

// Key returns the identity used for per-caller accounting: the user ID when
// authenticated, otherwise the client IP.
func (c Caller) Key() string {
	if c.UserID != "" {
		return c.UserID
	}
	return c.IP
}

type callerKey struct{}

// IdentityConfig names the headers the upstream auth layer populates.
type IdentityConfig struct {
	UserHeader string
	TierHeader string
	// TrustedProxies is the number of X-Forwarded-For hops added by our own
	// proxies. Zero means the socket peer address is used.
	TrustedProxies int
}

// Identity resolves the Caller once per request and stores it in the context.
func Identity(cfg IdentityConfig) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			c := Caller{IP: ClientIP(r, cfg.TrustedProxies)}
			if cfg.UserHeader != "" {
				c.UserID = strings.TrimSpace(r.Header.Get(cfg.UserHeader))
			}
			if cfg.TierHeader != "" {
				c.Tier = strings.ToLower(strings.TrimSpace(r.Header.Get(cfg.TierHeader)))
			}
			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), c)))
		})
	}
}

// WithCaller stores c in ctx.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFromRequest returns the resolved Caller, deriving one from the
// socket address if the Identity middleware did not run.
func CallerFromRequest(r *http.Request) Caller {
	if c, ok := r.Context().Value(callerKey{}).(Caller); ok {
		return c
	}
	return Caller{IP: ClientIP(r, 0)}
}

// ClientIP returns the client address. With trustedHops > 0 it walks
// X-Forwarded-For from the right, skipping our own proxies.
func ClientIP(r *http.Request, trustedHops int) string {
	if trustedHops > 0 {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			parts := strings.Split(xff, ",")
			idx := len(parts) - trustedHops
			if idx < 0 {
				idx = 0
			}
			if ip := strings.TrimSpace(parts[idx]); ip != "" {
				return ip
			}
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return strings.TrimSpace(xri)
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
