// Package securityheaders stamps browser hardening headers on responses.
package securityheaders

import (
	"net/http"
	"sort"

	"github.com/bossbrainz/guardrail/config"
	"github.com/bossbrainz/guardrail/internal/middleware"
)

type header struct {
	name, value string
}

// Headers is the compiled header set.
type Headers struct {
	list []header
}

// New compiles cfg. Strict-Transport-Security is dropped unless https is
// true, since browsers ignore it over plain HTTP and it breaks local setups.
func New(cfg config.HeadersConfig, https bool) *Headers {
	h := &Headers{}
	if !cfg.Enabled {
		return h
	}
	add := func(name, value string) {
		if value != "" {
			h.list = append(h.list, header{name, value})
		}
	}
	add("Content-Security-Policy", cfg.ContentSecurityPolicy)
	add("X-Frame-Options", cfg.FrameOptions)
	add("X-Content-Type-Options", cfg.ContentTypeOptions)
	add("Referrer-Policy", cfg.ReferrerPolicy)
	add("Permissions-Policy", cfg.PermissionsPolicy)
	if https {
		add("Strict-Transport-Security", cfg.StrictTransportSecurity)
	}

	custom := make([]string, 0, len(cfg.Custom))
	for name := range cfg.Custom {
		custom = append(custom, name)
	}
	sort.Strings(custom)
	for _, name := range custom {
		add(http.CanonicalHeaderKey(name), cfg.Custom[name])
	}
	return h
}

// Names lists the headers that will be sent, in order.
func (h *Headers) Names() []string {
	names := make([]string, len(h.list))
	for i, hd := range h.list {
		names[i] = hd.name
	}
	return names
}

// Middleware sets the headers before the handler runs so they are present
// on every response, errors included. A handler may still override one.
func (h *Headers) Middleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		if len(h.list) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			dst := w.Header()
			for _, hd := range h.list {
				dst.Set(hd.name, hd.value)
			}
			next.ServeHTTP(w, r)
		})
	}
}
