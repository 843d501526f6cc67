package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/bossbrainz/guardrail/internal/errors"
	"github.com/bossbrainz/guardrail/internal/middleware"
	"github.com/bossbrainz/guardrail/internal/middleware/securityheaders"
	"github.com/julienschmidt/httprouter"
)

// JSON paths in handler responses that carry generated text.
var generatedPaths = []string{"message"}

func (s *Server) routes() http.Handler {
	r := httprouter.New()
	r.RedirectTrailingSlash = false
	r.HandleMethodNotAllowed = true
	r.NotFound = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		errors.ErrNotFound.WithRequestID(middleware.GetRequestID(req)).WriteJSON(w)
	})
	r.MethodNotAllowed = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		errors.ErrMethodNotAllowed.WithRequestID(middleware.GetRequestID(req)).WriteJSON(w)
	})

	token := s.guard.TokenHandler()
	r.Handler(http.MethodGet, "/csrf-token", s.instrument("/csrf-token", token))
	r.Handler(http.MethodGet, "/api/csrf", s.instrument("/api/csrf", token))
	r.Handler(http.MethodGet, "/health", s.instrument("/health", s.health.Handler()))
	r.Handler(http.MethodGet, "/metrics", s.collector.Handler())

	r.Handler(http.MethodPost, "/api/chat", s.protected("/api/chat", "chat",
		s.filter.Middleware("chat", generatedPaths...)(http.HandlerFunc(s.handleChat))))
	r.Handler(http.MethodPost, "/api/voice/tts", s.protected("/api/voice/tts", "tts", http.HandlerFunc(s.handleTTS)))
	r.Handler(http.MethodPost, "/api/export", s.protected("/api/export", "export", http.HandlerFunc(s.handleExport)))
	for _, action := range []string{"login", "signup", "reset"} {
		path := "/api/auth/" + action
		r.Handler(http.MethodPost, path, s.protected(path, action, s.handleAuth(action)))
	}

	admin := middleware.NewChain(s.requireAdmin)
	adminRoute := func(method, path string, h http.HandlerFunc) {
		r.Handler(method, path, s.instrument(path, admin.Then(h)))
	}
	adminRoute(http.MethodGet, "/admin/ratelimit/:namespace/:identity", s.handleRateLimitCount)
	adminRoute(http.MethodDelete, "/admin/ratelimit/:namespace/:identity", s.handleRateLimitReset)
	adminRoute(http.MethodGet, "/admin/breakers", s.handleBreakers)
	adminRoute(http.MethodGet, "/admin/costs", s.handleCosts)
	adminRoute(http.MethodGet, "/admin/alerts", s.handleAlerts)
	adminRoute(http.MethodGet, "/admin/csrf", s.handleCSRFStatus)
	adminRoute(http.MethodGet, "/admin/config", s.handleConfig)

	return middleware.NewBuilder().
		Use(middleware.Recovery()).
		Use(middleware.RequestID()).
		Use(securityheaders.New(s.cfg.Security.Headers, s.resolved.SecureCookie).Middleware()).
		Use(middleware.Identity(middleware.IdentityConfig{
			UserHeader:     s.cfg.Server.UserHeader,
			TierHeader:     s.cfg.Server.TierHeader,
			TrustedProxies: s.cfg.Server.TrustedProxies,
		})).
		UseIf(s.cfg.Logging.AccessLog, middleware.Logging()).
		Handler(r)
}

// protected runs h behind the body cap, the CSRF guard and the namespace's
// rate limit, in that order.
func (s *Server) protected(route, namespace string, h http.Handler) http.Handler {
	return s.instrument(route, middleware.NewChain(
		s.maxBody,
		s.guard.Middleware(),
		s.limiter.Middleware(namespace),
	).Then(h))
}

func (s *Server) maxBody(next http.Handler) http.Handler {
	limit := s.cfg.Server.MaxBodyBytes
	if limit <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, limit)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		want := s.cfg.Admin.Token
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if want == "" || !ok || subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			errors.ErrUnauthorized.WithRequestID(middleware.GetRequestID(r)).WriteJSON(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// instrument records request count and latency under the route pattern.
func (s *Server) instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := middleware.NewResponseRecorder(w)
		next.ServeHTTP(rec, r)
		s.collector.RecordRequest(route, r.Method, rec.Status(), time.Since(start))
	})
}
