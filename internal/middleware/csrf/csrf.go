package csrf

import (
	"crypto/subtle"
	"net/http"
	"path/filepath"
	"time"

	"github.com/bossbrainz/guardrail/config"
	"github.com/bossbrainz/guardrail/internal/errors"
	"github.com/bossbrainz/guardrail/internal/logging"
	"github.com/bossbrainz/guardrail/internal/metrics"
	"github.com/bossbrainz/guardrail/internal/middleware"
	"go.uber.org/zap"
)

// Rejection reasons, used in logs and metrics only. Clients always receive
// the same generic forbidden body.
const (
	ReasonCookieMissing    = "cookie_missing"
	ReasonHeaderMissing    = "header_missing"
	ReasonLengthMismatch   = "length_mismatch"
	ReasonTokenMismatch    = "token_mismatch"
	ReasonInvalidSignature = "invalid_signature"
)

// Guard enforces double-submit anti-forgery tokens: the token in the cookie
// must equal the token in the header, and must carry a valid signature.
type Guard struct {
	codec       *Codec
	cookieName  string
	headerName  string
	cookiePath  string
	maxAge      time.Duration
	secure      bool
	shadowMode  bool
	exemptPaths []string
	metrics     *CSRFMetrics
	collector   *metrics.Collector
}

// Option configures a Guard.
type Option func(*Guard)

// WithCollector reports check outcomes to Prometheus.
func WithCollector(c *metrics.Collector) Option {
	return func(g *Guard) { g.collector = c }
}

// NewGuard creates a Guard from config. secureCookie is resolved from the
// deployment profile at startup.
func NewGuard(codec *Codec, cfg config.CSRFConfig, secureCookie bool, opts ...Option) *Guard {
	cookieName := cfg.CookieName
	if cookieName == "" {
		cookieName = "__csrf"
	}
	headerName := cfg.HeaderName
	if headerName == "" {
		headerName = "x-csrf-token"
	}
	cookiePath := cfg.CookiePath
	if cookiePath == "" {
		cookiePath = "/"
	}
	maxAge := cfg.CookieMaxAge
	if maxAge == 0 {
		maxAge = 24 * time.Hour
	}

	g := &Guard{
		codec:       codec,
		cookieName:  cookieName,
		headerName:  headerName,
		cookiePath:  cookiePath,
		maxAge:      maxAge,
		secure:      secureCookie,
		shadowMode:  cfg.ShadowMode,
		exemptPaths: cfg.ExemptPaths,
		metrics:     &CSRFMetrics{},
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Check validates the request's cookie and header tokens. It has no side
// effects beyond counters, so calling it twice gives the same answer.
func (g *Guard) Check(r *http.Request) (ok bool, reason string) {
	cookieToken := ""
	if c, err := r.Cookie(g.cookieName); err == nil {
		cookieToken = c.Value
	}
	headerToken := r.Header.Get(g.headerName)

	switch {
	case cookieToken == "":
		return false, ReasonCookieMissing
	case headerToken == "":
		return false, ReasonHeaderMissing
	case len(cookieToken) != len(headerToken):
		return false, ReasonLengthMismatch
	case subtle.ConstantTimeCompare([]byte(cookieToken), []byte(headerToken)) != 1:
		return false, ReasonTokenMismatch
	case !g.codec.Validate(cookieToken):
		return false, ReasonInvalidSignature
	}
	return true, ""
}

// Middleware rejects mutating requests that fail Check with 403. Safe
// methods and exempt paths pass through untouched.
func (g *Guard) Middleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !middleware.IsMutating(r.Method) || g.isExemptPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			g.metrics.TotalChecks.Add(1)
			ok, reason := g.Check(r)
			if ok {
				g.metrics.Accepted.Add(1)
				g.collector.RecordCSRF("accepted")
				next.ServeHTTP(w, r)
				return
			}

			g.metrics.record(reason)
			g.collector.RecordCSRF(reason)

			if g.shadowMode {
				logging.Warn("CSRF check failed (shadow mode)",
					zap.String("request_id", middleware.GetRequestID(r)),
					zap.String("path", r.URL.Path),
					zap.String("reason", reason),
				)
				next.ServeHTTP(w, r)
				return
			}

			logging.Warn("CSRF check failed",
				zap.String("request_id", middleware.GetRequestID(r)),
				zap.String("path", r.URL.Path),
				zap.String("reason", reason),
			)
			errors.ErrForbidden.WithRequestID(middleware.GetRequestID(r)).WriteJSON(w)
		})
	}
}

// Issue returns the caller's current token if its cookie still validates,
// otherwise generates a new token and sets the cookie.
func (g *Guard) Issue(w http.ResponseWriter, r *http.Request) (string, error) {
	if c, err := r.Cookie(g.cookieName); err == nil && g.codec.Validate(c.Value) {
		return c.Value, nil
	}

	token, err := g.codec.Generate()
	if err != nil {
		return "", err
	}
	g.metrics.TokenGenerated.Add(1)
	http.SetCookie(w, &http.Cookie{
		Name:     g.cookieName,
		Value:    token,
		Path:     g.cookiePath,
		Secure:   g.secure,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   int(g.maxAge.Seconds()),
	})
	return token, nil
}

// Status returns the admin status snapshot.
func (g *Guard) Status() CSRFStatus {
	return CSRFStatus{
		CookieName:       g.cookieName,
		HeaderName:       g.headerName,
		ShadowMode:       g.shadowMode,
		TotalChecks:      g.metrics.TotalChecks.Load(),
		TokenGenerated:   g.metrics.TokenGenerated.Load(),
		Accepted:         g.metrics.Accepted.Load(),
		Rejected:         g.metrics.Rejected.Load(),
		MissingToken:     g.metrics.MissingToken.Load(),
		Mismatch:         g.metrics.Mismatch.Load(),
		InvalidSignature: g.metrics.InvalidSignature.Load(),
	}
}

// isExemptPath checks if the request path matches any exempt pattern.
func (g *Guard) isExemptPath(path string) bool {
	for _, pattern := range g.exemptPaths {
		if matched, _ := filepath.Match(pattern, path); matched {
			return true
		}
	}
	return false
}
