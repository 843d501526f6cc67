package middleware

import (
	"net/http"
	"time"

	"github.com/bossbrainz/guardrail/internal/logging"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logging is AccessLog on the global logger, skipping probe endpoints.
func Logging() Middleware {
	return AccessLog(nil, "/health", "/metrics")
}

// AccessLog writes one entry per request to logger, or the global logger
// when logger is nil. 5xx responses log at error level and 4xx at warn.
// Query strings and bodies are never logged since they can carry tokens and
// user text.
func AccessLog(logger *zap.Logger, skip ...string) Middleware {
	skipped := make(map[string]struct{}, len(skip))
	for _, p := range skip {
		skipped[p] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skipped[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			rec := NewResponseRecorder(w)
			next.ServeHTTP(rec, r)

			caller := CallerFromRequest(r)
			fields := make([]zap.Field, 0, 10)
			fields = append(fields,
				zap.String("request_id", GetRequestID(r)),
				zap.String("client_ip", caller.IP),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rec.Status()),
				zap.Int64("body_bytes", rec.BytesWritten()),
				zap.Duration("latency", time.Since(start)),
			)
			if caller.UserID != "" {
				fields = append(fields, zap.String("user_id", caller.UserID))
			}
			if caller.Tier != "" {
				fields = append(fields, zap.String("tier", caller.Tier))
			}

			l := logger
			if l == nil {
				l = logging.Global()
			}
			if ce := l.Check(accessLevel(rec.Status()), "HTTP request"); ce != nil {
				ce.Write(fields...)
			}
		})
	}
}

func accessLevel(status int) zapcore.Level {
	switch {
	case status >= 500:
		return zapcore.ErrorLevel
	case status >= 400:
		return zapcore.WarnLevel
	}
	return zapcore.InfoLevel
}
