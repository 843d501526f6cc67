package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/bossbrainz/guardrail/internal/errors"
	"github.com/bossbrainz/guardrail/internal/logging"
	"go.uber.org/zap"
)

// Recovery turns a handler panic into a 500 infrastructure error. The panic
// value and stack are logged and never reach the client. When the handler
// had already committed a response nothing more is written.
func Recovery() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := NewResponseRecorder(w)
			defer func() {
				v := recover()
				if v == nil {
					return
				}
				if v == http.ErrAbortHandler {
					panic(v)
				}
				logging.Error("Panic recovered",
					zap.String("request_id", rec.Header().Get(RequestIDHeader)),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Any("panic", v),
					zap.ByteString("stack", debug.Stack()),
				)
				if rec.Committed() {
					return
				}
				errors.ErrInfrastructure.WithRequestID(rec.Header().Get(RequestIDHeader)).WriteJSON(rec)
			}()
			next.ServeHTTP(rec, r)
		})
	}
}
