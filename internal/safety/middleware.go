package safety

import (
	"bytes"
	"net/http"
	"strconv"
	"strings"

	"github.com/bossbrainz/guardrail/internal/middleware"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Middleware filters generated output in buffered responses. Plain text
// bodies are filtered whole; JSON bodies only at jsonPaths (gjson syntax).
// Event streams are passed through untouched and must be checked with
// AfterStream once assembled.
func (f *Filter) Middleware(source string, jsonPaths ...string) middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bw := &bufferingWriter{ResponseWriter: w}
			next.ServeHTTP(bw, r)
			if bw.passthrough {
				return
			}
			bw.flush(f.filterBody(source, bw.Header().Get("Content-Type"), bw.buf.Bytes(), jsonPaths))
		})
	}
}

func (f *Filter) filterBody(source, contentType string, body []byte, jsonPaths []string) []byte {
	if len(body) == 0 {
		return body
	}
	ct := strings.ToLower(contentType)

	switch {
	case strings.Contains(ct, "application/json"):
		for _, path := range jsonPaths {
			v := gjson.GetBytes(body, path)
			if v.Type != gjson.String {
				continue
			}
			out := f.Apply(source, v.String())
			if !out.Changed() {
				continue
			}
			if updated, err := sjson.SetBytes(body, path, out.Text); err == nil {
				body = updated
			}
		}
		return body
	case strings.HasPrefix(ct, "text/"):
		out := f.Apply(source, string(body))
		if !out.Changed() {
			return body
		}
		return []byte(out.Text)
	default:
		return body
	}
}

// bufferingWriter holds the body until the handler returns. Once the handler
// declares an event stream it switches to writing straight through.
type bufferingWriter struct {
	http.ResponseWriter
	buf         bytes.Buffer
	statusCode  int
	wroteHeader bool
	passthrough bool
}

func (w *bufferingWriter) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	w.statusCode = code
	if strings.HasPrefix(w.Header().Get("Content-Type"), "text/event-stream") {
		w.passthrough = true
		w.ResponseWriter.WriteHeader(code)
	}
}

func (w *bufferingWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	if w.passthrough {
		return w.ResponseWriter.Write(b)
	}
	return w.buf.Write(b)
}

// Flush is only honoured for event streams.
func (w *bufferingWriter) Flush() {
	if !w.passthrough {
		return
	}
	if fl, ok := w.ResponseWriter.(http.Flusher); ok {
		fl.Flush()
	}
}

func (w *bufferingWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (w *bufferingWriter) flush(body []byte) {
	w.ResponseWriter.Header().Set("Content-Length", strconv.Itoa(len(body)))
	if w.statusCode == 0 {
		w.statusCode = http.StatusOK
	}
	w.ResponseWriter.WriteHeader(w.statusCode)
	w.ResponseWriter.Write(body)
}
