package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for clients. Kinds are stable across releases.
type Kind string

const (
	KindValidation          Kind = "validation"
	KindUnauthorized        Kind = "unauthorized"
	KindForbidden           Kind = "forbidden"
	KindRateLimited         Kind = "rate_limited"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	KindSafetyViolation     Kind = "safety_violation"
	KindInfrastructure      Kind = "infrastructure"
)

// APIError represents an error that can be returned to clients.
// The underlying cause is kept for logs and never serialized.
type APIError struct {
	Code       int    `json:"code"`
	Kind       Kind   `json:"kind"`
	Message    string `json:"message"`
	RequestID  string `json:"request_id,omitempty"`
	underlying error
}

func (e *APIError) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.underlying)
	}
	return e.Message
}

func (e *APIError) Unwrap() error {
	return e.underlying
}

// WriteJSON writes the error with its status code. Singletons are written
// from a cached encoding.
func (e *APIError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(e.Code)
	if pre, ok := preSerialized[e]; ok {
		w.Write(pre)
		return
	}
	json.NewEncoder(w).Encode(e)
}

// Client-facing singletons. Messages are generic on purpose; detail goes
// to the logs through the wrapped cause.
var (
	ErrValidation          = base(http.StatusBadRequest, KindValidation, "Invalid request")
	ErrUnauthorized        = base(http.StatusUnauthorized, KindUnauthorized, "Authentication required")
	ErrForbidden           = base(http.StatusForbidden, KindForbidden, "Invalid or missing CSRF token")
	ErrRateLimited         = base(http.StatusTooManyRequests, KindRateLimited, "Too many requests. Please try again later.")
	ErrUpstreamUnavailable = base(http.StatusServiceUnavailable, KindUpstreamUnavailable, "Service temporarily unavailable. Please try again shortly.")
	ErrSafetyViolation     = base(http.StatusUnprocessableEntity, KindSafetyViolation, "The response could not be delivered.")
	ErrInfrastructure      = base(http.StatusInternalServerError, KindInfrastructure, "Internal Server Error")
	ErrNotFound            = base(http.StatusNotFound, KindValidation, "Not Found")
	ErrMethodNotAllowed    = base(http.StatusMethodNotAllowed, KindValidation, "Method Not Allowed")
)

// preSerialized caches the body of each singleton, keyed by pointer.
var preSerialized = map[*APIError][]byte{}

func base(code int, kind Kind, message string) *APIError {
	e := &APIError{Code: code, Kind: kind, Message: message}
	b, _ := json.Marshal(e)
	preSerialized[e] = append(b, '\n')
	return e
}

// New returns an APIError that is not one of the singletons.
func New(code int, kind Kind, message string) *APIError {
	return &APIError{Code: code, Kind: kind, Message: message}
}

func (e *APIError) clone() *APIError {
	c := *e
	return &c
}

// Wrap attaches err as the cause of a copy of public. What the client sees
// does not change.
func Wrap(err error, public *APIError) *APIError {
	c := public.clone()
	c.underlying = err
	return c
}

// WithMessage returns a copy with a different client-facing message.
func (e *APIError) WithMessage(message string) *APIError {
	c := e.clone()
	c.Message = message
	return c
}

// WithRequestID returns a copy carrying the request ID.
func (e *APIError) WithRequestID(requestID string) *APIError {
	c := e.clone()
	c.RequestID = requestID
	return c
}

// As extracts an APIError from an error chain.
func As(err error) (*APIError, bool) {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// KindOf returns the kind of err, or KindInfrastructure for untyped errors.
func KindOf(err error) Kind {
	if ae, ok := As(err); ok {
		return ae.Kind
	}
	return KindInfrastructure
}
