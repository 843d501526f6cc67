package webhook

import (
	"strings"
	"time"
)

// EventType represents an alert event type.
type EventType string

const (
	CanaryLeak            EventType = "security.canary_leak"
	CircuitBreakerOpened  EventType = "circuit_breaker.opened"
	CircuitBreakerClosed  EventType = "circuit_breaker.closed"
	CostThresholdExceeded EventType = "cost.threshold_exceeded"
	StoreDegraded         EventType = "ratelimit.store_degraded"
)

// Event is the alert payload.
type Event struct {
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Source    string         `json:"source,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// NewEvent creates a new Event with the current timestamp. source names the
// component or dependency that raised it.
func NewEvent(typ EventType, source string, data map[string]any) *Event {
	return &Event{
		Type:      typ,
		Timestamp: time.Now().UTC(),
		Source:    source,
		Data:      data,
	}
}

// Emitter accepts events for asynchronous delivery.
type Emitter interface {
	Emit(event *Event)
}

// matchesPattern checks if an event type matches a subscription pattern.
// Supports exact match and wildcard prefix (e.g., "security.*" matches
// "security.canary_leak"). "*" matches everything.
func matchesPattern(eventType EventType, pattern string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, ".*") {
		prefix := strings.TrimSuffix(pattern, ".*")
		return strings.HasPrefix(string(eventType), prefix+".")
	}
	return string(eventType) == pattern
}
