package safety

import (
	"fmt"

	"github.com/bossbrainz/guardrail/internal/logging"
	"github.com/bossbrainz/guardrail/internal/metrics"
	"github.com/bossbrainz/guardrail/internal/webhook"
	"go.uber.org/zap"
)

// SafeMessage replaces any output that contained the leak marker.
const SafeMessage = "I apologize, but I encountered an issue generating that response. Could you rephrase your question?"

// Outcome is what the filter did to one piece of generated text.
type Outcome struct {
	Text         string
	Redaction    RedactionResult
	LeakDetected bool
	// Unfiltered is set when redaction failed and Text is the input as-is.
	Unfiltered bool
}

// Changed reports whether Text differs from the input.
func (o Outcome) Changed() bool {
	return o.LeakDetected || o.Redaction.RedactedCount > 0
}

// Filter applies leak detection and PII redaction to generated output.
type Filter struct {
	leakDetection bool
	collector     *metrics.Collector
	alerts        webhook.Emitter
	scan          func(string) RedactionResult
}

// Option configures a Filter.
type Option func(*Filter)

// WithCollector reports redactions and leaks to Prometheus.
func WithCollector(c *metrics.Collector) Option {
	return func(f *Filter) { f.collector = c }
}

// WithAlerts emits a security.canary_leak event on every leak.
func WithAlerts(e webhook.Emitter) Option {
	return func(f *Filter) { f.alerts = e }
}

// WithLeakDetection toggles the marker check. It is on by default.
func WithLeakDetection(enabled bool) Option {
	return func(f *Filter) { f.leakDetection = enabled }
}

// NewFilter creates a Filter.
func NewFilter(opts ...Option) *Filter {
	f := &Filter{leakDetection: true, scan: Scan}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Apply filters a fully materialized output. source names the producing
// endpoint for logs. A leak replaces the whole text; otherwise PII is
// redacted. Apply never fails: if redaction breaks, the text is returned
// unchanged and a warning is logged.
func (f *Filter) Apply(source, text string) Outcome {
	if f.leakDetection && ContainsLeakMarker(text) {
		f.reportLeak(source, false)
		return Outcome{Text: SafeMessage, Redaction: RedactionResult{Text: SafeMessage}, LeakDetected: true}
	}

	res, ok := f.safeScan(source, text)
	if !ok {
		return Outcome{Text: text, Redaction: res, Unfiltered: true}
	}
	if res.RedactedCount > 0 {
		logging.Warn("PII redacted from generated output",
			zap.String("source", source),
			zap.Int("redacted_count", res.RedactedCount),
			zap.Strings("redacted_types", res.RedactedTypes),
		)
		f.collector.RecordRedactions(res.Counts)
	}
	return Outcome{Text: res.Text, Redaction: res}
}

// AfterStream runs the same checks on text assembled from a stream that has
// already been delivered. The returned Text is what should be persisted.
func (f *Filter) AfterStream(source, assembled string) Outcome {
	if f.leakDetection && ContainsLeakMarker(assembled) {
		f.reportLeak(source, true)
		return Outcome{Text: SafeMessage, Redaction: RedactionResult{Text: SafeMessage}, LeakDetected: true}
	}

	res, ok := f.safeScan(source, assembled)
	if !ok {
		return Outcome{Text: assembled, Redaction: res, Unfiltered: true}
	}
	if res.RedactedCount > 0 {
		logging.Warn("PII detected in streamed output",
			zap.String("source", source),
			zap.Int("redacted_count", res.RedactedCount),
			zap.Strings("redacted_types", res.RedactedTypes),
		)
		f.collector.RecordRedactions(res.Counts)
	}
	return Outcome{Text: res.Text, Redaction: res}
}

func (f *Filter) reportLeak(source string, streamed bool) {
	logging.Error("Leak marker detected in generated output",
		zap.String("source", source),
		zap.Bool("streamed", streamed),
	)
	f.collector.RecordLeak()
	if f.alerts != nil {
		f.alerts.Emit(webhook.NewEvent(webhook.CanaryLeak, source, map[string]any{
			"streamed": streamed,
		}))
	}
}

func (f *Filter) safeScan(source, text string) (res RedactionResult, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			logging.Warn("Redaction failed, output left unfiltered",
				zap.String("source", source),
				zap.String("panic_type", fmt.Sprintf("%T", r)),
			)
			res, ok = RedactionResult{Text: text}, false
		}
	}()
	return f.scan(text), true
}
