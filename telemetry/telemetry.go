// Package telemetry instruments gateway requests through the global
// OpenTelemetry providers. The globals default to no-ops, so the package is
// inert until the process installs a meter or tracer provider (via clue's
// OpenTelemetry configuration or the OTEL_* environment variables).
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"goa.design/aigw/chat"
)

const scopeName = "goa.design/aigw"

// Recorder counts requests, times them and attributes token usage. The zero
// value is not usable; construct with NewRecorder.
type Recorder struct {
	tracer trace.Tracer

	requests   metric.Int64Counter
	duration   metric.Float64Histogram
	promptToks metric.Int64Counter
	outputToks metric.Int64Counter
}

// NewRecorder builds a Recorder on the global OpenTelemetry providers.
func NewRecorder() *Recorder {
	meter := otel.Meter(scopeName)
	r := &Recorder{tracer: otel.Tracer(scopeName)}
	r.requests, _ = meter.Int64Counter("aigw.requests",
		metric.WithDescription("Chat completion requests by provider, model and status."))
	r.duration, _ = meter.Float64Histogram("aigw.request.duration",
		metric.WithDescription("End-to-end request latency."),
		metric.WithUnit("s"))
	r.promptToks, _ = meter.Int64Counter("aigw.tokens.prompt",
		metric.WithDescription("Prompt tokens reported by providers."))
	r.outputToks, _ = meter.Int64Counter("aigw.tokens.completion",
		metric.WithDescription("Completion tokens reported by providers."))
	return r
}

// Start opens a span for a request phase. Callers must End the span.
func (r *Recorder) Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return r.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// Request records one finished request. usage may be nil when the provider
// did not report token counts.
func (r *Recorder) Request(ctx context.Context, provider, model, status string, d time.Duration, u *chat.Usage) {
	attrs := metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("model", model),
		attribute.String("status", status),
	)
	if r.requests != nil {
		r.requests.Add(ctx, 1, attrs)
	}
	if r.duration != nil {
		r.duration.Record(ctx, d.Seconds(), attrs)
	}
	if u == nil {
		return
	}
	tokAttrs := metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("model", model),
	)
	if r.promptToks != nil && u.PromptTokens > 0 {
		r.promptToks.Add(ctx, int64(u.PromptTokens), tokAttrs)
	}
	if r.outputToks != nil && u.CompletionTokens > 0 {
		r.outputToks.Add(ctx, int64(u.CompletionTokens), tokAttrs)
	}
}
