package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// noop discards everything it's given. Logger, Metrics, Tracer, and Span
// never share a method name, so one zero-size type can satisfy all four
// without the usual one-struct-per-interface boilerplate.
type noop struct{}

// NoopLogger, NoopMetrics, and NoopTracer are exported aliases for noop,
// kept distinct so a call site can document which dependency it's
// satisfying (sandbox.WithTelemetry takes all three).
type (
	NoopLogger  = noop
	NoopMetrics = noop
	NoopTracer  = noop
)

// NewNoopLogger constructs a Logger that discards all log messages.
// Use this for testing or when logging is not required.
func NewNoopLogger() Logger {
	return noop{}
}

// NewNoopMetrics constructs a Metrics recorder that discards all metrics.
// Use this for testing or when metrics are not required.
func NewNoopMetrics() Metrics {
	return noop{}
}

// NewNoopTracer constructs a Tracer that creates no-op spans.
// Use this for testing or when tracing is not required.
func NewNoopTracer() Tracer {
	return noop{}
}

// Debug discards the log message.
func (noop) Debug(context.Context, string, ...any) {}

// Info discards the log message.
func (noop) Info(context.Context, string, ...any) {}

// Warn discards the log message.
func (noop) Warn(context.Context, string, ...any) {}

// Error discards the log message.
func (noop) Error(context.Context, string, ...any) {}

// IncCounter discards the counter metric.
func (noop) IncCounter(string, float64, ...string) {}

// RecordTimer discards the timer metric.
func (noop) RecordTimer(string, time.Duration, ...string) {}

// RecordGauge discards the gauge metric.
func (noop) RecordGauge(string, float64, ...string) {}

// Start returns a no-op span without modifying the context.
func (noop) Start(ctx context.Context, _ string, _ ...trace.SpanStartOption) (context.Context, Span) {
	return ctx, noop{}
}

// Span returns a no-op span.
func (noop) Span(context.Context) Span {
	return noop{}
}

// End is a no-op.
func (noop) End(...trace.SpanEndOption) {}

// AddEvent is a no-op.
func (noop) AddEvent(string, ...any) {}

// SetStatus is a no-op.
func (noop) SetStatus(codes.Code, string) {}

// RecordError is a no-op.
func (noop) RecordError(error, ...trace.EventOption) {}
