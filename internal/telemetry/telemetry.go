// Package telemetry integrates the sandbox engine with Clue tracing and
// metrics. The engine depends only on the interfaces below so tests and
// embedders can supply lightweight stubs instead of a live OTEL pipeline.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Logger captures structured logging used throughout the engine.
// Implementations typically delegate to Clue but the interface is
// intentionally small so tests can provide lightweight stubs.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

// Metrics exposes counter and histogram helpers for engine instrumentation.
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
	RecordTimer(name string, duration time.Duration, tags ...string)
	RecordGauge(name string, value float64, tags ...string)
}

// Tracer abstracts span creation so engine code can remain agnostic of the
// underlying OpenTelemetry provider. Uses OTEL option types for type safety.
type Tracer interface {
	Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
	Span(ctx context.Context) Span
}

// Span represents an in-flight tracing span.
//
// Example usage:
//
//	ctx, span := tracer.Start(ctx, "operation", trace.WithSpanKind(trace.SpanKindClient))
//	defer span.End()
//	span.SetStatus(codes.Ok, "completed successfully")
type Span interface {
	End(opts ...trace.SpanEndOption)
	AddEvent(name string, attrs ...any)
	SetStatus(code codes.Code, description string)
	RecordError(err error, opts ...trace.EventOption)
}

// RecordRunOutcome records the duration timer and the completed or failed
// counter shared by every sandboxed call, keyed by the guest entry point
// name. The matching started counter is recorded by the caller when the
// call begins. Run and RunStream both funnel their outcome through this so
// the two call paths stay metric-compatible with each other.
func RecordRunOutcome(m Metrics, prefix, name string, start time.Time, err error) {
	m.RecordTimer(prefix+".duration", time.Since(start), "name", name)
	if err != nil {
		m.IncCounter(prefix+".failed", 1, "name", name)
		return
	}
	m.IncCounter(prefix+".completed", 1, "name", name)
}
