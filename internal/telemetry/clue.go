package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"goa.design/clue/log"
)

// Clue is a Logger/Metrics/Tracer all in one: every call site that wires
// Clue in (cmd/isolad, in particular) constructs the whole triad together
// under a single instrumentation name rather than picking a logger,
// a meter, and a tracer independently, so one struct backing all three
// interfaces matches how it's actually used — the same "one type, several
// interfaces" shape noop's all-discarding counterpart already uses, just
// backed by a real OTEL meter and tracer instead of nothing.
//
// A Sandbox's own run/run_stream span and the started/completed/failed
// counter triad (started from the orchestrator, completed/failed via
// RecordRunOutcome) are the concrete things this type
// exists to carry: Clue doesn't know about EventKind or RunResult, but
// every name and tag it receives for those counters and spans comes
// straight from sandbox.go and orchestrator.go, not from a generic
// instrumentation harness.
type Clue struct {
	meter  metric.Meter
	tracer trace.Tracer
}

// clueSpan wraps an OTEL trace span.
type clueSpan struct {
	span trace.Span
}

// NewClue constructs a Logger, a Metrics recorder, and a Tracer, all backed
// by goa.design/clue/log and OTEL under instrumentationName (typically the
// embedder's module path, e.g. "github.com/brian14708/isola/sandbox").
// Logging reads its formatting/debug settings from the context (set via
// log.Context and log.WithFormat/log.WithDebug); metrics and tracing read
// the global Meter/TracerProvider, configured via
// otel.Set{Meter,Tracer}Provider (typically through
// clue.ConfigureOpenTelemetry or OTEL_EXPORTER_OTLP_ENDPOINT).
func NewClue(instrumentationName string) (Logger, Metrics, Tracer) {
	c := &Clue{
		meter:  otel.Meter(instrumentationName),
		tracer: otel.Tracer(instrumentationName),
	}
	return c, c, c
}

// Debug emits a debug-level log message with structured key-value pairs.
func (*Clue) Debug(ctx context.Context, msg string, keyvals ...any) {
	fielders := append([]log.Fielder{log.KV{K: "msg", V: msg}}, kvSliceToClue(keyvals)...)
	log.Debug(ctx, fielders...)
}

// Info emits an info-level log message with structured key-value pairs.
func (*Clue) Info(ctx context.Context, msg string, keyvals ...any) {
	fielders := append([]log.Fielder{log.KV{K: "msg", V: msg}}, kvSliceToClue(keyvals)...)
	log.Info(ctx, fielders...)
}

// Warn emits a warning-level log message with structured key-value pairs.
func (*Clue) Warn(ctx context.Context, msg string, keyvals ...any) {
	fielders := []log.Fielder{log.KV{K: "msg", V: msg}, log.KV{K: "severity", V: "warning"}}
	fielders = append(fielders, kvSliceToClue(keyvals)...)
	log.Warn(ctx, fielders...)
}

// Error emits an error-level log message with structured key-value pairs.
func (*Clue) Error(ctx context.Context, msg string, keyvals ...any) {
	fielders := append([]log.Fielder{log.KV{K: "msg", V: msg}}, kvSliceToClue(keyvals)...)
	log.Error(ctx, nil, fielders...)
}

// IncCounter increments a counter metric by the given value. Sandbox.Run
// and RunStream both call this indirectly through RecordRunOutcome with
// names like "sandbox.run.completed"/"sandbox.run.failed" tagged by guest
// entry-point name; the counter is created lazily on first use per name.
func (c *Clue) IncCounter(name string, value float64, tags ...string) {
	counter, err := c.meter.Float64Counter(name)
	if err != nil {
		return
	}
	counter.Add(context.Background(), value, metric.WithAttributes(tagsToAttrs(tags)...))
}

// RecordTimer records a duration histogram/timer metric, e.g. the
// "sandbox.run.duration"/"sandbox.run_stream.duration" wall-clock timers
// RecordRunOutcome emits for every completed or failed call.
func (c *Clue) RecordTimer(name string, duration time.Duration, tags ...string) {
	histogram, err := c.meter.Float64Histogram(name)
	if err != nil {
		return
	}
	histogram.Record(context.Background(), duration.Seconds(), metric.WithAttributes(tagsToAttrs(tags)...))
}

// RecordGauge records a point-in-time gauge value, e.g. the
// "sandbox.memory_limit_bytes" ceiling Sandbox.Start reports once per
// start. OTEL doesn't have synchronous gauges; a histogram of width one
// sample per record is the closest stand-in without switching to an
// observable (callback-driven) gauge.
func (c *Clue) RecordGauge(name string, value float64, tags ...string) {
	histogram, err := c.meter.Float64Histogram(name + "_gauge")
	if err != nil {
		return
	}
	histogram.Record(context.Background(), value, metric.WithAttributes(tagsToAttrs(tags)...))
}

// Start creates a new span with the given name and optional attributes,
// returning a new context and the span handle. The orchestrator uses this
// for its per-call "sandbox.run"/"sandbox.run_stream" span and tags it with
// a "guest.call" event naming the invoked entry point.
func (c *Clue) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span) {
	newCtx, span := c.tracer.Start(ctx, name, opts...)
	return newCtx, &clueSpan{span: span}
}

// Span retrieves the current span from the context.
func (*Clue) Span(ctx context.Context) Span {
	return &clueSpan{span: trace.SpanFromContext(ctx)}
}

// End finalizes the span, optionally applying additional options.
func (s *clueSpan) End(opts ...trace.SpanEndOption) {
	s.span.End(opts...)
}

// AddEvent records a span event with the given name and attributes.
func (s *clueSpan) AddEvent(name string, attrs ...any) {
	s.span.AddEvent(name, trace.WithAttributes(kvSliceToAttrs(attrs)...))
}

// SetStatus sets the span status code and description. The orchestrator
// sets this to codes.Error with the guest's diagnostic message whenever a
// run ends in a timeout, cancellation, or guest trap.
func (s *clueSpan) SetStatus(code codes.Code, description string) {
	s.span.SetStatus(code, description)
}

// RecordError records an error on the span with optional attributes.
func (s *clueSpan) RecordError(err error, opts ...trace.EventOption) {
	s.span.RecordError(err, opts...)
}

// kvSliceToClue converts variadic key-value pairs (k1, v1, k2, v2, ...),
// as passed by Logger call sites throughout the sandbox package, into
// Clue's log.Fielder slice. A non-string key is dropped rather than
// coerced, since every call site in this module passes literal string
// keys and a non-string key signals a caller bug.
func kvSliceToClue(keyvals []any) []log.Fielder {
	var fielders []log.Fielder
	for i := 0; i < len(keyvals); i += 2 {
		k, ok := keyvals[i].(string)
		if !ok {
			continue
		}
		var v any
		if i+1 < len(keyvals) {
			v = keyvals[i+1]
		}
		fielders = append(fielders, log.KV{K: k, V: v})
	}
	return fielders
}

// tagsToAttrs converts metric tag pairs (k1, v1, k2, v2, ...) — the
// "name", guest entry-point string pairs RecordRunOutcome and the
// orchestrator's started counters pass — into OTEL attributes. A dangling key without a
// paired value is recorded with an empty string rather than dropped, since
// metric dimensions must stay a fixed key set across calls.
func tagsToAttrs(tags []string) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	for i := 0; i < len(tags); i += 2 {
		v := ""
		if i+1 < len(tags) {
			v = tags[i+1]
		}
		attrs = append(attrs, attribute.String(tags[i], v))
	}
	return attrs
}

// kvSliceToAttrs converts variadic span-event key-value pairs into OTEL
// attributes, type-switching the value so a span.AddEvent("guest.call",
// "name", o.name) call (see orchestrator.go) records a typed string
// attribute instead of a stringified fallback.
func kvSliceToAttrs(keyvals []any) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	for i := 0; i < len(keyvals); i += 2 {
		k, _ := keyvals[i].(string)
		var v any
		if i+1 < len(keyvals) {
			v = keyvals[i+1]
		}
		switch val := v.(type) {
		case string:
			attrs = append(attrs, attribute.String(k, val))
		case int:
			attrs = append(attrs, attribute.Int(k, val))
		case int64:
			attrs = append(attrs, attribute.Int64(k, val))
		case float64:
			attrs = append(attrs, attribute.Float64(k, val))
		case bool:
			attrs = append(attrs, attribute.Bool(k, val))
		default:
			attrs = append(attrs, attribute.String(k, ""))
		}
	}
	return attrs
}
