package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// otelSpan adapts an otel trace.Span to the narrower Span interface every
// component codes against.
type otelSpan struct {
	span trace.Span
}

func (s otelSpan) End() { s.span.End() }

func (s otelSpan) SetAttribute(key string, value interface{}) {
	switch v := value.(type) {
	case string:
		s.span.SetAttributes(attribute.String(key, v))
	case int:
		s.span.SetAttributes(attribute.Int(key, v))
	case int64:
		s.span.SetAttributes(attribute.Int64(key, v))
	case float64:
		s.span.SetAttributes(attribute.Float64(key, v))
	case bool:
		s.span.SetAttributes(attribute.Bool(key, v))
	default:
		s.span.SetAttributes(attribute.String(key, toString(v)))
	}
}

func (s otelSpan) AddEvent(name string, attributes map[string]interface{}) {
	attrs := make([]attribute.KeyValue, 0, len(attributes))
	for k, v := range attributes {
		attrs = append(attrs, attribute.String(k, toString(v)))
	}
	s.span.AddEvent(name, trace.WithAttributes(attrs...))
}

func (s otelSpan) RecordError(err error) {
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
}

func (s otelSpan) SpanContext() trace.SpanContext { return s.span.SpanContext() }

func toString(v interface{}) string {
	if stringer, ok := v.(interface{ String() string }); ok {
		return stringer.String()
	}
	return ""
}

// OtelTracer implements Tracer over an otel TracerProvider's named tracer.
type OtelTracer struct {
	tracer trace.Tracer
}

// NewOtelTracer wraps the global otel TracerProvider's tracer for the given
// instrumentation name (e.g. "cachemesh/scheduler").
func NewOtelTracer(instrumentationName string) *OtelTracer {
	return &OtelTracer{tracer: otel.Tracer(instrumentationName)}
}

func (t *OtelTracer) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	ctx, span := t.tracer.Start(ctx, name)
	return ctx, otelSpan{span: span}
}

// NoopTracer discards every span; used when tracing is disabled.
type NoopTracer struct{}

type noopSpan struct{}

func (noopSpan) End()                                              {}
func (noopSpan) SetAttribute(string, interface{})                  {}
func (noopSpan) AddEvent(string, map[string]interface{})           {}
func (noopSpan) RecordError(error)                                 {}
func (noopSpan) SpanContext() trace.SpanContext                    { return trace.SpanContext{} }

func (NoopTracer) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	return ctx, noopSpan{}
}
