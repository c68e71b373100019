// Package tracing provides OpenTelemetry tracing for idempotent invocations.
//
// One invocation produces an "idem.invoke" span with one "idem.attempt"
// child per transactional session.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys shared by the spans of this package.
const (
	AttrKey       = attribute.Key("idem.key")
	AttrIsolation = attribute.Key("idem.isolation")
	AttrAttempt   = attribute.Key("idem.attempt")
	AttrOutcome   = attribute.Key("idem.outcome")
	AttrReplayed  = attribute.Key("idem.replayed")
	AttrDelayMS   = attribute.Key("idem.retry.delay_ms")
)

// Tracer defines the interface for distributed tracing.
type Tracer interface {
	// StartInvocation starts the span covering every attempt for key.
	StartInvocation(ctx context.Context, key, level string) (context.Context, Span)

	// StartAttempt starts a child span for one transactional session.
	StartAttempt(ctx context.Context, key string, attempt int) (context.Context, Span)
}

// Span represents an active tracing span.
type Span interface {
	// End completes the span.
	End()

	// SetError marks the span as having an error.
	SetError(err error)

	// SetStatus sets the span status.
	SetStatus(code codes.Code, description string)

	// SetAttributes adds attributes to the span.
	SetAttributes(attrs ...attribute.KeyValue)

	// AddEvent adds an event to the span.
	AddEvent(name string, attrs ...attribute.KeyValue)
}

// OTelTracer implements Tracer using OpenTelemetry.
type OTelTracer struct {
	tracer trace.Tracer
}

var _ Tracer = (*OTelTracer)(nil)

// Config holds configuration for OTelTracer.
type Config struct {
	// ServiceName is the instrumentation name.
	ServiceName string
	// TracerProvider is the OpenTelemetry tracer provider. If nil, the global provider is used.
	TracerProvider trace.TracerProvider
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		ServiceName: "idem",
	}
}

// NewOTelTracer creates a new OTelTracer with the given configuration.
func NewOTelTracer(cfg Config) *OTelTracer {
	tp := cfg.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &OTelTracer{tracer: tp.Tracer(cfg.ServiceName)}
}

// StartInvocation starts the invocation span.
func (t *OTelTracer) StartInvocation(ctx context.Context, key, level string) (context.Context, Span) {
	ctx, span := t.tracer.Start(ctx, "idem.invoke",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			AttrKey.String(key),
			AttrIsolation.String(level),
		),
	)
	return ctx, &otelSpan{span: span}
}

// StartAttempt starts an attempt span. Attempts are numbered from 1.
func (t *OTelTracer) StartAttempt(ctx context.Context, key string, attempt int) (context.Context, Span) {
	ctx, span := t.tracer.Start(ctx, "idem.attempt",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			AttrKey.String(key),
			AttrAttempt.Int(attempt),
		),
	)
	return ctx, &otelSpan{span: span}
}

type otelSpan struct {
	span trace.Span
}

func (s *otelSpan) End() {
	s.span.End()
}

func (s *otelSpan) SetError(err error) {
	if err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	}
}

func (s *otelSpan) SetStatus(code codes.Code, description string) {
	s.span.SetStatus(code, description)
}

func (s *otelSpan) SetAttributes(attrs ...attribute.KeyValue) {
	s.span.SetAttributes(attrs...)
}

func (s *otelSpan) AddEvent(name string, attrs ...attribute.KeyValue) {
	s.span.AddEvent(name, trace.WithAttributes(attrs...))
}

// NoopTracer is a no-op implementation of Tracer for testing or when tracing is disabled.
type NoopTracer struct{}

var _ Tracer = (*NoopTracer)(nil)

func (n *NoopTracer) StartInvocation(ctx context.Context, key, level string) (context.Context, Span) {
	return ctx, noopSpan{}
}

func (n *NoopTracer) StartAttempt(ctx context.Context, key string, attempt int) (context.Context, Span) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) End()                                              {}
func (noopSpan) SetError(err error)                                {}
func (noopSpan) SetStatus(code codes.Code, description string)     {}
func (noopSpan) SetAttributes(attrs ...attribute.KeyValue)         {}
func (noopSpan) AddEvent(name string, attrs ...attribute.KeyValue) {}
