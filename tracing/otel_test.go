package tracing

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestTracer(t *testing.T) (*OTelTracer, *tracetest.InMemoryExporter) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	return NewOTelTracer(Config{ServiceName: "test-idem", TracerProvider: tp}), exporter
}

func attrValue(attrs []attribute.KeyValue, key attribute.Key) (attribute.Value, bool) {
	for _, kv := range attrs {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestOTelTracer_StartInvocation(t *testing.T) {
	tracer, exporter := newTestTracer(t)

	_, span := tracer.StartInvocation(context.Background(), "key-1", "SERIALIZABLE")
	span.End()

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	s := spans[0]
	if s.Name != "idem.invoke" {
		t.Errorf("expected span name 'idem.invoke', got '%s'", s.Name)
	}
	if v, ok := attrValue(s.Attributes, AttrKey); !ok || v.AsString() != "key-1" {
		t.Errorf("expected idem.key 'key-1', got %v", v.Emit())
	}
	if v, ok := attrValue(s.Attributes, AttrIsolation); !ok || v.AsString() != "SERIALIZABLE" {
		t.Errorf("expected idem.isolation 'SERIALIZABLE', got %v", v.Emit())
	}
}

func TestOTelTracer_AttemptIsChildOfInvocation(t *testing.T) {
	tracer, exporter := newTestTracer(t)

	ctx, inv := tracer.StartInvocation(context.Background(), "key-1", "READ_COMMITTED")
	_, first := tracer.StartAttempt(ctx, "key-1", 1)
	first.End()
	_, second := tracer.StartAttempt(ctx, "key-1", 2)
	second.End()
	inv.End()

	spans := exporter.GetSpans()
	if len(spans) != 3 {
		t.Fatalf("expected 3 spans, got %d", len(spans))
	}

	var root *tracetest.SpanStub
	for i := range spans {
		if spans[i].Name == "idem.invoke" {
			root = &spans[i]
		}
	}
	if root == nil {
		t.Fatal("idem.invoke span not found")
	}

	attempts := 0
	for _, s := range spans {
		if s.Name != "idem.attempt" {
			continue
		}
		attempts++
		if s.Parent.SpanID() != root.SpanContext.SpanID() {
			t.Errorf("attempt span parent %s, want %s", s.Parent.SpanID(), root.SpanContext.SpanID())
		}
		if v, ok := attrValue(s.Attributes, AttrAttempt); !ok || v.AsInt64() < 1 {
			t.Errorf("expected positive idem.attempt, got %v", v.Emit())
		}
	}
	if attempts != 2 {
		t.Errorf("expected 2 attempt spans, got %d", attempts)
	}
}

func TestOTelTracer_SpanSetError(t *testing.T) {
	tracer, exporter := newTestTracer(t)

	_, span := tracer.StartAttempt(context.Background(), "key-1", 1)
	span.SetError(errors.New("serialization failure"))
	span.End()

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Status.Code != codes.Error {
		t.Errorf("expected error status, got %v", spans[0].Status.Code)
	}
	if len(spans[0].Events) != 1 || spans[0].Events[0].Name != "exception" {
		t.Errorf("expected one exception event, got %v", spans[0].Events)
	}
}

func TestOTelTracer_SpanSetErrorNil(t *testing.T) {
	tracer, exporter := newTestTracer(t)

	_, span := tracer.StartAttempt(context.Background(), "key-1", 1)
	span.SetError(nil)
	span.End()

	if code := exporter.GetSpans()[0].Status.Code; code != codes.Unset {
		t.Errorf("expected unset status, got %v", code)
	}
}

func TestOTelTracer_SpanAttributesAndEvents(t *testing.T) {
	tracer, exporter := newTestTracer(t)

	_, span := tracer.StartInvocation(context.Background(), "key-1", "SERIALIZABLE")
	span.SetAttributes(AttrReplayed.Bool(true), AttrOutcome.String("COMMITTED"))
	span.AddEvent("retry.scheduled", AttrDelayMS.Int64(500))
	span.SetStatus(codes.Ok, "")
	span.End()

	s := exporter.GetSpans()[0]
	if v, ok := attrValue(s.Attributes, AttrReplayed); !ok || !v.AsBool() {
		t.Error("expected idem.replayed=true")
	}
	if v, ok := attrValue(s.Attributes, AttrOutcome); !ok || v.AsString() != "COMMITTED" {
		t.Errorf("expected idem.outcome COMMITTED, got %v", v.Emit())
	}
	if len(s.Events) != 1 || s.Events[0].Name != "retry.scheduled" {
		t.Fatalf("expected retry.scheduled event, got %v", s.Events)
	}
	if v, ok := attrValue(s.Events[0].Attributes, AttrDelayMS); !ok || v.AsInt64() != 500 {
		t.Errorf("expected delay 500, got %v", v.Emit())
	}
	if s.Status.Code != codes.Ok {
		t.Errorf("expected Ok status, got %v", s.Status.Code)
	}
}

func TestNoopTracer(t *testing.T) {
	tracer := &NoopTracer{}

	ctx, inv := tracer.StartInvocation(context.Background(), "key-1", "SERIALIZABLE")
	_, attempt := tracer.StartAttempt(ctx, "key-1", 1)
	attempt.SetAttributes(attribute.String("k", "v"))
	attempt.AddEvent("event")
	attempt.SetError(errors.New("error"))
	attempt.SetStatus(codes.Error, "error")
	attempt.End()
	inv.End()
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.ServiceName != "idem" {
		t.Errorf("expected ServiceName 'idem', got '%s'", cfg.ServiceName)
	}
	if cfg.TracerProvider != nil {
		t.Error("expected TracerProvider to be nil")
	}
}
