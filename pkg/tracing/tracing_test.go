package tracing

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.ServiceName != "duocall" {
		t.Errorf("expected service name 'duocall', got '%s'", cfg.ServiceName)
	}
	if cfg.Exporter != ExporterJaeger {
		t.Errorf("expected jaeger exporter, got %s", cfg.Exporter)
	}
	if cfg.SampleRate != 1.0 {
		t.Errorf("expected sample rate 1.0, got %f", cfg.SampleRate)
	}
	if cfg.Enabled {
		t.Error("tracing should be disabled by default")
	}
}

func TestInitDisabled(t *testing.T) {
	tp, err := Init(context.Background(), DefaultConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := tp.Shutdown(context.Background()); err != nil {
		t.Errorf("shutdown of disabled provider failed: %v", err)
	}
}

func TestInitUnknownExporter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Exporter = "zipkin"
	if _, err := Init(context.Background(), cfg); err == nil {
		t.Error("expected error for unknown exporter")
	}
}

func TestStartSpan(t *testing.T) {
	ctx, span := StartSpan(context.Background(), "test.operation")
	if span == nil {
		t.Fatal("expected non-nil span")
	}
	span.End()
	if TraceIDFromContext(ctx) != "" {
		t.Error("no-op provider should not produce trace ids")
	}
}

func TestSpanHelpers(t *testing.T) {
	ctx := context.Background()

	_, span := TraceHTTPRequest(ctx, "POST", "/api/v1/calls")
	span.End()

	_, span = TraceWebSocketMessage(ctx, "update", "c1")
	span.End()

	_, span = TraceStoreOperation(ctx, "redis", "update")
	span.End()

	callCtx, span := TraceCall(ctx, "place", "call-1", "initiator")
	defer span.End()

	AddSpanAttributes(callCtx,
		PeerIDKey.String("bob"),
		attribute.Int("candidates", 3),
	)
	RecordError(callCtx, errors.New("boom"))
	MeasureDuration(callCtx, time.Now().Add(-10*time.Millisecond), "call.place")
}
