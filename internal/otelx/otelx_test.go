package otelx

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
)

func TestInit_Disabled(t *testing.T) {
	shutdown, err := Init(context.Background(), Options{Endpoint: "ignored:4317", Sample: 5})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	_, span := otel.Tracer("test").Start(context.Background(), "op")
	defer span.End()
	if !span.SpanContext().IsValid() {
		t.Fatal("disabled provider should still mint valid span ids")
	}

	fields := otel.GetTextMapPropagator().Fields()
	want := map[string]bool{"traceparent": false, "baggage": false}
	for _, f := range fields {
		if _, ok := want[f]; ok {
			want[f] = true
		}
	}
	for f, seen := range want {
		if !seen {
			t.Errorf("propagator missing %s", f)
		}
	}
}

func TestInit_EnabledNeedsEndpoint(t *testing.T) {
	if _, err := Init(context.Background(), Options{Enabled: true}); err == nil {
		t.Fatal("expected error without endpoint")
	}
}

func TestInit_EnabledReturnsPromptly(t *testing.T) {
	start := time.Now()
	shutdown, err := Init(context.Background(), Options{
		Enabled:   true,
		Endpoint:  "127.0.0.1:1",
		Insecure:  true,
		Sample:    1,
		Service:   "linnemanlabs-mods",
		Component: "server",
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("Init blocked on an unreachable collector")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = shutdown(ctx)
}

func TestClamp01(t *testing.T) {
	for in, want := range map[float64]float64{-1: 0, 0: 0, 0.25: 0.25, 1: 1, 3: 1} {
		if got := clamp01(in); got != want {
			t.Errorf("clamp01(%v) = %v, want %v", in, got, want)
		}
	}
}
