// Package otelx installs the global tracer provider and propagators.
package otelx

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/keithlinneman/linnemanlabs-mods/internal/xerrors"
)

type Options struct {
	Enabled  bool
	Endpoint string // host:port of an OTLP gRPC collector
	Insecure bool
	// Sample is the root sampling ratio, clamped to [0, 1].
	Sample    float64
	Service   string
	Component string
	Version   string
	Commit    string
}

func setPropagators() {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))
}

// Init returns the provider's shutdown func. When disabled it installs an
// SDK provider with no exporter so spans still carry valid ids for log
// correlation.
func Init(ctx context.Context, o Options) (func(context.Context) error, error) {
	setPropagators()
	if !o.Enabled {
		otel.SetTracerProvider(sdktrace.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}
	if o.Endpoint == "" {
		return nil, xerrors.New("otelx: endpoint is required when tracing is enabled")
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(o.Endpoint)}
	if o.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	// the exporter connects lazily; bound setup so a dead collector cannot
	// hold up startup
	setupCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	exp, err := otlptracegrpc.New(setupCtx, opts...)
	if err != nil {
		return nil, xerrors.Wrap(err, "otelx: create otlp exporter")
	}

	name := o.Service
	if o.Component != "" {
		name += "." + o.Component
	}
	attrs := resource.WithAttributes(
		semconv.ServiceNameKey.String(name),
		semconv.ServiceVersionKey.String(o.Version),
		attribute.String("service.commit", o.Commit),
	)
	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithHost(),
		attrs,
	)
	if err != nil {
		// partial resources are still usable
		res = resource.Default()
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(clamp01(o.Sample)))),
		sdktrace.WithBatcher(exp,
			sdktrace.WithMaxQueueSize(2048),
			sdktrace.WithBatchTimeout(5*time.Second),
		),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

func clamp01(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}
