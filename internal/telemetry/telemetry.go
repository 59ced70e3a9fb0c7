// Package telemetry wires the opentelemetry-go SDK into a real
// TracerProvider for local development and integration tests. Every
// component takes its tracer from the global provider (otel.Tracer(...)),
// which defaults to the SDK's built-in no-op implementation — Setup is the
// only place that installs a provider that actually records anything,
// mirroring the opt-in telemetry convention of the rest of the retrieval
// pack (one repo gates its OTLP exporter behind an endpoint env var; this
// one gates a zap-backed exporter behind a flag since no OTLP endpoint
// dependency is wired into this module).
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
)

func serviceNameAttr(name string) attribute.KeyValue {
	return attribute.String("service.name", name)
}

// Config parameterizes Setup.
type Config struct {
	// Enabled gates installing a recording TracerProvider at all. When
	// false, Setup leaves the SDK's default no-op provider in place.
	Enabled bool
	// ServiceName tags every span's resource.
	ServiceName string
	Logger      *zap.Logger
}

// Setup installs a global TracerProvider sampling every span and exporting
// each finished span as a single structured log line. Returns a shutdown
// func that flushes pending spans; always safe to defer, even when Setup
// left the no-op provider in place.
func Setup(cfg Config) (shutdown func(context.Context) error, err error) {
	noop := func(context.Context) error { return nil }
	if !cfg.Enabled {
		return noop, nil
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(serviceNameAttr(cfg.ServiceName)),
	)
	if err != nil {
		return noop, err
	}

	exporter := &zapExporter{logger: cfg.Logger.Named("telemetry")}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}
