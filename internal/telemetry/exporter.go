package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
)

// zapExporter is a sdktrace.SpanExporter that logs one structured line per
// finished span instead of shipping to a collector — there is no OTLP
// exporter dependency wired into this module, so this is the stand-in that
// still exercises the real SDK batching/sampling pipeline end to end.
type zapExporter struct {
	logger *zap.Logger
}

func (e *zapExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, span := range spans {
		fields := []zap.Field{
			zap.String("span", span.Name()),
			zap.Duration("duration", span.EndTime().Sub(span.StartTime())),
			zap.String("trace_id", span.SpanContext().TraceID().String()),
		}
		for _, attr := range span.Attributes() {
			fields = append(fields, zap.String(string(attr.Key), attr.Value.Emit()))
		}
		if span.Status().Code == codes.Error {
			fields = append(fields, zap.String("error", span.Status().Description))
		}
		e.logger.Debug("span finished", fields...)
	}
	return nil
}

func (e *zapExporter) Shutdown(ctx context.Context) error {
	return nil
}
