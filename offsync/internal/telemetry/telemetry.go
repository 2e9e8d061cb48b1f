// Package telemetry holds small OpenTelemetry helpers shared by offsync packages.
package telemetry

import (
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// InstrumentationName is the scope name used for offsync tracers and meters.
const InstrumentationName = "github.com/LerianStudio/lib-offsync"

// HandleSpanError marks span as failed and records err.
func HandleSpanError(span trace.Span, message string, err error) {
	if span == nil || err == nil {
		return
	}

	span.SetStatus(codes.Error, message+": "+err.Error())
	span.RecordError(err)
}

// TracerOrNoop returns tracer, or a no-op tracer when it is nil.
//
//nolint:ireturn
func TracerOrNoop(tracer trace.Tracer) trace.Tracer {
	if tracer == nil {
		return noop.NewTracerProvider().Tracer(InstrumentationName)
	}

	return tracer
}
