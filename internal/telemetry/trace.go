package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StartSpan creates a new span for a service operation.
//
//	ctx, span := telemetry.StartSpan(ctx, "auditwiz/services/audit", "audit.Append",
//	    attribute.String(telemetry.AttrTargetType, in.TargetType),
//	)
//	defer span.End()
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, spanName, trace.WithAttributes(attrs...))
}

// RecordError records an error on the span and sets the span status to error.
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// Span attribute keys
const (
	AttrStudyID       = "study.id"
	AttrRecordID      = "record.id"
	AttrRecordVersion = "record.version"
	AttrTargetType    = "audit.target_type"
	AttrTargetID      = "audit.target_id"
	AttrActionType    = "audit.action_type"
	AttrIntent        = "signature.intent"
	AttrNotary        = "anchor.network"
)
