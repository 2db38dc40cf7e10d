package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StartEvaluation starts a span for one policy against one event
func StartEvaluation(
	ctx context.Context,
	tracer trace.Tracer,
	policyID string,
	eventID string,
	graph bool,
) (context.Context, trace.Span) {
	return tracer.Start(ctx, "evaluate",
		trace.WithAttributes(
			attribute.String("policy.id", policyID),
			attribute.String("event.id", eventID),
			attribute.Bool("policy.graph", graph),
		),
	)
}

// EndEvaluation ends the evaluation span with its result
func EndEvaluation(span trace.Span, result string, err error) {
	span.SetAttributes(attribute.String("evaluation.result", result))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// StartDispatch starts an enforcement dispatch span
func StartDispatch(
	ctx context.Context,
	tracer trace.Tracer,
	policyID string,
	resourceID string,
	mode string,
) (context.Context, trace.Span) {
	return tracer.Start(ctx, "dispatch",
		trace.WithAttributes(
			attribute.String("policy.id", policyID),
			attribute.String("resource.id", resourceID),
			attribute.String("enforcement.mode", mode),
		),
	)
}

// EndDispatch ends the dispatch span with action counts
func EndDispatch(span trace.Span, created bool, total, succeeded, failed int64) {
	span.SetAttributes(
		attribute.Bool("violation.created", created),
		attribute.Int64("actions.total", total),
		attribute.Int64("actions.succeeded", succeeded),
		attribute.Int64("actions.failed", failed),
	)
	span.End()
}

// RecordViolationEvent adds a violation span event
func RecordViolationEvent(span trace.Span, violationID, policyID, resourceID, severity string, created bool) {
	if span == nil {
		return
	}
	span.AddEvent("violation.recorded", trace.WithAttributes(
		attribute.String("violation.id", violationID),
		attribute.String("policy.id", policyID),
		attribute.String("resource.id", resourceID),
		attribute.String("severity", severity),
		attribute.Bool("created", created),
	))
}

// RecordActionEvent adds an action execution span event
func RecordActionEvent(span trace.Span, actionType, connector, status, errorMsg string) {
	if span == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("action.type", actionType),
		attribute.String("action.connector", connector),
		attribute.String("action.status", status),
	}
	if errorMsg != "" {
		attrs = append(attrs, attribute.String("error.message", errorMsg))
	}
	span.AddEvent("action.executed", trace.WithAttributes(attrs...))
}

// RecordError records an error in a span
func RecordError(span trace.Span, errorMessage string, errorType string) {
	span.SetAttributes(
		attribute.String("error.message", errorMessage),
		attribute.String("error.type", errorType),
		attribute.Bool("error.occurred", true),
	)
}
