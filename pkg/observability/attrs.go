package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Semantic convention attributes for run and connector telemetry.
var (
	AttrConnector = attribute.Key("facet.connector.name")
	AttrPhase     = attribute.Key("facet.connector.phase")
	AttrPage      = attribute.Key("facet.connector.page")

	AttrLensID   = attribute.Key("facet.lens.id")
	AttrRunID    = attribute.Key("facet.run.id")
	AttrRunMode  = attribute.Key("facet.run.mode")
	AttrStopped  = attribute.Key("facet.run.stop_reason")
	AttrEntities = attribute.Key("facet.run.entities")

	AttrBudgetSpent = attribute.Key("facet.budget.spent_usd")
)

// ConnectorCall builds the attribute set for one connector call.
func ConnectorCall(source, phase string, page int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrConnector.String(source),
		AttrPhase.String(phase),
		AttrPage.Int(page),
	}
}

// RunAttrs builds the attribute set for a run-level span.
func RunAttrs(runID, lensID, mode string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrRunID.String(runID),
		AttrLensID.String(lensID),
		AttrRunMode.String(mode),
	}
}

// SpanFromContext extracts the span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus records err on the current span when non-nil.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
	}
}

// RecordEarlyStop stamps the phase-boundary stop reason on the current
// span.
func RecordEarlyStop(ctx context.Context, reason string) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(AttrStopped.String(reason))
}
