package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "agentloop"

// StartRunSpan starts a span for one agent loop execution.
func StartRunSpan(ctx context.Context, sessionID, agentName, parentID string, depth int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "agent.run",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("agent.name", agentName),
			attribute.String("session.parent_id", parentID),
			attribute.Int("session.depth", depth),
		),
	)
}

// StartTurnSpan starts a span for one provider round-trip of a run.
func StartTurnSpan(ctx context.Context, turn int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "agent.turn",
		trace.WithAttributes(attribute.Int("turn", turn)),
	)
}

// StartProviderSpan starts a span for one vendor attempt.
func StartProviderSpan(ctx context.Context, vendor, model string, streaming bool) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "llm.call",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("llm.vendor", vendor),
			attribute.String("llm.model", model),
			attribute.Bool("llm.streaming", streaming),
		),
	)
}

// StartToolCallSpan starts a span for a tool call within a run.
func StartToolCallSpan(ctx context.Context, callID, tool string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "toolcall",
		trace.WithAttributes(
			attribute.String("toolcall.id", callID),
			attribute.String("toolcall.tool", tool),
		),
	)
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
