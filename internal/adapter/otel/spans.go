package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "forgecrew"

// StartTaskSpan starts a span covering one orchestration entry.
func StartTaskSpan(ctx context.Context, taskID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "orchestrate",
		trace.WithAttributes(attribute.String("task.id", taskID)))
}

// StartPhaseSpan starts a span for one pipeline phase.
func StartPhaseSpan(ctx context.Context, taskID, phase string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "phase",
		trace.WithAttributes(
			attribute.String("task.id", taskID),
			attribute.String("phase.name", phase),
		))
}

// StartExecutionSpan starts a span for one agent execution.
func StartExecutionSpan(ctx context.Context, taskID, agentName string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "agent.execute",
		trace.WithAttributes(
			attribute.String("task.id", taskID),
			attribute.String("agent.name", agentName),
		))
}

// StartMergeSpan starts a span for merging one epic.
func StartMergeSpan(ctx context.Context, taskID, epicID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "merge.epic",
		trace.WithAttributes(
			attribute.String("task.id", taskID),
			attribute.String("epic.id", epicID),
		))
}
