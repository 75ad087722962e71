package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const poolTracerName = "agentpool-pool"

func poolTracer() trace.Tracer {
	return Tracer(poolTracerName)
}

// TraceQuery creates the span covering one query from admission to settle.
func TraceQuery(ctx context.Context, requestID, ownerKey, workspaceKey string) (context.Context, trace.Span) {
	ctx, span := poolTracer().Start(ctx, "pool.query",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("request_id", requestID),
		attribute.String("owner_key", ownerKey),
		attribute.String("workspace_key", workspaceKey),
	)
	return ctx, span
}

// TraceQueryResult records the terminal outcome on the query span.
func TraceQueryResult(span trace.Span, cancelled bool, totalMessages int, err error) {
	span.SetAttributes(
		attribute.Bool("cancelled", cancelled),
		attribute.Int("total_messages", totalMessages),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// TraceDispatch creates a span for handing a query to a worker process.
func TraceDispatch(ctx context.Context, requestID, workerID string, pid int) (context.Context, trace.Span) {
	ctx, span := poolTracer().Start(ctx, "worker.dispatch",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("request_id", requestID),
		attribute.String("worker_id", workerID),
		attribute.Int("pid", pid),
	)
	return ctx, span
}

// TraceDispatchResult records the delivery outcome on the dispatch span.
func TraceDispatchResult(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// TraceRuntimeStream creates a span covering one agent run from spawn to the
// end of its output stream.
func TraceRuntimeStream(ctx context.Context, model string) (context.Context, trace.Span) {
	ctx, span := poolTracer().Start(ctx, "runtime.stream",
		trace.WithSpanKind(trace.SpanKindClient),
	)
	if model != "" {
		span.SetAttributes(attribute.String("model", model))
	}
	return ctx, span
}

// TraceRuntimeStreamEnd records the stream's disposition on its span.
func TraceRuntimeStreamEnd(span trace.Span, messages int, err error) {
	span.SetAttributes(attribute.Int("messages", messages))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
