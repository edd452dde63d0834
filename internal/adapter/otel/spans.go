package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "crawlfleet"

// StartDispatchSpan starts a span for routing one request to an agent.
func StartDispatchSpan(ctx context.Context, requestID string, attempt int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "dispatch",
		trace.WithAttributes(
			attribute.String("request.id", requestID),
			attribute.Int("request.attempt", attempt),
		),
	)
}

// StartDownloadSpan starts a span for an agent executing an assignment.
func StartDownloadSpan(ctx context.Context, assignmentID, url string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "download",
		trace.WithAttributes(
			attribute.String("assignment.id", assignmentID),
			attribute.String("url.full", url),
		),
	)
}

// StartRedialSpan starts a span for one redial cycle.
func StartRedialSpan(ctx context.Context) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "redial")
}
