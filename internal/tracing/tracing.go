// Package tracing wraps a run's lifecycle in OpenTelemetry spans. It is a
// no-op by default (the global otel TracerProvider is a noop until a
// process wires a real exporter), matching spec.md's decision not to
// require a metrics/tracing backend while still carrying the
// instrumentation points a deployment can light up later.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/p0s/takopi"

func tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// StartRun opens a span covering one engine run from dispatch to its final
// frame, tagged with the chat/thread/engine identifying it.
func StartRun(ctx context.Context, chatID int64, threadID int, engineID string) (context.Context, trace.Span) {
	return tracer().Start(ctx, "takopi.run",
		trace.WithAttributes(
			attribute.Int64("takopi.chat_id", chatID),
			attribute.Int("takopi.thread_id", threadID),
			attribute.String("takopi.engine", engineID),
		),
	)
}

// EndRun closes a run's span, recording the terminal status.
func EndRun(span trace.Span, status string) {
	span.SetAttributes(attribute.String("takopi.status", status))
	span.End()
}
