// Package runlog carries a structured slog.Logger through a run's context,
// matching the teacher's pattern of task-local logging fields (the original
// Python's bind_run_context/clear_context) without any module-level state.
package runlog

import (
	"context"
	"log/slog"
)

type ctxKey struct{}

// WithFields returns a context carrying a logger with the given key/value
// pairs appended to the base logger's attributes. Safe to call repeatedly
// to layer additional fields as a run progresses (e.g. once the resume
// token becomes known).
func WithFields(ctx context.Context, args ...any) context.Context {
	logger := FromContext(ctx).With(args...)
	return context.WithValue(ctx, ctxKey{}, logger)
}

// FromContext returns the logger bound to ctx, or slog.Default() if none.
func FromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok && l != nil {
		return l
	}
	return slog.Default()
}
