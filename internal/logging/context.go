package logging

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

type contextKey string

const cycleIDKey contextKey = "cycle_id"

// ContextHandler is an slog.Handler that stamps every record with the
// monitor cycle ID carried in the context, so all log lines from one loop
// iteration correlate.
type ContextHandler struct {
	handler slog.Handler
}

// NewContextHandler wraps another handler with cycle-ID stamping.
func NewContextHandler(handler slog.Handler) *ContextHandler {
	return &ContextHandler{
		handler: handler,
	}
}

// Enabled reports whether the handler handles records at the given level.
func (h *ContextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

// Handle adds the cycle ID to the record and passes it on.
func (h *ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if cycleID := ctx.Value(cycleIDKey); cycleID != nil {
		r.AddAttrs(slog.Any("cycle_id", cycleID))
	}

	return h.handler.Handle(ctx, r)
}

// WithAttrs returns a new handler with additional attributes.
func (h *ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ContextHandler{
		handler: h.handler.WithAttrs(attrs),
	}
}

// WithGroup returns a new handler with a group.
func (h *ContextHandler) WithGroup(name string) slog.Handler {
	return &ContextHandler{
		handler: h.handler.WithGroup(name),
	}
}

// WithCycleID adds a monitor cycle ID to the context.
func WithCycleID(ctx context.Context, cycleID string) context.Context {
	return context.WithValue(ctx, cycleIDKey, cycleID)
}

// GenerateCycleID generates a new UUID-based cycle ID.
func GenerateCycleID() string {
	return uuid.New().String()
}
