package logging

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	castIDKey ctxKey = iota
	stepIDKey
	toolIDKey
)

// WithCastID returns a context with the cast ID set.
func WithCastID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, castIDKey, id)
}

// WithStepID returns a context with the step ID set.
func WithStepID(ctx context.Context, id int) context.Context {
	return context.WithValue(ctx, stepIDKey, id)
}

// WithToolID returns a context with the tool ID set.
func WithToolID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, toolIDKey, id)
}

// CastID extracts the cast ID from the context, or "" if absent.
func CastID(ctx context.Context) string {
	v, _ := ctx.Value(castIDKey).(string)
	return v
}

// StepID extracts the step ID from the context. The second return reports
// whether it was set.
func StepID(ctx context.Context) (int, bool) {
	v, ok := ctx.Value(stepIDKey).(int)
	return v, ok
}

// ToolID extracts the tool ID from the context, or "" if absent.
func ToolID(ctx context.Context) string {
	v, _ := ctx.Value(toolIDKey).(string)
	return v
}

// WithIDs sets all three correlation IDs on the context at once.
func WithIDs(ctx context.Context, castID string, stepID int, toolID string) context.Context {
	ctx = WithCastID(ctx, castID)
	ctx = WithStepID(ctx, stepID)
	ctx = WithToolID(ctx, toolID)
	return ctx
}

// LogWith returns a logger enriched with correlation IDs from the context.
// Only present values are added as attributes.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if castID := CastID(ctx); castID != "" {
		logger = logger.With(slog.String("cast_id", castID))
	}
	if stepID, ok := StepID(ctx); ok {
		logger = logger.With(slog.Int("step_id", stepID))
	}
	if toolID := ToolID(ctx); toolID != "" {
		logger = logger.With(slog.String("tool_id", toolID))
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler, automatically injecting
// correlation IDs from the context into every log record.
// Use with slog.New(NewCorrelationHandler(inner)) so callers can use
// logger.InfoContext(ctx, ...) and IDs appear automatically.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler with automatic correlation ID injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	if v := CastID(ctx); v != "" {
		r.AddAttrs(slog.String("cast_id", v))
	}
	if v, ok := StepID(ctx); ok {
		r.AddAttrs(slog.Int("step_id", v))
	}
	if v := ToolID(ctx); v != "" {
		r.AddAttrs(slog.String("tool_id", v))
	}
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
