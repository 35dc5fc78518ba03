package logging

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	runIDKey ctxKey = iota
	blueprintIDKey
	stepNameKey
)

// WithRunID returns a context with the run ID set.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey, id)
}

// WithBlueprintID returns a context with the blueprint ID set.
func WithBlueprintID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, blueprintIDKey, id)
}

// WithStepName returns a context with the step name set.
func WithStepName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, stepNameKey, name)
}

// RunID extracts the run ID from the context, or "" if absent.
func RunID(ctx context.Context) string {
	v, _ := ctx.Value(runIDKey).(string)
	return v
}

// BlueprintID extracts the blueprint ID from the context, or "" if absent.
func BlueprintID(ctx context.Context) string {
	v, _ := ctx.Value(blueprintIDKey).(string)
	return v
}

// StepName extracts the step name from the context, or "" if absent.
func StepName(ctx context.Context) string {
	v, _ := ctx.Value(stepNameKey).(string)
	return v
}

// WithIDs sets all correlation IDs on the context at once.
func WithIDs(ctx context.Context, runID, blueprintID, stepName string) context.Context {
	ctx = WithRunID(ctx, runID)
	ctx = WithBlueprintID(ctx, blueprintID)
	ctx = WithStepName(ctx, stepName)
	return ctx
}

// LogWith returns a logger enriched with correlation IDs from the context.
// Only non-empty values are added as attributes.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if id := RunID(ctx); id != "" {
		logger = logger.With(slog.String("run_id", id))
	}
	if id := BlueprintID(ctx); id != "" {
		logger = logger.With(slog.String("blueprint_id", id))
	}
	if name := StepName(ctx); name != "" {
		logger = logger.With(slog.String("step", name))
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler, injecting correlation IDs
// from the context into every record. Use with
// slog.New(NewCorrelationHandler(inner)) so logger.InfoContext(ctx, ...)
// carries the IDs automatically.
type CorrelationHandler struct {
	inner slog.Handler
}

func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	if v := RunID(ctx); v != "" {
		r.AddAttrs(slog.String("run_id", v))
	}
	if v := BlueprintID(ctx); v != "" {
		r.AddAttrs(slog.String("blueprint_id", v))
	}
	if v := StepName(ctx); v != "" {
		r.AddAttrs(slog.String("step", v))
	}
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
