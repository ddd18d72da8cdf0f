package types

import "context"

// contextKey is used for storing values in context.Context.
type contextKey string

const (
	keyTraceID  contextKey = "trace_id"
	keyRunID    contextKey = "run_id"
	keyStepID   contextKey = "step_id"
	keyRecipeID contextKey = "recipe_id"
)

// WithTraceID adds trace ID to context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, keyTraceID, traceID)
}

// TraceID extracts trace ID from context.
func TraceID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyTraceID).(string)
	return v, ok && v != ""
}

// WithRunID adds run ID to context.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, keyRunID, runID)
}

// RunID extracts run ID from context.
func RunID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyRunID).(string)
	return v, ok && v != ""
}

// WithStepID adds the executing step ID to context.
func WithStepID(ctx context.Context, stepID string) context.Context {
	return context.WithValue(ctx, keyStepID, stepID)
}

// StepID extracts the executing step ID from context.
func StepID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyStepID).(string)
	return v, ok && v != ""
}

// WithRecipeID adds recipe ID to context.
func WithRecipeID(ctx context.Context, recipeID string) context.Context {
	return context.WithValue(ctx, keyRecipeID, recipeID)
}

// RecipeID extracts recipe ID from context.
func RecipeID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyRecipeID).(string)
	return v, ok && v != ""
}
