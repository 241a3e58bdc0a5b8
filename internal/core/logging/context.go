package logging

import "context"

type contextKey string

const (
	runIDKey     contextKey = "run_id"
	iterationKey contextKey = "iteration"
	itemIDKey    contextKey = "item_id"
)

// WithRunID adds a run ID to the context.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey, runID)
}

// WithIteration adds an iteration number to the context.
func WithIteration(ctx context.Context, n int) context.Context {
	return context.WithValue(ctx, iterationKey, n)
}

// WithItemID adds a work item ID to the context.
func WithItemID(ctx context.Context, itemID string) context.Context {
	return context.WithValue(ctx, itemIDKey, itemID)
}

// GetRunID retrieves the run ID from the context.
// Returns empty string if not present.
func GetRunID(ctx context.Context) string {
	if id, ok := ctx.Value(runIDKey).(string); ok {
		return id
	}
	return ""
}

// GetIteration retrieves the iteration number from the context.
// Returns 0 if not present.
func GetIteration(ctx context.Context) int {
	if n, ok := ctx.Value(iterationKey).(int); ok {
		return n
	}
	return 0
}

// GetItemID retrieves the work item ID from the context.
// Returns empty string if not present.
func GetItemID(ctx context.Context) string {
	if id, ok := ctx.Value(itemIDKey).(string); ok {
		return id
	}
	return ""
}
