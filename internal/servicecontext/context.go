package servicecontext

import (
	"context"
)

type contextKey string

const debugIDKey contextKey = "request.debug_id"

// WithDebugID adds the request correlation id to the context
func WithDebugID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, debugIDKey, id)
}

// GetDebugID retrieves the request correlation id from context
func GetDebugID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(debugIDKey).(string)
	return id, ok
}

// DebugID returns the correlation id, or "" outside a request
func DebugID(ctx context.Context) string {
	id, _ := GetDebugID(ctx)
	return id
}
