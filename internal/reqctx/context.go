// Package reqctx carries a per-request trace id through context.Context.
package reqctx

import "context"

type contextKey string

const requestIDKey contextKey = "request_id"

// GetRequestID retrieves the request ID from context, or "unknown" if unset.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return "unknown"
}

// WithRequestID returns a context carrying the given request id.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}
