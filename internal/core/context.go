package core

import "context"

type contextKey string

const requestIDKey contextKey = "request-id"

// WithRequestID attaches the inbound request ID so extraction log entries can be
// correlated with access logs.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// GetRequestID returns the request ID carried by ctx, or "".
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}
