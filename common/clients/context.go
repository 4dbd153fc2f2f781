package clients

import "context"

// contextKey is a custom type for context keys to avoid collisions
type contextKey string

const (
	// RequestIDKey is the context key for the request ID (X-Request-ID header)
	RequestIDKey contextKey = "request-id"
)

// WithRequestID adds a request ID to the context
// This will be automatically extracted and added as X-Request-ID header in HTTP requests
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetRequestID retrieves the request ID from context
// Returns the request ID and true if found, empty string and false otherwise
func GetRequestID(ctx context.Context) (string, bool) {
	requestID, ok := ctx.Value(RequestIDKey).(string)
	return requestID, ok && requestID != ""
}
