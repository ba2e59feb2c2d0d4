// Package tracing provides distributed tracing for the orchestrator. It
// wraps OpenTelemetry with span creation, context propagation, and trace
// export.
package tracing

import (
	"context"
	"crypto/rand"
	"encoding/hex"
)

// TraceIDHeader carries the request trace id on the wire. The middleware
// honors an incoming value and echoes the effective one back, so clients
// can correlate daemon log lines with their own.
const TraceIDHeader = "X-Trace-Id"

// contextKey is a private type for context keys to avoid collisions.
type contextKey string

const traceIDKey contextKey = "trace_id"

// TraceIDFromContext extracts the trace id from the context, or returns an
// empty string.
func TraceIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v := ctx.Value(traceIDKey); v != nil {
		if traceID, ok := v.(string); ok {
			return traceID
		}
	}
	return ""
}

// ContextWithTraceID returns a new context carrying the trace id. An empty
// traceID returns the original context unchanged.
func ContextWithTraceID(ctx context.Context, traceID string) context.Context {
	if traceID == "" {
		return ctx
	}
	return context.WithValue(ctx, traceIDKey, traceID)
}

// GenerateTraceID creates a random 32-character hex trace id, the W3C
// Trace Context trace-id shape (16 bytes).
func GenerateTraceID() string {
	bytes := make([]byte, 16)
	// crypto/rand.Read never returns an error on supported platforms
	_, _ = rand.Read(bytes)
	return hex.EncodeToString(bytes)
}

// GenerateSpanID creates a random 16-character hex span id, the W3C Trace
// Context span-id shape (8 bytes).
func GenerateSpanID() string {
	bytes := make([]byte, 8)
	// crypto/rand.Read never returns an error on supported platforms
	_, _ = rand.Read(bytes)
	return hex.EncodeToString(bytes)
}
