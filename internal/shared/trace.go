package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type sessionIDKey struct{}
type turnIDKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithSessionID attaches a session_id to the context.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey{}, sessionID)
}

// SessionID extracts session_id from context. Returns "" if absent.
func SessionID(ctx context.Context) string {
	if v, ok := ctx.Value(sessionIDKey{}).(string); ok {
		return v
	}
	return ""
}

// NewSessionID generates an opaque session identifier.
func NewSessionID() string {
	return uuid.NewString()
}

// WithTurnID attaches a turn_id to the context.
func WithTurnID(ctx context.Context, turnID string) context.Context {
	return context.WithValue(ctx, turnIDKey{}, turnID)
}

// TurnID extracts turn_id from context. Returns "" if absent.
func TurnID(ctx context.Context) string {
	if v, ok := ctx.Value(turnIDKey{}).(string); ok {
		return v
	}
	return ""
}

// NewTurnID generates a turn identifier.
func NewTurnID() string {
	return uuid.NewString()
}
