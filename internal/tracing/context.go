package tracing

import (
	"context"

	"github.com/google/uuid"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// RoundIDKey is the context key for the id of one executor round
	RoundIDKey ContextKey = "round_id"
	// SessionIDKey is the context key for the active session id
	SessionIDKey ContextKey = "session_id"
	// SessionTypeKey is the context key for the session type (CHAT or AUTOMATION)
	SessionTypeKey ContextKey = "session_type"
)

// TraceContext holds tracing information
type TraceContext struct {
	TraceID     string
	RoundID     string
	SessionID   string
	SessionType string
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// NewRoundID generates a new round ID
func NewRoundID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithRoundID adds a round ID to the context
func WithRoundID(ctx context.Context, roundID string) context.Context {
	return context.WithValue(ctx, RoundIDKey, roundID)
}

// WithSession adds the session id and type to the context
func WithSession(ctx context.Context, sessionID, sessionType string) context.Context {
	ctx = context.WithValue(ctx, SessionIDKey, sessionID)
	return context.WithValue(ctx, SessionTypeKey, sessionType)
}

func stringValue(ctx context.Context, key ContextKey) string {
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string {
	return stringValue(ctx, TraceIDKey)
}

// GetRoundID retrieves the round ID from the context
func GetRoundID(ctx context.Context) string {
	return stringValue(ctx, RoundIDKey)
}

// GetSessionID retrieves the session id from the context
func GetSessionID(ctx context.Context) string {
	return stringValue(ctx, SessionIDKey)
}

// GetSessionType retrieves the session type from the context
func GetSessionType(ctx context.Context) string {
	return stringValue(ctx, SessionTypeKey)
}

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID:     GetTraceID(ctx),
		RoundID:     GetRoundID(ctx),
		SessionID:   GetSessionID(ctx),
		SessionType: GetSessionType(ctx),
	}
}

// NewContext creates a new context with tracing information
func NewContext(ctx context.Context, tc *TraceContext) context.Context {
	if tc.TraceID != "" {
		ctx = WithTraceID(ctx, tc.TraceID)
	}
	if tc.RoundID != "" {
		ctx = WithRoundID(ctx, tc.RoundID)
	}
	if tc.SessionID != "" {
		ctx = WithSession(ctx, tc.SessionID, tc.SessionType)
	}
	return ctx
}

// NewRoundContext starts tracing for one executor round: it keeps an existing
// trace ID or creates one, and always assigns a fresh round ID.
func NewRoundContext(ctx context.Context, sessionID, sessionType string) context.Context {
	if GetTraceID(ctx) == "" {
		ctx = WithTraceID(ctx, NewTraceID())
	}
	ctx = WithRoundID(ctx, NewRoundID())
	return WithSession(ctx, sessionID, sessionType)
}
