package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// PropagateToLogger adds tracing context to a zerolog logger
func PropagateToLogger(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)

	lc := logger.With()
	if tc.TraceID != "" {
		lc = lc.Str("trace_id", tc.TraceID)
	}
	if tc.RoundID != "" {
		lc = lc.Str("round_id", tc.RoundID)
	}
	if tc.SessionID != "" {
		lc = lc.Str("session_id", tc.SessionID)
	}
	if tc.SessionType != "" {
		lc = lc.Str("session_type", tc.SessionType)
	}
	return lc.Logger()
}

// LoggerFromContext creates a logger with tracing context from the given context
func LoggerFromContext(ctx context.Context, baseLogger zerolog.Logger) zerolog.Logger {
	return PropagateToLogger(ctx, baseLogger)
}

// MergeContext copies tracing values from source that target does not have yet.
func MergeContext(target, source context.Context) context.Context {
	tc := FromContext(source)

	if tc.TraceID != "" && GetTraceID(target) == "" {
		target = WithTraceID(target, tc.TraceID)
	}
	if tc.RoundID != "" && GetRoundID(target) == "" {
		target = WithRoundID(target, tc.RoundID)
	}
	if tc.SessionID != "" && GetSessionID(target) == "" {
		target = WithSession(target, tc.SessionID, tc.SessionType)
	}

	return target
}

// Detach returns a context that carries ctx's tracing values but not its
// cancellation, for work that must outlive the request (async persistence).
func Detach(ctx context.Context) context.Context {
	return NewContext(context.Background(), FromContext(ctx))
}
