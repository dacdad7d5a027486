package tracing

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestPropagateToLogger(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	ctx := NewContext(context.Background(), &TraceContext{
		TraceID:     "trace-123",
		RoundID:     "round-9",
		SessionID:   "chat-1",
		SessionType: "CHAT",
	})

	logger := PropagateToLogger(ctx, base)
	logger.Info().Msg("hello")

	out := buf.String()
	for _, want := range []string{`"trace_id":"trace-123"`, `"round_id":"round-9"`, `"session_id":"chat-1"`, `"session_type":"CHAT"`} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected log output to contain %s, got %s", want, out)
		}
	}
}

func TestLoggerFromContextWithoutValues(t *testing.T) {
	var buf bytes.Buffer
	logger := LoggerFromContext(context.Background(), zerolog.New(&buf))
	logger.Info().Msg("plain")

	if strings.Contains(buf.String(), "trace_id") {
		t.Error("Unexpected trace_id on logger without tracing context")
	}
}

func TestMergeContext(t *testing.T) {
	source := NewContext(context.Background(), &TraceContext{TraceID: "trace-src", RoundID: "round-src", SessionID: "s1", SessionType: "CHAT"})
	target := WithTraceID(context.Background(), "trace-target")

	merged := MergeContext(target, source)

	if GetTraceID(merged) != "trace-target" {
		t.Error("Existing trace ID should not be overwritten")
	}
	if GetRoundID(merged) != "round-src" {
		t.Error("Round ID not merged")
	}
	if GetSessionID(merged) != "s1" || GetSessionType(merged) != "CHAT" {
		t.Error("Session not merged")
	}
}

func TestDetach(t *testing.T) {
	parent, cancel := context.WithCancel(WithSession(context.Background(), "s1", "AUTOMATION"))
	detached := Detach(parent)
	cancel()

	if detached.Err() != nil {
		t.Error("Detached context should not be cancelled with its parent")
	}
	if GetSessionID(detached) != "s1" {
		t.Error("Detached context lost session id")
	}
}
