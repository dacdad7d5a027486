package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeEntries(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var entries []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		entries = append(entries, entry)
	}
	return entries
}

func TestAuditLog_Entries(t *testing.T) {
	var buf bytes.Buffer
	a := NewAuditLog(zerolog.New(&buf))
	ctx := context.Background()

	a.SlotDecision(ctx, SlotDecision{SessionID: "chat-2", SessionType: "CHAT", Outcome: "ACTIVATED", Evicted: "chat-1"})
	a.SlotDecision(ctx, SlotDecision{SessionID: "auto-1", SessionType: "AUTOMATION", Outcome: "QUEUED", Position: 2})
	a.SessionClosed(ctx, SessionClosure{SessionID: "chat-2", Reason: "USER_STOPPED", Next: "auto-1"})
	a.ActionExecuted(ctx, ActionRun{
		SessionID: "auto-1",
		Command:   "notes.create",
		Params:    map[string]any{"title": "Groceries"},
		Success:   false,
		Error:     "disk full",
		Duration:  20 * time.Millisecond,
	})
	a.ConfigReloaded(ctx, ConfigReload{Source: "watcher", Automations: 3, AutomationRoundtrips: 20})

	entries := decodeEntries(t, &buf)
	require.Len(t, entries, 5)

	assert.Equal(t, "slot_decision", entries[0]["kind"])
	assert.Equal(t, "chat-1", entries[0]["evicted"])
	assert.NotContains(t, entries[0], "position")

	assert.Equal(t, float64(2), entries[1]["position"])
	assert.NotContains(t, entries[1], "evicted")

	assert.Equal(t, "session_closed", entries[2]["kind"])
	assert.Equal(t, "USER_STOPPED", entries[2]["end_reason"])
	assert.Equal(t, "auto-1", entries[2]["next_session"])

	assert.Equal(t, "action_executed", entries[3]["kind"])
	assert.Equal(t, "notes.create", entries[3]["command"])
	assert.Equal(t, false, entries[3]["success"])
	assert.Equal(t, "disk full", entries[3]["error"])
	assert.Equal(t, map[string]any{"title": "Groceries"}, entries[3]["params"])

	assert.Equal(t, "config_reloaded", entries[4]["kind"])
	assert.NotContains(t, entries[4], "session_id")
	assert.Equal(t, float64(3), entries[4]["automations"])
	assert.Equal(t, float64(20), entries[4]["automation_max_roundtrips"])

	for _, e := range entries {
		assert.Contains(t, e, "time")
	}
}

func TestOpenAuditLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	require.NoError(t, OpenAuditLog(path))

	Audit().SessionClosed(context.Background(), SessionClosure{SessionID: "s1", Reason: "COMPLETED"})
	require.NoError(t, Audit().Close())
	assert.NoError(t, Audit().Close())

	// Entries after close are dropped.
	Audit().SessionClosed(context.Background(), SessionClosure{SessionID: "s2", Reason: "ERROR"})

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"session_id":"s1"`)
	assert.NotContains(t, string(data), `"session_id":"s2"`)
}
