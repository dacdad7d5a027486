package commands

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/badibam/assistant-sub007/pkg/aistate"
	"github.com/badibam/assistant-sub007/pkg/store"
)

func newTestExecutor(t *testing.T) (*Executor, *store.Memory) {
	t.Helper()
	notes := store.NewMemory()
	e := NewExecutor(zerolog.Nop())
	clock := func() time.Time { return time.Date(2026, 3, 2, 8, 30, 0, 0, time.UTC) }
	require.NoError(t, RegisterBuiltins(e, notes, clock))
	return e, notes
}

func TestExecutor_Register(t *testing.T) {
	e := NewExecutor(zerolog.Nop())
	handler := func(context.Context, map[string]any) (any, error) { return nil, nil }

	require.NoError(t, e.Register(Definition{Type: "x.y", Handler: handler}))
	assert.Error(t, e.Register(Definition{Type: "x.y", Handler: handler}))
	assert.Error(t, e.Register(Definition{Type: "", Handler: handler}))
	assert.Error(t, e.Register(Definition{Type: "no.handler"}))
	assert.Equal(t, []string{"x.y"}, e.Types())
}

func TestExecutor_BuiltinsRoundTrip(t *testing.T) {
	e, _ := newTestExecutor(t)
	ctx := context.Background()

	res, err := e.Execute(ctx, []aistate.Command{
		{Type: "notes.create", Params: map[string]any{"title": "Buy milk", "tags": []any{"shopping"}}},
		{Type: "notes.create", Params: map[string]any{"title": "Call plumber", "body": "about the sink"}},
	}, KindAction)
	require.NoError(t, err)
	assert.True(t, res.AllSuccess)
	require.Len(t, res.PerCommand, 2)

	res, err = e.Execute(ctx, []aistate.Command{
		{Type: "notes.list", Params: map[string]any{"query": "sink", "limit": float64(5)}},
		{Type: "time.now", Params: map[string]any{"tz": "Europe/Paris"}},
	}, KindDataQuery)
	require.NoError(t, err)
	require.True(t, res.AllSuccess, res.FormattedOutput)

	listed := res.PerCommand[0].Output.(map[string]any)
	assert.Equal(t, 1, listed["count"])

	now := res.PerCommand[1].Output.(map[string]any)
	assert.Equal(t, "2026-03-02T09:30:00+01:00", now["time"])

	var decoded []map[string]any
	require.NoError(t, json.Unmarshal([]byte(res.FormattedOutput), &decoded))
	assert.Len(t, decoded, 2)
	assert.Equal(t, "notes.list", decoded[0]["type"])
}

func TestExecutor_FailuresDoNotAbortBatch(t *testing.T) {
	e, _ := newTestExecutor(t)

	res, err := e.Execute(context.Background(), []aistate.Command{
		{Type: "unknown.command"},
		{Type: "notes.create", Params: map[string]any{"body": "missing title"}},
		{Type: "notes.create", Params: map[string]any{"title": "ok", "extra": true}},
		{Type: "notes.delete", Params: map[string]any{"id": "does-not-exist"}},
		{Type: "time.now"},
	}, KindAction)

	require.NoError(t, err)
	assert.False(t, res.AllSuccess)
	require.Len(t, res.PerCommand, 5)
	assert.Contains(t, res.PerCommand[0].Error, "unknown command")
	assert.Contains(t, res.PerCommand[1].Error, "parameter validation failed")
	assert.Contains(t, res.PerCommand[2].Error, "parameter validation failed")
	assert.Contains(t, res.PerCommand[3].Error, "not found")
	assert.True(t, res.PerCommand[4].Success)
}

func TestExecutor_DataQueriesAreReadOnly(t *testing.T) {
	e, notes := newTestExecutor(t)

	res, err := e.Execute(context.Background(), []aistate.Command{
		{Type: "notes.create", Params: map[string]any{"title": "sneaky"}},
	}, KindDataQuery)

	require.NoError(t, err)
	assert.False(t, res.AllSuccess)
	assert.Contains(t, res.PerCommand[0].Error, "cannot run as data_query")

	all, err := notes.ListNotes(context.Background(), "", 0)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestExecutor_TimeoutAndPanic(t *testing.T) {
	e := NewExecutor(zerolog.Nop())
	e.SetTimeout(20 * time.Millisecond)
	require.NoError(t, e.Register(Definition{
		Type:     "slow",
		ReadOnly: true,
		Handler: func(ctx context.Context, _ map[string]any) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}))
	require.NoError(t, e.Register(Definition{
		Type:     "broken",
		ReadOnly: true,
		Handler: func(context.Context, map[string]any) (any, error) {
			panic("boom")
		},
	}))

	res, err := e.Execute(context.Background(), []aistate.Command{{Type: "slow"}, {Type: "broken"}}, KindEnrichment)
	require.NoError(t, err)
	assert.False(t, res.PerCommand[0].Success)
	assert.False(t, res.PerCommand[1].Success)
	assert.Contains(t, res.PerCommand[1].Error, "panicked")
}

func TestExecutor_CancelledContext(t *testing.T) {
	e, _ := newTestExecutor(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Execute(ctx, []aistate.Command{{Type: "time.now"}}, KindDataQuery)
	assert.True(t, errors.Is(err, context.Canceled))
}
