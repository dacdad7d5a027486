package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/badibam/assistant-sub007/pkg/aistate"
	"github.com/badibam/assistant-sub007/pkg/commands"
	"github.com/badibam/assistant-sub007/pkg/provider"
	"github.com/badibam/assistant-sub007/pkg/sessionctl"
	"github.com/badibam/assistant-sub007/pkg/store"
)

const waitFor = 2 * time.Second

type reply struct {
	content string
	err     error
	wait    chan struct{}
	panics  bool
}

type scriptedProvider struct {
	mu      sync.Mutex
	replies []reply
	calls   int
}

func (p *scriptedProvider) Query(ctx context.Context, _ provider.Payload, _ string) (*provider.Response, error) {
	p.mu.Lock()
	i := p.calls
	p.calls++
	if i >= len(p.replies) {
		i = len(p.replies) - 1
	}
	r := p.replies[i]
	p.mu.Unlock()

	if r.wait != nil {
		select {
		case <-r.wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if r.panics {
		panic("provider exploded")
	}
	if r.err != nil {
		return nil, r.err
	}
	return &provider.Response{Content: r.content}, nil
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type testEngine struct {
	*Engine
	mem      *store.Memory
	provider *scriptedProvider
	writes   *int
	writeMu  *sync.Mutex
}

func newTestEngine(t *testing.T, replies ...reply) *testEngine {
	t.Helper()
	mem := store.NewMemory()
	cmds := commands.NewExecutor(zerolog.Nop())

	writes := 0
	writeMu := &sync.Mutex{}
	require.NoError(t, cmds.Register(commands.Definition{
		Type:        "test.read",
		Description: "Reads a value",
		ReadOnly:    true,
		Handler: func(context.Context, map[string]any) (any, error) {
			return 42, nil
		},
	}))
	require.NoError(t, cmds.Register(commands.Definition{
		Type:        "test.write",
		Description: "Writes a value",
		Handler: func(context.Context, map[string]any) (any, error) {
			writeMu.Lock()
			writes++
			writeMu.Unlock()
			return "ok", nil
		},
	}))

	p := &scriptedProvider{replies: replies}
	e, err := New(Config{
		Store:                mem,
		Commands:             cmds,
		Provider:             p,
		Prompts:              NewPromptBuilder(cmds, "You are a test assistant."),
		RetryInitialInterval: time.Hour,
		RetryMaxInterval:     time.Hour,
		Logger:               zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = e.Close(ctx)
	})
	return &testEngine{Engine: e, mem: mem, provider: p, writes: &writes, writeMu: writeMu}
}

func (te *testEngine) newAutomation(t *testing.T) string {
	t.Helper()
	rec, err := te.mem.CreateSession(context.Background(), store.SessionRecord{Type: aistate.SessionTypeAutomation, Name: "nightly"})
	require.NoError(t, err)
	return rec.ID
}

func (te *testEngine) waitPhase(t *testing.T, phase aistate.Phase) {
	t.Helper()
	require.Eventually(t, func() bool {
		snap := te.Snapshot()
		return snap.Phase == phase && !snap.RoundInProgress
	}, waitFor, 5*time.Millisecond, "phase %s", phase)
}

func (te *testEngine) waitEnded(t *testing.T, id string, reason aistate.EndReason) {
	t.Helper()
	require.Eventually(t, func() bool {
		rec, _, err := te.mem.GetSession(context.Background(), id)
		return err == nil && rec.EndReason == reason
	}, waitFor, 5*time.Millisecond, "session %s should end with %s", id, reason)
}

func (te *testEngine) systemTypes(t *testing.T, id string) []aistate.SystemMessageType {
	t.Helper()
	_, msgs, err := te.mem.GetSession(context.Background(), id)
	require.NoError(t, err)
	var out []aistate.SystemMessageType
	for _, m := range msgs {
		if m.Sender == store.SenderSystem {
			out = append(out, m.Payload.System.Type)
		}
	}
	return out
}

func TestEngine_ChatRound(t *testing.T) {
	te := newTestEngine(t, reply{content: `{"preText":"Hello there"}`})
	ctx := context.Background()

	id, res, err := te.StartChat(ctx, "morning")
	require.NoError(t, err)
	assert.Equal(t, sessionctl.OutcomeActivated, res.Outcome)
	assert.Equal(t, aistate.PhaseIdle, te.Snapshot().Phase)

	require.NoError(t, te.SendUserMessage(ctx, "hi", nil))
	te.waitPhase(t, aistate.PhaseIdle)

	msgs, err := te.Messages(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, store.SenderUser, msgs[0].Sender)
	assert.Equal(t, "hi", msgs[0].Payload.Text)
	assert.Equal(t, store.SenderAI, msgs[1].Sender)
	assert.Equal(t, "Hello there", msgs[1].Payload.AI.PreText)

	snap := te.Snapshot()
	assert.Equal(t, id, snap.SessionID)
	assert.Equal(t, aistate.SessionTypeChat, snap.SessionType)
	assert.Equal(t, 1, snap.Roundtrips)

	require.Eventually(t, func() bool {
		active, _ := te.mem.ActiveSession(ctx)
		return active == id
	}, waitFor, 5*time.Millisecond)
}

func TestEngine_AutomationCompletesAndFreesSlot(t *testing.T) {
	te := newTestEngine(t, reply{content: `{"preText":"Done","completed":true}`})
	ctx := context.Background()
	id := te.newAutomation(t)

	res, err := te.RequestControl(ctx, ControlRequest{
		SessionID:   id,
		Type:        aistate.SessionTypeAutomation,
		Enrichments: []aistate.Command{{Type: "test.read"}},
	})
	require.NoError(t, err)
	assert.Equal(t, sessionctl.OutcomeActivated, res.Outcome)

	te.waitEnded(t, id, aistate.EndReasonCompleted)
	require.Eventually(t, func() bool {
		snap := te.Snapshot()
		active, _ := te.mem.ActiveSession(ctx)
		return snap.SessionID == "" && active == ""
	}, waitFor, 5*time.Millisecond)

	assert.Equal(t, 2, te.provider.callCount())
	assert.Equal(t, []aistate.SystemMessageType{aistate.SystemDataAdded}, te.systemTypes(t, id))
}

func TestEngine_AutomationQueuedBehindActiveChat(t *testing.T) {
	te := newTestEngine(t, reply{content: `{"preText":"Done","completed":true}`})
	ctx := context.Background()

	chatID, _, err := te.StartChat(ctx, "")
	require.NoError(t, err)

	autoID := te.newAutomation(t)
	res, err := te.RequestControl(ctx, ControlRequest{SessionID: autoID, Type: aistate.SessionTypeAutomation})
	require.NoError(t, err)
	assert.Equal(t, sessionctl.OutcomeQueued, res.Outcome)
	assert.Equal(t, 1, res.Position)

	snap := te.Snapshot()
	assert.Equal(t, chatID, snap.SessionID)
	require.Len(t, snap.Queue, 1)
	assert.Equal(t, autoID, snap.Queue[0].SessionID)

	require.NoError(t, te.CloseActiveSession(ctx, ""))
	te.waitEnded(t, chatID, aistate.EndReasonUserStopped)
	te.waitEnded(t, autoID, aistate.EndReasonCompleted)
}

func TestEngine_ChatWaitsForRunningAutomation(t *testing.T) {
	release := make(chan struct{})
	te := newTestEngine(t,
		reply{content: `{"preText":"Done","completed":true}`, wait: release},
		reply{content: `{"preText":"Done","completed":true}`},
	)
	ctx := context.Background()

	autoID := te.newAutomation(t)
	_, err := te.RequestControl(ctx, ControlRequest{SessionID: autoID, Type: aistate.SessionTypeAutomation})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return te.provider.callCount() == 1 }, waitFor, 5*time.Millisecond)

	chatID, res, err := te.StartChat(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, sessionctl.OutcomeQueued, res.Outcome)
	assert.Equal(t, 1, res.Position)
	assert.Equal(t, autoID, te.Snapshot().SessionID)

	close(release)
	te.waitEnded(t, autoID, aistate.EndReasonCompleted)
	require.Eventually(t, func() bool {
		snap := te.Snapshot()
		return snap.SessionID == chatID && snap.Phase == aistate.PhaseIdle
	}, waitFor, 5*time.Millisecond)
}

func TestEngine_InterruptDiscardsLateResponse(t *testing.T) {
	release := make(chan struct{})
	te := newTestEngine(t, reply{content: `{"preText":"Too late"}`, wait: release})
	ctx := context.Background()

	id, _, err := te.StartChat(ctx, "")
	require.NoError(t, err)
	require.NoError(t, te.SendUserMessage(ctx, "long question", nil))
	require.Eventually(t, func() bool { return te.provider.callCount() == 1 }, waitFor, 5*time.Millisecond)

	require.NoError(t, te.Interrupt(ctx))
	assert.Equal(t, aistate.PhaseInterrupted, te.State().Phase)
	assert.ErrorIs(t, te.Interrupt(ctx), ErrWrongPhase)

	close(release)
	te.waitPhase(t, aistate.PhaseIdle)

	require.Eventually(t, func() bool {
		return len(te.systemTypes(t, id)) == 1
	}, waitFor, 5*time.Millisecond)
	_, msgs, err := te.mem.GetSession(ctx, id)
	require.NoError(t, err)
	for _, m := range msgs {
		assert.NotEqual(t, store.SenderAI, m.Sender)
	}
	assert.Equal(t, []aistate.SystemMessageType{aistate.SystemInterrupted}, te.systemTypes(t, id))
}

func TestEngine_InterruptDuringValidationReturnsToIdle(t *testing.T) {
	te := newTestEngine(t,
		reply{content: `{"preText":"Shall I?","actionCommands":[{"type":"test.write"}]}`},
		reply{content: `{"preText":"Fine, skipping it."}`},
	)
	ctx := context.Background()

	id, _, err := te.StartChat(ctx, "")
	require.NoError(t, err)
	require.NoError(t, te.SendUserMessage(ctx, "write it", nil))
	require.Eventually(t, func() bool { return te.Snapshot().Waiting == "validation" }, waitFor, 5*time.Millisecond)

	require.NoError(t, te.Interrupt(ctx))
	assert.Equal(t, aistate.PhaseIdle, te.State().Phase)
	assert.Equal(t, id, te.State().SessionID)
	assert.ErrorIs(t, te.Interrupt(ctx), ErrWrongPhase)

	require.NoError(t, te.SendUserMessage(ctx, "never mind", nil))
	te.waitPhase(t, aistate.PhaseIdle)
	assert.Equal(t, 2, te.provider.callCount())

	te.writeMu.Lock()
	assert.Zero(t, *te.writes)
	te.writeMu.Unlock()
}

func TestEngine_Validation(t *testing.T) {
	te := newTestEngine(t, reply{content: `{"preText":"Shall I?","actionCommands":[{"type":"test.write"}]}`})
	ctx := context.Background()

	_, _, err := te.StartChat(ctx, "")
	require.NoError(t, err)
	assert.ErrorIs(t, te.ResumeWithValidation(true), ErrWrongPhase)

	require.NoError(t, te.SendUserMessage(ctx, "write it", nil))
	require.Eventually(t, func() bool { return te.Snapshot().Waiting == "validation" }, waitFor, 5*time.Millisecond)

	snap := te.Snapshot()
	require.NotNil(t, snap.Validation)
	assert.Equal(t, "test.write", snap.Validation.Commands[0].Type)
	assert.Equal(t, "Shall I?", snap.Validation.Rationale)
	assert.ErrorIs(t, te.SendUserMessage(ctx, "again", nil), ErrRoundInProgress)

	var fallbackID string
	require.Eventually(t, func() bool {
		if v := te.Snapshot().Validation; v != nil {
			fallbackID = v.FallbackMessageID
		}
		return fallbackID != ""
	}, waitFor, 5*time.Millisecond)
	assert.Contains(t, messageIDs(t, te), fallbackID)

	require.Eventually(t, func() bool { return te.ResumeWithValidation(true) == nil }, waitFor, 5*time.Millisecond)
	te.waitPhase(t, aistate.PhaseIdle)
	assert.NotContains(t, messageIDs(t, te), fallbackID)

	te.writeMu.Lock()
	assert.Equal(t, 1, *te.writes)
	te.writeMu.Unlock()
	assert.Equal(t, 1, te.provider.callCount())
}

func messageIDs(t *testing.T, te *testEngine) []string {
	t.Helper()
	msgs, err := te.Messages(context.Background())
	require.NoError(t, err)
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}
	return ids
}

func TestEngine_CloseCancelsPendingValidation(t *testing.T) {
	te := newTestEngine(t, reply{content: `{"preText":"Shall I?","actionCommands":[{"type":"test.write"}]}`})
	ctx := context.Background()

	id, _, err := te.StartChat(ctx, "")
	require.NoError(t, err)
	require.NoError(t, te.SendUserMessage(ctx, "write it", nil))
	require.Eventually(t, func() bool { return te.Snapshot().Waiting == "validation" }, waitFor, 5*time.Millisecond)

	require.NoError(t, te.CloseActiveSession(ctx, aistate.EndReasonUserStopped))
	te.waitEnded(t, id, aistate.EndReasonUserStopped)

	snap := te.Snapshot()
	assert.Empty(t, snap.SessionID)
	assert.Equal(t, aistate.PhaseIdle, snap.Phase)
	assert.Contains(t, te.systemTypes(t, id), aistate.SystemValidationCancelled)

	te.writeMu.Lock()
	assert.Zero(t, *te.writes)
	te.writeMu.Unlock()
	_, err = te.Messages(ctx)
	assert.ErrorIs(t, err, ErrNoActiveSession)
}

func TestEngine_SendUserMessageErrors(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	te := newTestEngine(t, reply{content: `{"preText":"Hi"}`, wait: release})
	ctx := context.Background()

	assert.ErrorIs(t, te.SendUserMessage(ctx, "hi", nil), ErrNoActiveSession)

	autoID := te.newAutomation(t)
	_, err := te.RequestControl(ctx, ControlRequest{SessionID: autoID, Type: aistate.SessionTypeAutomation})
	require.NoError(t, err)
	assert.ErrorIs(t, te.SendUserMessage(ctx, "hi", nil), ErrNotChat)
	assert.ErrorIs(t, te.Interrupt(ctx), ErrNotChat)
}

func TestEngine_HeartbeatTimesOutAutomation(t *testing.T) {
	te := newTestEngine(t, reply{content: `{"preText":"never"}`, wait: make(chan struct{})})
	ctx := context.Background()
	te.SetLimits(aistate.SessionTypeAutomation, aistate.Limits{MaxAutonomousRoundtrips: 20, InactivityTimeout: 100 * time.Millisecond})

	id := te.newAutomation(t)
	_, err := te.RequestControl(ctx, ControlRequest{SessionID: id, Type: aistate.SessionTypeAutomation})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return te.provider.callCount() == 1 }, waitFor, 5*time.Millisecond)

	te.Heartbeat(time.Now())
	assert.Equal(t, id, te.Snapshot().SessionID, "not idle long enough yet")

	time.Sleep(150 * time.Millisecond)
	te.Heartbeat(time.Now())

	te.waitEnded(t, id, aistate.EndReasonTimeout)
	assert.Equal(t, []aistate.SystemMessageType{aistate.SystemSessionTimeout}, te.systemTypes(t, id))
}

func TestEngine_NetworkAvailableShortCircuitsRetry(t *testing.T) {
	te := newTestEngine(t,
		reply{err: &provider.Error{Provider: "test", Network: true, Err: errors.New("connection refused")}},
		reply{content: `{"preText":"Done","completed":true}`},
	)
	ctx := context.Background()

	id := te.newAutomation(t)
	_, err := te.RequestControl(ctx, ControlRequest{SessionID: id, Type: aistate.SessionTypeAutomation})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return te.Snapshot().Waiting == "network_retry" }, waitFor, 5*time.Millisecond)
	require.NotNil(t, te.Snapshot().RetryAt)

	te.NotifyNetworkAvailable()
	te.waitEnded(t, id, aistate.EndReasonCompleted)
	assert.Contains(t, te.systemTypes(t, id), aistate.SystemNetworkError)
}

func TestEngine_PauseAndResume(t *testing.T) {
	release := make(chan struct{})
	te := newTestEngine(t, reply{content: `{"preText":"Hi"}`, wait: release})
	ctx := context.Background()

	assert.ErrorIs(t, te.Pause(), ErrNoActiveSession)
	_, _, err := te.StartChat(ctx, "")
	require.NoError(t, err)
	require.NoError(t, te.SendUserMessage(ctx, "hi", nil))
	require.Eventually(t, func() bool { return te.provider.callCount() == 1 }, waitFor, 5*time.Millisecond)

	require.NoError(t, te.Pause())
	assert.ErrorIs(t, te.Pause(), ErrPaused)
	assert.ErrorIs(t, te.SendUserMessage(ctx, "more", nil), ErrPaused)
	close(release)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, aistate.PhasePaused, te.Snapshot().Phase)

	require.NoError(t, te.Resume())
	te.waitPhase(t, aistate.PhaseIdle)
	assert.ErrorIs(t, te.Resume(), ErrWrongPhase)
	assert.Equal(t, 1, te.provider.callCount())
}

func TestEngine_PanicFreesSlotForNextSession(t *testing.T) {
	te := newTestEngine(t,
		reply{panics: true},
		reply{content: `{"preText":"Done","completed":true}`},
	)
	ctx := context.Background()

	first := te.newAutomation(t)
	second := te.newAutomation(t)
	release := make(chan struct{})
	te.provider.mu.Lock()
	te.provider.replies[0].wait = release
	te.provider.mu.Unlock()

	_, err := te.RequestControl(ctx, ControlRequest{SessionID: first, Type: aistate.SessionTypeAutomation})
	require.NoError(t, err)
	res, err := te.RequestControl(ctx, ControlRequest{SessionID: second, Type: aistate.SessionTypeAutomation})
	require.NoError(t, err)
	assert.Equal(t, sessionctl.OutcomeQueued, res.Outcome)
	close(release)

	te.waitEnded(t, first, aistate.EndReasonError)
	te.waitEnded(t, second, aistate.EndReasonCompleted)
	assert.Contains(t, te.systemTypes(t, first), aistate.SystemSystemError)
}

func TestEngine_Subscribe(t *testing.T) {
	te := newTestEngine(t, reply{content: `{"preText":"Hi"}`})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	snaps, err := te.Subscribe(ctx)
	require.NoError(t, err)

	first := <-snaps
	assert.Empty(t, first.SessionID)
	assert.Equal(t, aistate.PhaseIdle, first.Phase)

	id, _, err := te.StartChat(context.Background(), "")
	require.NoError(t, err)

	deadline := time.After(waitFor)
	for {
		select {
		case snap := <-snaps:
			if snap.SessionID == id {
				assert.Equal(t, aistate.SessionTypeChat, snap.SessionType)
				assert.Greater(t, snap.Seq, first.Seq)
				return
			}
		case <-deadline:
			t.Fatal("no snapshot for the new session")
		}
	}
}

func TestEngine_RecoverInterrupted(t *testing.T) {
	te := newTestEngine(t, reply{content: `{"preText":"Hi"}`})
	ctx := context.Background()

	id, err := te.RecoverInterrupted(ctx)
	require.NoError(t, err)
	assert.Empty(t, id)

	stale := te.newAutomation(t)
	require.NoError(t, te.mem.SetActiveSession(ctx, stale))

	id, err = te.RecoverInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, stale, id)

	rec, _, err := te.mem.GetSession(ctx, stale)
	require.NoError(t, err)
	assert.Equal(t, aistate.EndReasonError, rec.EndReason)
	active, err := te.mem.ActiveSession(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
	assert.Equal(t, []aistate.SystemMessageType{aistate.SystemSystemError}, te.systemTypes(t, stale))
}

func TestEngine_CloseShutsDownActiveSession(t *testing.T) {
	te := newTestEngine(t, reply{content: `{"preText":"Hi"}`})
	ctx := context.Background()

	id, _, err := te.StartChat(ctx, "")
	require.NoError(t, err)
	require.NoError(t, te.Close(ctx))

	rec, _, err := te.mem.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, aistate.EndReasonShutdown, rec.EndReason)

	_, err = te.RequestControl(ctx, ControlRequest{SessionID: "x", Type: aistate.SessionTypeChat})
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, te.Close(ctx))
}
