package round

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
	"github.com/badibam/assistant-sub007/pkg/interaction"
	"github.com/badibam/assistant-sub007/pkg/parser"
	"github.com/badibam/assistant-sub007/pkg/provider"
	"github.com/badibam/assistant-sub007/pkg/store"
)

// fakeSink folds events like the engine does, without the slot bookkeeping.
type fakeSink struct {
	mu       sync.Mutex
	state    aistate.State
	limits   aistate.Limits
	detached bool
	ignored  int
	released bool
	phases   []aistate.Phase
	resumed  chan struct{}
	network  chan struct{}
}

func newFakeSink(s aistate.State, limits aistate.Limits) *fakeSink {
	resumed := make(chan struct{})
	close(resumed)
	return &fakeSink{state: s, limits: limits, resumed: resumed, network: make(chan struct{})}
}

func (f *fakeSink) Checkpoint() (aistate.State, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.detached {
		return f.state, false
	}
	if f.state.Phase.IsRoundEnd() {
		f.released = true
	}
	return f.state, true
}

func (f *fakeSink) Apply(ev aistate.Event) (aistate.State, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.detached {
		return f.state, false
	}
	f.fold(ev)
	return f.state, true
}

// external applies an event from outside the round.
func (f *fakeSink) external(ev aistate.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch ev.(type) {
	case aistate.SessionPaused:
		f.resumed = make(chan struct{})
	case aistate.SessionResumed:
		close(f.resumed)
	}
	f.fold(ev)
}

func (f *fakeSink) fold(ev aistate.Event) {
	prev := f.state.Phase
	f.state = aistate.Transition(f.state, ev, f.limits, time.Now())
	if f.state.Phase != prev {
		f.phases = append(f.phases, f.state.Phase)
	}
}

func (f *fakeSink) Detached() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.detached
}

func (f *fakeSink) detach() {
	f.mu.Lock()
	f.detached = true
	f.mu.Unlock()
}

func (f *fakeSink) Ignore() {
	f.mu.Lock()
	f.ignored++
	f.mu.Unlock()
}

func (f *fakeSink) Limits() aistate.Limits { return f.limits }

func (f *fakeSink) NetworkAvailable() <-chan struct{} { return f.network }

func (f *fakeSink) Resumed() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resumed
}

func (f *fakeSink) snapshot() (aistate.State, []aistate.Phase) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state, append([]aistate.Phase(nil), f.phases...)
}

type reply struct {
	content string
	err     error
	wait    chan struct{}
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
		<-r.wait
	}
	if r.err != nil {
		return nil, r.err
	}
	return &provider.Response{Content: r.content, Usage: &provider.TokenUsage{InputTokens: 10, OutputTokens: 5}}, nil
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type recordingPrompts struct {
	mu            sync.Mutex
	continuations []aistate.ContinuationReason
	historySizes  []int
	panicOnBuild  bool
}

func (b *recordingPrompts) Build(_ context.Context, _ *store.SessionRecord, msgs []store.Message, s aistate.State) (provider.Payload, error) {
	if b.panicOnBuild {
		panic("template exploded")
	}
	b.mu.Lock()
	b.continuations = append(b.continuations, s.ContinuationReason)
	b.historySizes = append(b.historySizes, len(msgs))
	b.mu.Unlock()
	return provider.Payload{Messages: []provider.Message{{Role: provider.RoleUser, Content: "hi"}}}, nil
}

type harness struct {
	exec     *Executor
	mem      *store.Memory
	provider *scriptedProvider
	prompts  *recordingPrompts
	waits    *interaction.Manager
	writes   *int
	session  string
}

func newHarness(t *testing.T, typ aistate.SessionType, replies ...reply) *harness {
	t.Helper()
	mem := store.NewMemory()
	rec, err := mem.CreateSession(context.Background(), store.SessionRecord{Type: typ})
	require.NoError(t, err)

	cmds := commands.NewExecutor(zerolog.Nop())
	writes := 0
	var writeMu sync.Mutex
	require.NoError(t, cmds.Register(commands.Definition{
		Type:     "test.read",
		ReadOnly: true,
		Handler: func(context.Context, map[string]any) (any, error) {
			return map[string]any{"value": 42}, nil
		},
	}))
	require.NoError(t, cmds.Register(commands.Definition{
		Type: "test.write",
		Handler: func(context.Context, map[string]any) (any, error) {
			writeMu.Lock()
			writes++
			writeMu.Unlock()
			return "written", nil
		},
	}))
	require.NoError(t, cmds.Register(commands.Definition{
		Type: "test.fail",
		Handler: func(context.Context, map[string]any) (any, error) {
			return nil, errors.New("disk full")
		},
	}))

	p, err := parser.New(zerolog.Nop())
	require.NoError(t, err)

	h := &harness{
		mem:      mem,
		provider: &scriptedProvider{replies: replies},
		prompts:  &recordingPrompts{},
		waits:    interaction.NewManager(mem, zerolog.Nop()),
		writes:   &writes,
		session:  rec.ID,
	}
	h.exec, err = New(Config{
		Store:                mem,
		Commands:             cmds,
		Provider:             h.provider,
		Prompts:              h.prompts,
		Parser:               p,
		Interactions:         h.waits,
		Policy:               ValidationPolicy{AutoApprove: []string{"test.write"}},
		RetryInitialInterval: time.Millisecond,
		RetryMaxInterval:     5 * time.Millisecond,
		Logger:               zerolog.Nop(),
	})
	require.NoError(t, err)
	return h
}

func (h *harness) activeState(typ aistate.SessionType) aistate.State {
	s := aistate.Transition(aistate.Idle(), aistate.SessionActivationRequested{SessionID: h.session, SessionType: typ}, aistate.Limits{}, time.Now())
	if typ == aistate.SessionTypeChat {
		s = aistate.Transition(s, aistate.UserMessageSent{}, aistate.Limits{}, time.Now())
	}
	return s
}

func (h *harness) systemTypes(t *testing.T) []aistate.SystemMessageType {
	t.Helper()
	_, msgs, err := h.mem.GetSession(context.Background(), h.session)
	require.NoError(t, err)
	var out []aistate.SystemMessageType
	for _, m := range msgs {
		if m.Sender == store.SenderSystem {
			out = append(out, m.Payload.System.Type)
		}
	}
	return out
}

func (h *harness) run(sink *fakeSink, enrichments ...aistate.Command) Outcome {
	return h.exec.Run(context.Background(), sink, Request{SessionID: h.session, Enrichments: enrichments})
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, ErrMissingCollaborator)
}

func TestRun_ChatWithoutCommands(t *testing.T) {
	h := newHarness(t, aistate.SessionTypeChat, reply{content: `{"preText":"Hello there"}`})
	sink := newFakeSink(h.activeState(aistate.SessionTypeChat), aistate.Limits{})

	out := h.run(sink)

	assert.Equal(t, aistate.PhaseIdle, out.Phase)
	assert.False(t, out.Detached)
	_, phases := sink.snapshot()
	assert.Equal(t, []aistate.Phase{
		aistate.PhaseCallingAI,
		aistate.PhaseParsingAIResponse,
		aistate.PhaseIdle,
	}, phases)
	assert.True(t, sink.released)

	_, msgs, err := h.mem.GetSession(context.Background(), h.session)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, store.SenderAI, msgs[0].Sender)
	assert.Equal(t, "Hello there", msgs[0].Payload.AI.PreText)
}

func TestRun_PersistsUserTextFirst(t *testing.T) {
	h := newHarness(t, aistate.SessionTypeChat, reply{content: `{"preText":"Noted"}`})
	sink := newFakeSink(h.activeState(aistate.SessionTypeChat), aistate.Limits{})

	out := h.exec.Run(context.Background(), sink, Request{
		SessionID:   h.session,
		UserText:    "remember the milk",
		Enrichments: []aistate.Command{{Type: "test.read"}},
	})

	assert.Equal(t, aistate.PhaseIdle, out.Phase)
	_, msgs, err := h.mem.GetSession(context.Background(), h.session)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, store.SenderUser, msgs[0].Sender)
	assert.Equal(t, "remember the milk", msgs[0].Payload.Text)
	assert.Equal(t, aistate.SystemDataAdded, msgs[1].Payload.System.Type)
	assert.Equal(t, store.SenderAI, msgs[2].Sender)
	assert.Equal(t, []int{2}, h.prompts.historySizes)
}

func TestRun_AutomationToCompletion(t *testing.T) {
	h := newHarness(t, aistate.SessionTypeAutomation,
		reply{content: `{"preText":"Looking","dataCommands":[{"type":"test.read"}]}`},
		reply{content: `{"preText":"Writing","actionCommands":[{"type":"test.write"}]}`},
		reply{content: `{"preText":"All done","completed":true}`},
		reply{content: `{"preText":"Confirmed","completed":true}`},
	)
	sink := newFakeSink(h.activeState(aistate.SessionTypeAutomation), aistate.DefaultLimits(aistate.SessionTypeAutomation))

	out := h.run(sink, aistate.Command{Type: "test.read"})

	require.NoError(t, out.Err)
	assert.True(t, out.Closed())
	assert.Equal(t, aistate.EndReasonCompleted, out.EndReason)
	assert.Equal(t, 1, *h.writes)
	assert.Equal(t, 4, h.provider.callCount())
	assert.Equal(t, []aistate.SystemMessageType{
		aistate.SystemDataAdded,
		aistate.SystemDataAdded,
		aistate.SystemActionsExecuted,
	}, h.systemTypes(t))

	assert.Equal(t, []aistate.ContinuationReason{"", "", "", aistate.ContinuationCompletionConfirmationRequired}, h.prompts.continuations)

	s, _ := sink.snapshot()
	assert.Equal(t, 6, s.Counters.TotalRoundtrips)
}

func TestRun_AutomationStopsAtLimit(t *testing.T) {
	h := newHarness(t, aistate.SessionTypeAutomation, reply{content: "not json at all"})
	sink := newFakeSink(h.activeState(aistate.SessionTypeAutomation), aistate.Limits{MaxAutonomousRoundtrips: 3})

	out := h.run(sink)

	assert.True(t, out.Closed())
	assert.Equal(t, aistate.EndReasonLimitReached, out.EndReason)
	assert.Equal(t, 3, h.provider.callCount())

	types := h.systemTypes(t)
	require.NotEmpty(t, types)
	assert.Equal(t, aistate.SystemLimitReached, types[len(types)-1])
	assert.Equal(t, 3, countType(types, aistate.SystemFormatError))
}

func TestRun_ChatLimitReturnsToIdle(t *testing.T) {
	h := newHarness(t, aistate.SessionTypeChat,
		reply{content: `{"preText":"Writing","actionCommands":[{"type":"test.write"}],"validationRequest":false,"keepControl":true}`},
	)
	sink := newFakeSink(h.activeState(aistate.SessionTypeChat), aistate.Limits{MaxAutonomousRoundtrips: 4})

	out := h.run(sink)

	assert.Equal(t, aistate.PhaseIdle, out.Phase)
	assert.Equal(t, 2, h.provider.callCount())
	assert.Contains(t, h.systemTypes(t), aistate.SystemLimitReached)
}

func TestRun_ChatValidation(t *testing.T) {
	h := newHarness(t, aistate.SessionTypeChat,
		reply{content: `{"preText":"May I?","actionCommands":[{"type":"test.write"}]}`},
	)
	sink := newFakeSink(h.activeState(aistate.SessionTypeChat), aistate.Limits{})

	done := make(chan Outcome, 1)
	go func() { done <- h.run(sink) }()

	require.Eventually(t, func() bool { return len(h.waits.Pending()) == 1 }, time.Second, 5*time.Millisecond)
	s, _ := sink.snapshot()
	assert.Equal(t, aistate.PhaseWaitingValidation, s.Phase)
	vc, ok := s.WaitingContext.(aistate.ValidationContext)
	require.True(t, ok)
	assert.Equal(t, "May I?", vc.Rationale)

	require.NoError(t, h.waits.ResumeWithValidation(true))
	out := <-done

	assert.Equal(t, aistate.PhaseIdle, out.Phase)
	assert.Equal(t, 1, *h.writes)
	assert.Equal(t, []aistate.SystemMessageType{aistate.SystemActionsExecuted}, h.systemTypes(t))
}

func TestRun_ChatValidationRejected(t *testing.T) {
	h := newHarness(t, aistate.SessionTypeChat,
		reply{content: `{"preText":"May I?","actionCommands":[{"type":"test.write"}]}`},
	)
	sink := newFakeSink(h.activeState(aistate.SessionTypeChat), aistate.Limits{})

	done := make(chan Outcome, 1)
	go func() { done <- h.run(sink) }()

	require.Eventually(t, func() bool { return len(h.waits.Pending()) == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, h.waits.ResumeWithValidation(false))

	out := <-done
	assert.Equal(t, aistate.PhaseIdle, out.Phase)
	assert.Equal(t, 0, *h.writes)
}

func TestRun_AutoApprovedActions(t *testing.T) {
	h := newHarness(t, aistate.SessionTypeChat,
		reply{content: `{"preText":"Saving","actionCommands":[{"type":"test.write"}],"validationRequest":false}`},
	)
	sink := newFakeSink(h.activeState(aistate.SessionTypeChat), aistate.Limits{})

	out := h.run(sink)

	assert.Equal(t, aistate.PhaseIdle, out.Phase)
	assert.Equal(t, 1, *h.writes)
	assert.Empty(t, h.waits.Pending())
}

func TestRun_ActionFailureRetries(t *testing.T) {
	h := newHarness(t, aistate.SessionTypeAutomation,
		reply{content: `{"preText":"Try","actionCommands":[{"type":"test.fail"}]}`},
		reply{content: `{"preText":"Giving up","completed":true}`},
		reply{content: `{"preText":"Really done","completed":true}`},
	)
	sink := newFakeSink(h.activeState(aistate.SessionTypeAutomation), aistate.Limits{MaxAutonomousRoundtrips: 10})

	out := h.run(sink)

	assert.True(t, out.Closed())
	_, phases := sink.snapshot()
	assert.Contains(t, phases, aistate.PhaseRetryingAfterActionFailure)
}

func TestRun_CommunicationResponse(t *testing.T) {
	h := newHarness(t, aistate.SessionTypeChat,
		reply{content: `{"preText":"Which colour?","communicationModule":{"type":"question"}}`},
		reply{content: `{"preText":"Blue it is"}`},
	)
	sink := newFakeSink(h.activeState(aistate.SessionTypeChat), aistate.Limits{})

	done := make(chan Outcome, 1)
	go func() { done <- h.run(sink) }()

	require.Eventually(t, func() bool { return len(h.waits.Pending()) == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, h.waits.ResumeWithResponse("blue"))

	out := <-done
	assert.Equal(t, aistate.PhaseIdle, out.Phase)
	assert.Equal(t, 2, h.provider.callCount())

	_, msgs, err := h.mem.GetSession(context.Background(), h.session)
	require.NoError(t, err)
	var userTexts []string
	for _, m := range msgs {
		if m.Sender == store.SenderUser {
			userTexts = append(userTexts, m.Payload.Text)
		}
	}
	assert.Equal(t, []string{"blue"}, userTexts)
}

func TestRun_NetworkErrorRetriesAutomation(t *testing.T) {
	netErr := &provider.Error{Provider: "anthropic", StatusCode: 503, Network: true, Err: errors.New("unavailable")}
	h := newHarness(t, aistate.SessionTypeAutomation,
		reply{err: netErr},
		reply{content: `{"preText":"done","completed":true}`},
	)
	sink := newFakeSink(h.activeState(aistate.SessionTypeAutomation), aistate.Limits{MaxAutonomousRoundtrips: 10})

	out := h.run(sink)

	assert.True(t, out.Closed())
	_, phases := sink.snapshot()
	assert.Contains(t, phases, aistate.PhaseWaitingNetworkRetry)
	assert.Equal(t, aistate.SystemNetworkError, h.systemTypes(t)[0])
}

func TestRun_NetworkErrorEndsChatRound(t *testing.T) {
	netErr := &provider.Error{Provider: "openai", Network: true, Err: errors.New("connection reset")}
	h := newHarness(t, aistate.SessionTypeChat, reply{err: netErr})
	sink := newFakeSink(h.activeState(aistate.SessionTypeChat), aistate.Limits{})

	out := h.run(sink)

	assert.Equal(t, aistate.PhaseIdle, out.Phase)
	assert.Equal(t, 1, h.provider.callCount())
	assert.Equal(t, []aistate.SystemMessageType{aistate.SystemNetworkError}, h.systemTypes(t))
}

func TestRun_ProviderErrorClosesAutomation(t *testing.T) {
	h := newHarness(t, aistate.SessionTypeAutomation, reply{err: &provider.Error{Provider: "openai", StatusCode: 401, Err: errors.New("bad key")}})
	sink := newFakeSink(h.activeState(aistate.SessionTypeAutomation), aistate.Limits{})

	out := h.run(sink)

	assert.True(t, out.Closed())
	assert.Equal(t, aistate.EndReasonError, out.EndReason)
	assert.Equal(t, []aistate.SystemMessageType{aistate.SystemProviderError}, h.systemTypes(t))
}

func TestRun_PanicClosesSession(t *testing.T) {
	h := newHarness(t, aistate.SessionTypeChat, reply{content: `{"preText":"unused"}`})
	h.prompts.panicOnBuild = true
	sink := newFakeSink(h.activeState(aistate.SessionTypeChat), aistate.Limits{})

	out := h.run(sink)

	require.Error(t, out.Err)
	assert.True(t, out.Closed())
	assert.Equal(t, aistate.EndReasonError, out.EndReason)
	assert.Equal(t, []aistate.SystemMessageType{aistate.SystemSystemError}, h.systemTypes(t))
}

func TestRun_DetachedResponseIsIgnored(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, aistate.SessionTypeChat, reply{content: `{"preText":"late"}`, wait: release})
	sink := newFakeSink(h.activeState(aistate.SessionTypeChat), aistate.Limits{})

	done := make(chan Outcome, 1)
	go func() { done <- h.run(sink) }()

	require.Eventually(t, func() bool { return h.provider.callCount() == 1 }, time.Second, 5*time.Millisecond)
	sink.external(aistate.AIRoundInterrupted{})
	sink.detach()
	close(release)

	out := <-done
	assert.True(t, out.Detached)
	assert.Equal(t, 1, sink.ignored)

	_, msgs, err := h.mem.GetSession(context.Background(), h.session)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestRun_PauseHoldsEvent(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, aistate.SessionTypeChat, reply{content: `{"preText":"Hi"}`, wait: release})
	sink := newFakeSink(h.activeState(aistate.SessionTypeChat), aistate.Limits{})

	done := make(chan Outcome, 1)
	go func() { done <- h.run(sink) }()

	require.Eventually(t, func() bool { return h.provider.callCount() == 1 }, time.Second, 5*time.Millisecond)
	sink.external(aistate.SessionPaused{})
	close(release)

	select {
	case <-done:
		t.Fatal("round should hold while paused")
	case <-time.After(50 * time.Millisecond):
	}

	sink.external(aistate.SessionResumed{})
	out := <-done
	assert.Equal(t, aistate.PhaseIdle, out.Phase)
	assert.Equal(t, 1, h.provider.callCount())
}

func TestRun_ContextCancelStopsWait(t *testing.T) {
	h := newHarness(t, aistate.SessionTypeChat,
		reply{content: `{"preText":"Question","communicationModule":{"type":"question"}}`},
	)
	sink := newFakeSink(h.activeState(aistate.SessionTypeChat), aistate.Limits{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan Outcome, 1)
	go func() { done <- h.exec.Run(ctx, sink, Request{SessionID: h.session}) }()

	require.Eventually(t, func() bool { return len(h.waits.Pending()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	out := <-done
	assert.True(t, out.Detached)
	assert.ErrorIs(t, out.Err, context.Canceled)
}

func TestValidationPolicy(t *testing.T) {
	yes, no := true, false
	policy := ValidationPolicy{AutoApprove: []string{"notes.create"}}

	assert.True(t, policy.RequiresValidation(aistate.AIMessage{ActionCommands: []aistate.Command{{Type: "notes.create"}}}))
	assert.True(t, policy.RequiresValidation(aistate.AIMessage{ValidationRequest: &yes, ActionCommands: []aistate.Command{{Type: "notes.create"}}}))
	assert.False(t, policy.RequiresValidation(aistate.AIMessage{ValidationRequest: &no, ActionCommands: []aistate.Command{{Type: "notes.create"}}}))
	assert.True(t, policy.RequiresValidation(aistate.AIMessage{ValidationRequest: &no, ActionCommands: []aistate.Command{{Type: "notes.create"}, {Type: "notes.delete"}}}))
}

func countType(types []aistate.SystemMessageType, want aistate.SystemMessageType) int {
	n := 0
	for _, t := range types {
		if t == want {
			n++
		}
	}
	return n
}
