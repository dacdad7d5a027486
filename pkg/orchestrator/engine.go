package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/rs/zerolog"

	"github.com/badibam/assistant-sub007/internal/observability"
	"github.com/badibam/assistant-sub007/internal/tracing"
	"github.com/badibam/assistant-sub007/pkg/aistate"
	"github.com/badibam/assistant-sub007/pkg/interaction"
	"github.com/badibam/assistant-sub007/pkg/parser"
	"github.com/badibam/assistant-sub007/pkg/round"
	"github.com/badibam/assistant-sub007/pkg/sessionctl"
	"github.com/badibam/assistant-sub007/pkg/store"
)

// Config wires an Engine.
type Config struct {
	Store    Store
	Commands round.CommandExecutor
	Provider round.Provider
	Prompts  round.PromptBuilder
	Policy   round.ValidationPolicy

	ChatLimits        aistate.Limits
	AutomationLimits  aistate.Limits
	ChatEvictionAfter time.Duration

	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration

	// ProviderID is used when a control request names none.
	ProviderID string

	Now    func() time.Time
	Logger zerolog.Logger
}

type roundHandle struct {
	id        uint64
	sessionID string
	cancel    context.CancelFunc
	detached  bool
}

type persistOp struct {
	desc string
	fn   func(ctx context.Context) error
}

// Engine runs at most one session at a time.
type Engine struct {
	store      Store
	ctl        *sessionctl.Controller
	waits      *interaction.Manager
	rounds     *round.Executor
	pubsub     *gochannel.GoChannel
	providerID string
	now        func() time.Time
	logger     zerolog.Logger

	// reqMu serializes control requests so pending entries are never pruned
	// before the controller has seen them.
	reqMu sync.Mutex

	mu            sync.Mutex
	state         aistate.State
	limits        map[aistate.SessionType]aistate.Limits
	round         *roundHandle
	roundSeq      uint64
	sessionCtx    context.Context
	sessionCancel context.CancelFunc
	activeReq     ControlRequest
	pending       map[string]ControlRequest
	network       chan struct{}
	resumed       chan struct{}
	snapSeq       uint64
	closed        bool

	networkSignalled bool

	baseCtx    context.Context
	baseCancel context.CancelFunc
	roundsWG   sync.WaitGroup

	persistMu      sync.Mutex
	persistOps     []persistOp
	persistStopped bool
	persistWake    chan struct{}
	persistDone    chan struct{}

	publishWake chan struct{}
	publishDone chan struct{}
}

// New creates an engine with an empty slot.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("%w: store", round.ErrMissingCollaborator)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.AutomationLimits == (aistate.Limits{}) {
		cfg.AutomationLimits = aistate.DefaultLimits(aistate.SessionTypeAutomation)
	}

	logger := cfg.Logger.With().Str("component", "engine").Logger()
	p, err := parser.New(cfg.Logger)
	if err != nil {
		return nil, err
	}
	waits := interaction.NewManager(cfg.Store, cfg.Logger)
	rounds, err := round.New(round.Config{
		Store:                cfg.Store,
		Commands:             cfg.Commands,
		Provider:             cfg.Provider,
		Prompts:              cfg.Prompts,
		Parser:               p,
		Interactions:         waits,
		Policy:               cfg.Policy,
		RetryInitialInterval: cfg.RetryInitialInterval,
		RetryMaxInterval:     cfg.RetryMaxInterval,
		Now:                  cfg.Now,
		Logger:               cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	resumed := make(chan struct{})
	close(resumed)
	baseCtx, baseCancel := context.WithCancel(context.Background())

	e := &Engine{
		store:      cfg.Store,
		waits:      waits,
		rounds:     rounds,
		providerID: cfg.ProviderID,
		now:        cfg.Now,
		logger:     logger,
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: 64},
			watermill.NopLogger{},
		),
		state: aistate.Idle(),
		limits: map[aistate.SessionType]aistate.Limits{
			aistate.SessionTypeChat:       cfg.ChatLimits,
			aistate.SessionTypeAutomation: cfg.AutomationLimits,
		},
		pending:     make(map[string]ControlRequest),
		network:     make(chan struct{}),
		resumed:     resumed,
		baseCtx:     baseCtx,
		baseCancel:  baseCancel,
		persistWake: make(chan struct{}, 1),
		persistDone: make(chan struct{}),
		publishWake: make(chan struct{}, 1),
		publishDone: make(chan struct{}),
	}
	e.ctl = sessionctl.New(sessionctl.Config{
		ChatEvictionAfter: cfg.ChatEvictionAfter,
		OnActivate:        e.onActivate,
		OnClose:           e.onClose,
		Now:               cfg.Now,
		Logger:            cfg.Logger,
	})

	waits.SetFallbackHook(e.recordFallback)

	go e.persistLoop()
	go e.publishLoop()
	return e, nil
}

// recordFallback mirrors a wait's fallback message id into the state while
// the waiting round still owns it.
func (e *Engine) recordFallback(sessionID string, _ interaction.Kind, messageID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.round == nil || e.round.detached || e.state.SessionID != sessionID {
		return
	}
	e.applyLocked(aistate.FallbackMessageRecorded{MessageID: messageID}, e.now())
	e.notifyLocked()
}

// SetLimits replaces the limits of a session type. The active session picks
// them up on its next event.
func (e *Engine) SetLimits(typ aistate.SessionType, limits aistate.Limits) {
	e.mu.Lock()
	e.limits[typ] = limits
	e.mu.Unlock()
}

// SetChatEvictionAfter changes how long a CHAT may idle before an AUTOMATION
// may evict it.
func (e *Engine) SetChatEvictionAfter(d time.Duration) {
	e.ctl.SetChatEvictionAfter(d)
}

// StartChat creates a CHAT session and requests the slot for it.
func (e *Engine) StartChat(ctx context.Context, name string) (string, sessionctl.Result, error) {
	rec, err := e.store.CreateSession(ctx, store.SessionRecord{Type: aistate.SessionTypeChat, Name: name})
	if err != nil {
		return "", sessionctl.Result{}, fmt.Errorf("failed to create chat session: %w", err)
	}
	res, err := e.RequestControl(ctx, ControlRequest{SessionID: rec.ID, Type: aistate.SessionTypeChat})
	return rec.ID, res, err
}

// RequestControl asks the controller for the slot.
func (e *Engine) RequestControl(ctx context.Context, req ControlRequest) (sessionctl.Result, error) {
	e.reqMu.Lock()
	defer e.reqMu.Unlock()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return sessionctl.Result{}, ErrClosed
	}
	e.pending[req.SessionID] = req
	e.mu.Unlock()

	res, err := e.ctl.RequestControl(ctx, req.SessionID, req.Type, req.Schedule)
	e.prunePending()
	e.notify()
	return res, err
}

// prunePending forgets requests that are neither active nor queued.
func (e *Engine) prunePending() {
	live := make(map[string]bool)
	for _, q := range e.ctl.Queue() {
		live[q.SessionID] = true
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for id := range e.pending {
		if !live[id] {
			delete(e.pending, id)
		}
	}
}

// SendUserMessage starts a CHAT round with the user's text.
func (e *Engine) SendUserMessage(ctx context.Context, text string, enrichments []aistate.Command) error {
	e.mu.Lock()
	if err := e.chatCheckLocked(); err != nil {
		e.mu.Unlock()
		return err
	}
	if e.state.Phase == aistate.PhasePaused {
		e.mu.Unlock()
		return ErrPaused
	}
	if e.round != nil || (e.state.Phase != aistate.PhaseIdle && e.state.Phase != aistate.PhaseInterrupted) {
		e.mu.Unlock()
		return ErrRoundInProgress
	}

	sessionID := e.state.SessionID
	e.applyLocked(aistate.UserMessageSent{}, e.now())
	e.startRoundLocked(round.Request{
		SessionID:   sessionID,
		UserText:    text,
		Enrichments: enrichments,
		ProviderID:  e.activeReq.ProviderID,
	})
	now := e.now()
	e.mu.Unlock()

	e.ctl.Touch(now)
	logger := tracing.LoggerFromContext(ctx, e.logger)
	logger.Debug().Str("session_id", sessionID).Msg("User message sent")
	return nil
}

// Interrupt stops the active CHAT round. The phase changes before Interrupt
// returns; an outstanding model response is discarded when it arrives, and
// without one the session is back in IDLE right away.
func (e *Engine) Interrupt(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.chatCheckLocked(); err != nil {
		return err
	}
	prev := e.state.Phase
	e.applyLocked(aistate.AIRoundInterrupted{}, e.now())
	if e.state.Phase == prev {
		return fmt.Errorf("%w: %s", ErrWrongPhase, prev)
	}

	e.waits.InterruptActiveRound()
	e.detachRoundLocked(false)
	e.waits.CancelAll()
	if prev != aistate.PhaseCallingAI {
		// No model response is outstanding, so nothing will arrive to be
		// discarded.
		e.applyLocked(aistate.AIResponseIgnored{}, e.now())
	}

	sessionID := e.state.SessionID
	e.persistSystemAsync(sessionID, aistate.SystemInterrupted, "Interrupted by the user")
	logger := tracing.LoggerFromContext(ctx, e.logger)
	logger.Info().Str("session_id", sessionID).Msg("Round interrupted")
	return nil
}

// ResumeWithValidation answers a pending validation.
func (e *Engine) ResumeWithValidation(approved bool) error {
	if err := e.expectPhase(aistate.PhaseWaitingValidation); err != nil {
		return err
	}
	if err := e.waits.ResumeWithValidation(approved); err != nil {
		return err
	}
	e.ctl.Touch(e.now())
	return nil
}

// ResumeWithResponse answers a pending communication request.
func (e *Engine) ResumeWithResponse(text string) error {
	if err := e.expectPhase(aistate.PhaseWaitingCommunicationResponse); err != nil {
		return err
	}
	if err := e.waits.ResumeWithResponse(text); err != nil {
		return err
	}
	e.ctl.Touch(e.now())
	return nil
}

// Pause freezes the active session in its current phase.
func (e *Engine) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.state.HasSession() {
		return ErrNoActiveSession
	}
	if e.state.Phase == aistate.PhasePaused {
		return ErrPaused
	}
	e.applyLocked(aistate.SessionPaused{}, e.now())
	if e.state.Phase != aistate.PhasePaused {
		return ErrWrongPhase
	}
	e.resumed = make(chan struct{})
	return nil
}

// Resume restores the phase the session was paused in.
func (e *Engine) Resume() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.state.HasSession() {
		return ErrNoActiveSession
	}
	if e.state.Phase != aistate.PhasePaused {
		return ErrWrongPhase
	}
	e.applyLocked(aistate.SessionResumed{}, e.now())
	close(e.resumed)

	if e.round == nil && !e.state.Phase.IsRoundEnd() {
		e.startRoundLocked(round.Request{SessionID: e.state.SessionID, ProviderID: e.activeReq.ProviderID})
	}
	return nil
}

// NotifyNetworkAvailable wakes a session waiting to retry the model. It has
// no effect unless the session is in WAITING_NETWORK_RETRY.
func (e *Engine) NotifyNetworkAvailable() {
	e.mu.Lock()
	defer e.mu.Unlock()
	waiting := e.state.Phase == aistate.PhaseWaitingNetworkRetry ||
		(e.state.Phase == aistate.PhasePaused && e.state.PhaseBeforePause == aistate.PhaseWaitingNetworkRetry)
	if !waiting || e.networkSignalled {
		return
	}
	close(e.network)
	e.networkSignalled = true
}

// Heartbeat lets an idle AUTOMATION time out. A stuck round is replaced by
// one that performs the closure.
func (e *Engine) Heartbeat(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.state.HasSession() {
		return
	}
	prev := e.state.Phase
	e.applyLocked(aistate.SchedulerHeartbeat{}, now)
	if prev == e.state.Phase || e.state.Phase != aistate.PhaseAwaitingSessionClosure {
		return
	}
	e.logger.Info().
		Str("session_id", e.state.SessionID).
		Str("previous_phase", prev.String()).
		Msg("Session timed out")
	e.detachRoundLocked(true)
	e.startRoundLocked(round.Request{SessionID: e.state.SessionID, ProviderID: e.activeReq.ProviderID})
}

// CloseActiveSession ends the active session and hands the slot to the next
// queued one.
func (e *Engine) CloseActiveSession(ctx context.Context, reason aistate.EndReason) error {
	e.mu.Lock()
	sessionID := e.state.SessionID
	e.mu.Unlock()
	if sessionID == "" {
		return ErrNoActiveSession
	}
	if reason == "" {
		reason = aistate.EndReasonUserStopped
	}
	return e.ctl.CloseActive(ctx, sessionID, reason)
}

// CancelQueued removes a session from the queue.
func (e *Engine) CancelQueued(sessionID string) bool {
	e.reqMu.Lock()
	defer e.reqMu.Unlock()
	removed := e.ctl.Remove(sessionID)
	if removed {
		e.prunePending()
		e.notify()
	}
	return removed
}

// Messages returns the ordered history of the active session.
func (e *Engine) Messages(ctx context.Context) ([]store.Message, error) {
	e.mu.Lock()
	sessionID := e.state.SessionID
	e.mu.Unlock()
	if sessionID == "" {
		return nil, ErrNoActiveSession
	}
	_, msgs, err := e.store.GetSession(ctx, sessionID)
	return msgs, err
}

// State returns a copy of the current state.
func (e *Engine) State() aistate.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// RecoverInterrupted ends a session left active by a previous process. It
// returns the id of the recovered session, if any.
func (e *Engine) RecoverInterrupted(ctx context.Context) (string, error) {
	id, err := e.store.ActiveSession(ctx)
	if err != nil || id == "" {
		return "", err
	}
	msg := aistate.SystemMessage{Type: aistate.SystemSystemError, Summary: "The session was interrupted by a restart"}
	if _, err := e.store.CreateMessage(ctx, id, store.SenderSystem, store.Payload{System: &msg}); err != nil {
		e.logger.Warn().Err(err).Str("session_id", id).Msg("Failed to record interrupted session")
	}
	if err := e.store.EndSession(ctx, id, aistate.EndReasonError); err != nil && !errors.Is(err, store.ErrNotFound) {
		return id, err
	}
	if err := e.store.StopActiveSession(ctx); err != nil {
		return id, err
	}
	e.logger.Warn().Str("session_id", id).Msg("Recovered session interrupted by restart")
	return id, nil
}

// Close ends the active session with SHUTDOWN and stops background work.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	sessionID := e.state.SessionID
	e.mu.Unlock()

	for _, q := range e.ctl.Queue() {
		e.ctl.Remove(q.SessionID)
	}

	if sessionID != "" {
		if err := e.ctl.CloseActive(ctx, sessionID, aistate.EndReasonShutdown); err != nil && !errors.Is(err, sessionctl.ErrNotActive) {
			e.logger.Warn().Err(err).Msg("Failed to close active session")
		}
	}
	e.baseCancel()

	done := make(chan struct{})
	go func() {
		e.roundsWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	<-e.persistDone
	<-e.publishDone
	return e.pubsub.Close()
}

func (e *Engine) onActivate(active sessionctl.ActiveSession) {
	e.mu.Lock()
	defer e.mu.Unlock()

	req := e.pending[active.SessionID]
	delete(e.pending, active.SessionID)
	if req.ProviderID == "" {
		req.ProviderID = e.providerID
	}
	e.activeReq = req
	e.sessionCtx, e.sessionCancel = context.WithCancel(e.baseCtx)

	e.applyLocked(aistate.SessionActivationRequested{SessionID: active.SessionID, SessionType: active.Type}, e.now())
	e.persistAsync("set active session", func(ctx context.Context) error {
		return e.store.SetActiveSession(ctx, active.SessionID)
	})

	e.logger.Info().
		Str("session_id", active.SessionID).
		Str("session_type", string(active.Type)).
		Msg("Session activated")

	if active.Type == aistate.SessionTypeAutomation {
		e.startRoundLocked(round.Request{
			SessionID:   active.SessionID,
			Enrichments: req.Enrichments,
			ProviderID:  req.ProviderID,
		})
	}
}

func (e *Engine) onClose(active sessionctl.ActiveSession, reason aistate.EndReason) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state.SessionID == active.SessionID {
		e.applyLocked(aistate.SessionCompleted{Reason: reason}, e.now())
		reason = e.state.EndReason
	}
	e.detachRoundLocked(true)
	if e.sessionCancel != nil {
		e.sessionCancel()
		e.sessionCancel = nil
	}
	e.waits.CancelAll()
	e.waits.ClearInterruption()

	id := active.SessionID
	e.persistAsync("end session", func(ctx context.Context) error {
		return e.store.EndSession(ctx, id, reason)
	})
	e.persistAsync("stop active session", func(ctx context.Context) error {
		return e.store.StopActiveSession(ctx)
	})

	e.logger.Info().
		Str("session_id", id).
		Str("reason", string(reason)).
		Int("roundtrips", e.state.Counters.TotalRoundtrips).
		Msg("Session closed")

	e.state = aistate.Idle()
	e.activeReq = ControlRequest{}
	if e.networkSignalled {
		e.network = make(chan struct{})
		e.networkSignalled = false
	}
	if e.resumed != nil {
		select {
		case <-e.resumed:
		default:
			close(e.resumed)
		}
	}
	e.notifyLocked()
}

func (e *Engine) startRoundLocked(req round.Request) {
	if e.closed || !e.state.HasSession() || e.sessionCtx == nil {
		return
	}
	e.roundSeq++
	ctx, cancel := context.WithCancel(e.sessionCtx)
	ctx = tracing.NewRoundContext(ctx, req.SessionID, string(e.state.SessionType))
	h := &roundHandle{id: e.roundSeq, sessionID: req.SessionID, cancel: cancel}
	e.round = h
	e.waits.ClearInterruption()
	e.notifyLocked()

	e.roundsWG.Add(1)
	go func() {
		defer e.roundsWG.Done()
		defer cancel()
		out := e.rounds.Run(ctx, &roundSink{e: e, h: h}, req)
		e.roundFinished(h, out)
	}()
}

func (e *Engine) roundFinished(h *roundHandle, out round.Outcome) {
	e.mu.Lock()
	if e.round == h {
		e.round = nil
	}
	h.detached = true
	e.notifyLocked()
	e.mu.Unlock()

	logger := e.logger.With().Str("session_id", h.sessionID).Uint64("round", h.id).Logger()
	if out.Err != nil && !out.Detached {
		logger.Warn().Err(out.Err).Str("phase", out.Phase.String()).Msg("Round ended with error")
	} else {
		logger.Debug().Str("phase", out.Phase.String()).Bool("detached", out.Detached).Msg("Round ended")
	}

	if out.Closed() {
		err := e.ctl.CloseActive(e.baseCtxOrBackground(), h.sessionID, out.EndReason)
		if err != nil && !errors.Is(err, sessionctl.ErrNotActive) {
			logger.Error().Err(err).Msg("Failed to free the slot")
		}
	}
}

func (e *Engine) baseCtxOrBackground() context.Context {
	if e.baseCtx.Err() != nil {
		return context.Background()
	}
	return e.baseCtx
}

func (e *Engine) detachRoundLocked(cancel bool) {
	if e.round == nil {
		return
	}
	e.round.detached = true
	if cancel {
		e.round.cancel()
	}
	e.round = nil
	e.notifyLocked()
}

func (e *Engine) applyLocked(ev aistate.Event, now time.Time) {
	prev := e.state
	e.state = aistate.Transition(e.state, ev, e.limitsLocked(), now)

	// The signal stays raised until the retry wait is over.
	if e.networkSignalled && prev.Phase == aistate.PhaseWaitingNetworkRetry && e.state.Phase != aistate.PhaseWaitingNetworkRetry && e.state.Phase != aistate.PhasePaused {
		e.network = make(chan struct{})
		e.networkSignalled = false
	}

	observability.RecordTransition(ev.Name(), e.state.Phase.String())
	if delta := e.state.Counters.TotalRoundtrips - prev.Counters.TotalRoundtrips; delta > 0 {
		observability.RecordRoundtrips(string(e.state.SessionType), delta)
	}
	if prev.Phase != e.state.Phase || prev.SessionID != e.state.SessionID {
		e.logger.Debug().
			Str("session_id", e.state.SessionID).
			Str("event", ev.Name()).
			Str("from", prev.Phase.String()).
			Str("to", e.state.Phase.String()).
			Int("roundtrips", e.state.Counters.TotalRoundtrips).
			Msg("Phase changed")
		e.notifyLocked()
	}
}

func (e *Engine) limitsLocked() aistate.Limits {
	return e.limits[e.state.SessionType]
}

func (e *Engine) chatCheckLocked() error {
	if e.closed {
		return ErrClosed
	}
	if !e.state.HasSession() {
		return ErrNoActiveSession
	}
	if e.state.SessionType != aistate.SessionTypeChat {
		return ErrNotChat
	}
	return nil
}

func (e *Engine) expectPhase(p aistate.Phase) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case !e.state.HasSession():
		return ErrNoActiveSession
	case e.state.Phase == aistate.PhasePaused:
		return ErrPaused
	case e.state.Phase != p:
		return fmt.Errorf("%w: %s", ErrWrongPhase, e.state.Phase)
	}
	return nil
}
