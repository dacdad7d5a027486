package round

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/badibam/assistant-sub007/internal/observability"
	"github.com/badibam/assistant-sub007/internal/tracing"
	"github.com/badibam/assistant-sub007/pkg/aistate"
	"github.com/badibam/assistant-sub007/pkg/commands"
	"github.com/badibam/assistant-sub007/pkg/parser"
	"github.com/badibam/assistant-sub007/pkg/provider"
	"github.com/badibam/assistant-sub007/pkg/store"
)

const (
	DefaultRetryInitialInterval = 2 * time.Second
	DefaultRetryMaxInterval     = 5 * time.Minute

	tracerName = "assistant.round"
)

var (
	// ErrMissingCollaborator is returned by New when a required dependency is nil.
	ErrMissingCollaborator = errors.New("round: missing collaborator")

	errDetached = errors.New("round detached")
)

// Config wires an Executor.
type Config struct {
	Store        MessageStore
	Commands     CommandExecutor
	Provider     Provider
	Prompts      PromptBuilder
	Parser       *parser.Parser
	Interactions Interactions
	Policy       ValidationPolicy

	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration

	Now    func() time.Time
	Logger zerolog.Logger
}

// Request identifies the round to run.
type Request struct {
	SessionID string
	// UserText is stored as a USER message before the round does anything
	// else.
	UserText string
	// Enrichments run in EXECUTING_ENRICHMENTS before the first model call.
	Enrichments []aistate.Command
	// ProviderID selects the model; empty uses the provider's default.
	ProviderID string
}

// Outcome is how a round ended.
type Outcome struct {
	Phase     aistate.Phase
	EndReason aistate.EndReason
	// Detached is set when the round stopped because it lost the state.
	Detached bool
	Err      error
}

// Closed reports whether the session reached CLOSED in this round.
func (o Outcome) Closed() bool {
	return !o.Detached && o.Phase == aistate.PhaseClosed
}

// Executor runs rounds. It is safe for concurrent use, though the engine
// runs at most one round at a time.
type Executor struct {
	store    MessageStore
	commands CommandExecutor
	provider Provider
	prompts  PromptBuilder
	parser   *parser.Parser
	waits    Interactions
	policy   ValidationPolicy

	retryInitial time.Duration
	retryMax     time.Duration
	now          func() time.Time
	logger       zerolog.Logger
}

// New creates an executor.
func New(cfg Config) (*Executor, error) {
	switch {
	case cfg.Store == nil:
		return nil, fmt.Errorf("%w: store", ErrMissingCollaborator)
	case cfg.Commands == nil:
		return nil, fmt.Errorf("%w: command executor", ErrMissingCollaborator)
	case cfg.Provider == nil:
		return nil, fmt.Errorf("%w: provider", ErrMissingCollaborator)
	case cfg.Prompts == nil:
		return nil, fmt.Errorf("%w: prompt builder", ErrMissingCollaborator)
	case cfg.Parser == nil:
		return nil, fmt.Errorf("%w: parser", ErrMissingCollaborator)
	case cfg.Interactions == nil:
		return nil, fmt.Errorf("%w: interactions", ErrMissingCollaborator)
	}
	if cfg.RetryInitialInterval <= 0 {
		cfg.RetryInitialInterval = DefaultRetryInitialInterval
	}
	if cfg.RetryMaxInterval <= 0 {
		cfg.RetryMaxInterval = DefaultRetryMaxInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Executor{
		store:        cfg.Store,
		commands:     cfg.Commands,
		provider:     cfg.Provider,
		prompts:      cfg.Prompts,
		parser:       cfg.Parser,
		waits:        cfg.Interactions,
		policy:       cfg.Policy,
		retryInitial: cfg.RetryInitialInterval,
		retryMax:     cfg.RetryMaxInterval,
		now:          cfg.Now,
		logger:       cfg.Logger.With().Str("component", "round-executor").Logger(),
	}, nil
}

// run is the per-round scratch state.
type run struct {
	*Executor
	ctx    context.Context
	sink   StateSink
	req    Request
	logger zerolog.Logger

	response     *provider.Response
	continuation aistate.ContinuationReason
	roundtrips   int
	backoff      *backoff.ExponentialBackOff
}

// Run drives the session until the state reaches IDLE, CLOSED, PAUSED or
// INTERRUPTED, or until the sink detaches the round. WAITING_* phases block
// inside Run. A panic closes the session with ERROR.
func (e *Executor) Run(ctx context.Context, sink StateSink, req Request) (out Outcome) {
	r := &run{
		Executor: e,
		ctx:      ctx,
		sink:     sink,
		req:      req,
		logger:   tracing.LoggerFromContext(ctx, e.logger).With().Str("session_id", req.SessionID).Logger(),
		backoff:  e.newBackoff(),
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().
				Interface("panic", rec).
				Str("stack", string(debug.Stack())).
				Msg("Round panicked")
			out = r.fail(fmt.Errorf("round panicked: %v", rec))
		}
	}()

	if req.UserText != "" {
		if _, err := e.store.CreateMessage(ctx, req.SessionID, store.SenderUser, store.Payload{Text: req.UserText}); err != nil {
			return r.fail(fmt.Errorf("failed to persist user message: %w", err))
		}
	}

	for {
		s, ok := sink.Checkpoint()
		if !ok || s.SessionID != req.SessionID {
			return Outcome{Phase: s.Phase, Detached: true}
		}
		if s.Phase.IsRoundEnd() {
			return Outcome{Phase: s.Phase, EndReason: s.EndReason}
		}
		r.roundtrips = s.Counters.TotalRoundtrips
		if r.waits.Interrupted() {
			r.logger.Debug().Str("phase", s.Phase.String()).Msg("Round interrupted between steps")
			return Outcome{Phase: s.Phase, Detached: true}
		}

		start := time.Now()
		err := r.step(s)
		observability.RecordRound(string(s.SessionType), s.Phase.String(), time.Since(start))

		if err != nil {
			if errors.Is(err, errDetached) || ctx.Err() != nil {
				return Outcome{Phase: s.Phase, Detached: true, Err: ctx.Err()}
			}
			return r.fail(err)
		}
	}
}

func (r *run) step(s aistate.State) error {
	ctx, span := tracing.StartSpan(r.ctx, tracerName, "round."+strings.ToLower(s.Phase.String()),
		attribute.String("session_id", s.SessionID),
		attribute.String("session_type", string(s.SessionType)),
		attribute.Int("roundtrips", s.Counters.TotalRoundtrips),
	)
	defer span.End()

	switch s.Phase {
	case aistate.PhaseExecutingEnrichments:
		return r.enrich(ctx, s)
	case aistate.PhaseCallingAI:
		return r.callAI(ctx, s)
	case aistate.PhaseParsingAIResponse:
		return r.parse(ctx, s)
	case aistate.PhaseWaitingValidation:
		return r.awaitValidation(ctx, s)
	case aistate.PhaseWaitingCommunicationResponse:
		return r.awaitResponse(ctx, s)
	case aistate.PhaseWaitingNetworkRetry:
		return r.awaitNetwork(ctx, s)
	case aistate.PhaseExecutingDataQueries:
		return r.runDataQueries(ctx, s)
	case aistate.PhaseExecutingActions:
		return r.runActions(ctx, s)
	case aistate.PhaseRetryingAfterFormatError, aistate.PhaseRetryingAfterActionFailure:
		return r.apply(ctx, aistate.RetryScheduled{})
	case aistate.PhasePreparingContinuation:
		r.continuation = s.ContinuationReason
		return r.apply(ctx, aistate.ContinuationReady{})
	case aistate.PhaseAwaitingSessionClosure:
		return r.confirmClosure(ctx, s)
	default:
		return fmt.Errorf("no step for phase %s", s.Phase)
	}
}

func (r *run) enrich(ctx context.Context, s aistate.State) error {
	cmds := r.req.Enrichments
	r.req.Enrichments = nil
	if len(cmds) > 0 {
		res, err := r.commands.Execute(ctx, cmds, commands.KindEnrichment)
		if err != nil {
			return err
		}
		r.persistSystem(ctx, s.SessionID, aistate.SystemDataAdded,
			fmt.Sprintf("%d enrichment(s) added to context", len(res.PerCommand)), res.FormattedOutput)
	}
	return r.apply(ctx, aistate.EnrichmentsExecuted{})
}

func (r *run) callAI(ctx context.Context, s aistate.State) error {
	session, messages, err := r.store.GetSession(ctx, s.SessionID)
	if err != nil {
		return fmt.Errorf("failed to load session history: %w", err)
	}

	view := s
	view.ContinuationReason = r.continuation
	r.continuation = ""
	payload, err := r.prompts.Build(ctx, session, messages, view)
	if err != nil {
		return fmt.Errorf("failed to build prompt: %w", err)
	}

	resp, err := r.provider.Query(ctx, payload, r.req.ProviderID)
	if r.sink.Detached() {
		r.logger.Debug().Msg("Discarding model response of a detached round")
		r.sink.Ignore()
		return errDetached
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return r.providerFailed(ctx, s, err)
	}

	r.backoff.Reset()
	r.response = resp
	return r.apply(ctx, aistate.AIResponseReceived{})
}

func (r *run) providerFailed(ctx context.Context, s aistate.State, err error) error {
	if provider.IsNetworkError(err) {
		delay := r.backoff.NextBackOff()
		retryAt := r.now().Add(delay)
		summary := "The model could not be reached"
		if s.SessionType == aistate.SessionTypeAutomation {
			summary = fmt.Sprintf("The model could not be reached, retrying at %s", retryAt.Format(time.RFC3339))
		}
		r.logger.Warn().Err(err).Dur("retry_in", delay).Msg("Network error calling model")
		r.persistSystem(ctx, s.SessionID, aistate.SystemNetworkError, summary, err.Error())
		return r.apply(ctx, aistate.NetworkErrorOccurred{Message: err.Error(), RetryAt: retryAt})
	}

	r.logger.Error().Err(err).Msg("Provider error")
	r.persistSystem(ctx, s.SessionID, aistate.SystemProviderError, "The model provider rejected the request", err.Error())
	return r.apply(ctx, aistate.ProviderErrorOccurred{Message: err.Error()})
}

func (r *run) parse(ctx context.Context, s aistate.State) error {
	resp := r.response
	r.response = nil
	if resp == nil {
		errs := []string{"no model response to parse"}
		r.persistSystem(ctx, s.SessionID, aistate.SystemFormatError, "The model response was lost", errs[0])
		return r.apply(ctx, aistate.ParseErrorOccurred{Errors: errs})
	}

	res := r.parser.ParseResponse(resp.Content, resp.Usage)
	if res.Fallback {
		r.persistAI(ctx, s.SessionID, res.Message, resp.Content)
	}
	if !res.OK() {
		r.logger.Warn().Strs("format_errors", res.FormatErrors).Bool("fallback", res.Fallback).Msg("Model response rejected")
		data := strings.Join(res.FormatErrors, "\n")
		if !res.Fallback {
			data += "\n\nResponse:\n" + resp.Content
		}
		r.persistSystem(ctx, s.SessionID, aistate.SystemFormatError,
			"The model response did not follow the expected format", data)
		return r.apply(ctx, aistate.ParseErrorOccurred{Errors: res.FormatErrors})
	}

	r.persistAI(ctx, s.SessionID, res.Message, resp.Content)
	return r.apply(ctx, aistate.AIResponseParsed{Message: res.Message})
}

func (r *run) awaitValidation(ctx context.Context, s aistate.State) error {
	vc, _ := s.WaitingContext.(aistate.ValidationContext)
	if s.LastMessage != nil && !r.policy.RequiresValidation(*s.LastMessage) {
		r.logger.Debug().Int("actions", len(vc.Commands)).Msg("Actions auto-approved")
		return r.apply(ctx, aistate.ValidationReceived{Approved: true})
	}

	approved, err := r.waits.WaitForValidation(ctx, s.SessionID, vc)
	if err != nil {
		return err
	}
	return r.apply(ctx, aistate.ValidationReceived{Approved: approved})
}

func (r *run) awaitResponse(ctx context.Context, s aistate.State) error {
	cc, _ := s.WaitingContext.(aistate.CommunicationContext)
	text, err := r.waits.WaitForResponse(ctx, s.SessionID, cc)
	if err != nil {
		return err
	}
	if text == nil {
		return r.apply(ctx, aistate.CommunicationResponseReceived{Cancelled: true})
	}
	if !r.sink.Detached() {
		if _, err := r.store.CreateMessage(ctx, s.SessionID, store.SenderUser, store.Payload{Text: *text}); err != nil {
			r.logger.Warn().Err(err).Msg("Failed to persist user response")
		}
	}
	return r.apply(ctx, aistate.CommunicationResponseReceived{Text: *text})
}

func (r *run) awaitNetwork(ctx context.Context, s aistate.State) error {
	nc, _ := s.WaitingContext.(aistate.NetworkRetryContext)
	delay := nc.RetryAt.Sub(r.now())
	if delay < 0 {
		delay = 0
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return r.apply(ctx, aistate.NetworkRetryScheduled{})
	case <-r.sink.NetworkAvailable():
		return r.apply(ctx, aistate.NetworkAvailable{})
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *run) runDataQueries(ctx context.Context, s aistate.State) error {
	if s.LastMessage == nil {
		return fmt.Errorf("no model message in %s", s.Phase)
	}
	cmds := s.LastMessage.DataCommands
	res, err := r.commands.Execute(ctx, cmds, commands.KindDataQuery)
	if err != nil {
		return err
	}
	r.persistSystem(ctx, s.SessionID, aistate.SystemDataAdded,
		fmt.Sprintf("%d of %d data queries succeeded", succeeded(res), len(cmds)), res.FormattedOutput)
	if !res.AllSuccess {
		return r.apply(ctx, aistate.ActionFailureOccurred{Message: "one or more data queries failed"})
	}
	return r.apply(ctx, aistate.DataQueriesExecuted{})
}

func (r *run) runActions(ctx context.Context, s aistate.State) error {
	if s.LastMessage == nil {
		return fmt.Errorf("no model message in %s", s.Phase)
	}
	cmds := s.LastMessage.ActionCommands
	res, err := r.commands.Execute(ctx, cmds, commands.KindAction)
	if err != nil {
		return err
	}
	r.persistSystem(ctx, s.SessionID, aistate.SystemActionsExecuted,
		fmt.Sprintf("%d of %d action(s) succeeded", succeeded(res), len(cmds)), res.FormattedOutput)
	return r.apply(ctx, aistate.ActionsExecuted{
		AllSuccess:  res.AllSuccess,
		KeepControl: s.LastMessage.WantsControl(),
	})
}

func (r *run) confirmClosure(ctx context.Context, s aistate.State) error {
	switch s.PendingEndReason {
	case aistate.EndReasonLimitReached:
		r.persistSystem(ctx, s.SessionID, aistate.SystemLimitReached,
			fmt.Sprintf("Stopped after %d autonomous roundtrips", s.Counters.TotalRoundtrips), "")
	case aistate.EndReasonTimeout:
		r.persistSystem(ctx, s.SessionID, aistate.SystemSessionTimeout,
			"Stopped after a period of inactivity", "")
	}
	return r.apply(ctx, aistate.CompletionConfirmed{})
}

// apply sends ev to the sink. When the session is paused the event is held
// until it resumes and then applied again.
func (r *run) apply(ctx context.Context, ev aistate.Event) error {
	for {
		next, ok := r.sink.Apply(ev)
		if !ok {
			return errDetached
		}
		if next.Phase == aistate.PhasePaused {
			r.logger.Debug().Str("event", ev.Name()).Msg("Session paused, holding event")
			select {
			case <-r.sink.Resumed():
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		r.noteLimit(ctx, next)
		return nil
	}
}

// noteLimit records a CHAT hitting a finite roundtrip cap. AUTOMATION limits
// are reported when the closure is confirmed.
func (r *run) noteLimit(ctx context.Context, next aistate.State) {
	counted := next.Counters.TotalRoundtrips > r.roundtrips
	r.roundtrips = next.Counters.TotalRoundtrips
	if !counted || next.SessionType != aistate.SessionTypeChat || next.Phase != aistate.PhaseIdle {
		return
	}
	if !r.sink.Limits().Reached(next.Counters.TotalRoundtrips) {
		return
	}
	r.persistSystem(ctx, next.SessionID, aistate.SystemLimitReached,
		fmt.Sprintf("Paused after %d autonomous roundtrips, send a message to continue", next.Counters.TotalRoundtrips), "")
}

// fail closes the session with ERROR.
func (r *run) fail(err error) Outcome {
	r.logger.Error().Err(err).Msg("Round failed")
	if !r.sink.Detached() {
		r.persistSystem(r.ctx, r.req.SessionID, aistate.SystemSystemError, "The session stopped on an unexpected error", err.Error())
	}
	next, ok := r.sink.Apply(aistate.SystemErrorOccurred{Message: err.Error()})
	if !ok {
		return Outcome{Phase: next.Phase, Detached: true, Err: err}
	}
	r.sink.Checkpoint()
	return Outcome{Phase: next.Phase, EndReason: next.EndReason, Err: err}
}

func (r *run) persistSystem(ctx context.Context, sessionID string, typ aistate.SystemMessageType, summary, data string) {
	observability.RecordSystemMessage(string(typ))
	msg := aistate.SystemMessage{Type: typ, Summary: summary, FormattedData: data}
	if _, err := r.store.CreateMessage(ctx, sessionID, store.SenderSystem, store.Payload{System: &msg}); err != nil {
		r.logger.Warn().Err(err).Str("type", string(typ)).Msg("Failed to persist system message")
	}
}

func (r *run) persistAI(ctx context.Context, sessionID string, msg aistate.AIMessage, raw string) {
	if _, err := r.store.CreateMessage(ctx, sessionID, store.SenderAI, store.Payload{AI: &msg, Raw: raw}); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to persist model message")
	}
}

func (e *Executor) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.retryInitial
	b.MaxInterval = e.retryMax
	b.MaxElapsedTime = 0
	b.RandomizationFactor = 0.5
	b.Multiplier = 2.0
	b.Reset()
	return b
}

func succeeded(res commands.Result) int {
	n := 0
	for _, c := range res.PerCommand {
		if c.Success {
			n++
		}
	}
	return n
}
