package aistate

import (
	"fmt"
	"time"
)

// Transition folds one event into the state. It is pure and total: every
// (phase, event) pair yields a state, and pairs the graph does not model only
// refresh LastEventTime. SchedulerHeartbeat and FallbackMessageRecorded never
// refresh it.
func Transition(s State, ev Event, limits Limits, now time.Time) State {
	if ev == nil {
		return s
	}
	switch ev.(type) {
	case SchedulerHeartbeat, FallbackMessageRecorded:
	default:
		s.Timestamps.LastEventTime = now
	}

	switch e := ev.(type) {
	case SessionActivationRequested:
		return activate(s, e, now)
	case SessionCompleted:
		return closeSession(s, e.Reason)
	case SystemErrorOccurred:
		return closeSession(s, EndReasonError)

	case UserMessageSent:
		if s.SessionType != SessionTypeChat {
			return s
		}
		if s.Phase != PhaseIdle && s.Phase != PhaseInterrupted {
			return s
		}
		s.Timestamps.LastUserInteractionTime = now
		return enter(s, PhaseExecutingEnrichments)

	case EnrichmentsExecuted:
		if s.Phase != PhaseExecutingEnrichments {
			return s
		}
		return enter(s, PhaseCallingAI)
	case AIResponseReceived:
		if s.Phase != PhaseCallingAI {
			return s
		}
		return enter(s, PhaseParsingAIResponse)
	case AIResponseParsed:
		if s.Phase != PhaseParsingAIResponse {
			return s
		}
		return onParsed(s, e.Message, limits)

	case ContinuationReady:
		if s.Phase != PhasePreparingContinuation {
			return s
		}
		return enter(s, PhaseCallingAI)

	case ValidationReceived:
		if s.Phase != PhaseWaitingValidation {
			return s
		}
		s.Timestamps.LastUserInteractionTime = now
		if e.Approved {
			return enter(s, PhaseExecutingActions)
		}
		return enter(s, PhaseIdle)
	case CommunicationResponseReceived:
		if s.Phase != PhaseWaitingCommunicationResponse {
			return s
		}
		s.Timestamps.LastUserInteractionTime = now
		if e.Cancelled {
			return enter(s, PhaseIdle)
		}
		return enter(s, PhaseCallingAI)
	case SessionPaused:
		return pause(s)
	case SessionResumed:
		return resume(s)
	case AIRoundInterrupted:
		if s.SessionType != SessionTypeChat {
			return s
		}
		switch s.Phase {
		case PhaseIdle, PhaseClosed, PhasePaused, PhaseInterrupted:
			return s
		}
		s.AwaitingCompletionConfirmation = false
		return enter(s, PhaseInterrupted)
	case AIResponseIgnored:
		if s.Phase != PhaseInterrupted {
			return s
		}
		return enter(s, PhaseIdle)
	case FallbackMessageRecorded:
		return recordFallback(s, e.MessageID)

	case DataQueriesExecuted:
		if s.Phase != PhaseExecutingDataQueries {
			return s
		}
		var reached bool
		if s, reached = countRoundtrip(s, limits); reached {
			return limitReached(s)
		}
		return enter(s, PhaseCallingAI)
	case ActionsExecuted:
		if s.Phase != PhaseExecutingActions {
			return s
		}
		return onActionsExecuted(s, e, limits)

	case CompletionConfirmed:
		if s.Phase != PhaseAwaitingSessionClosure {
			return s
		}
		reason := s.PendingEndReason
		if reason == "" {
			reason = EndReasonCompleted
		}
		return closeSession(s, reason)
	case CompletionRejected:
		if s.Phase != PhaseAwaitingSessionClosure {
			return s
		}
		if s.PendingEndReason == EndReasonLimitReached || s.PendingEndReason == EndReasonTimeout {
			return s
		}
		s.PendingEndReason = ""
		s.AwaitingCompletionConfirmation = false
		return continueWith(s, ContinuationCompletionRejected)

	case ProviderErrorOccurred:
		if !s.Phase.isProcessing() {
			return s
		}
		if s.SessionType == SessionTypeAutomation {
			return closeSession(s, EndReasonError)
		}
		return enter(s, PhaseIdle)
	case NetworkErrorOccurred:
		if !s.Phase.isProcessing() {
			return s
		}
		if s.SessionType == SessionTypeAutomation {
			s = enter(s, PhaseWaitingNetworkRetry)
			s.WaitingContext = NetworkRetryContext{RetryAt: e.RetryAt}
			return s
		}
		return enter(s, PhaseIdle)
	case ParseErrorOccurred:
		if !s.Phase.isProcessing() {
			return s
		}
		var reached bool
		if s, reached = countRoundtrip(s, limits); reached {
			return limitReached(s)
		}
		return enter(s, PhaseRetryingAfterFormatError)
	case ActionFailureOccurred:
		if s.Phase != PhaseExecutingActions && s.Phase != PhaseExecutingDataQueries {
			return s
		}
		var reached bool
		if s, reached = countRoundtrip(s, limits); reached {
			return limitReached(s)
		}
		s.AwaitingCompletionConfirmation = false
		return enter(s, PhaseRetryingAfterActionFailure)
	case NetworkRetryScheduled, NetworkAvailable:
		if s.Phase != PhaseWaitingNetworkRetry {
			return s
		}
		return enter(s, PhaseCallingAI)
	case RetryScheduled:
		if s.Phase != PhaseRetryingAfterFormatError && s.Phase != PhaseRetryingAfterActionFailure {
			return s
		}
		return enter(s, PhaseCallingAI)

	case SchedulerHeartbeat:
		return onHeartbeat(s, limits, now)

	default:
		panic(fmt.Sprintf("aistate: unhandled event type %T", ev))
	}
}

func activate(s State, e SessionActivationRequested, now time.Time) State {
	if e.SessionID == "" || !e.SessionType.Valid() {
		return s
	}
	next := State{
		SessionID:   e.SessionID,
		SessionType: e.SessionType,
		Phase:       PhaseIdle,
		Timestamps:  Timestamps{LastEventTime: now, LastUserInteractionTime: now},
	}
	if e.SessionType == SessionTypeAutomation {
		next.Phase = PhaseExecutingEnrichments
	}
	return next
}

func onParsed(s State, msg AIMessage, limits Limits) State {
	s.LastMessage = &msg
	s.ContinuationReason = ""

	s, reached := countRoundtrip(s, limits)
	if reached {
		return limitReached(s)
	}

	automation := s.SessionType == SessionTypeAutomation

	if automation && msg.Completed && !msg.HasDataCommands() {
		switch {
		case msg.HasActionCommands():
			s.AwaitingCompletionConfirmation = true
			return enter(s, PhaseExecutingActions)
		case s.AwaitingCompletionConfirmation:
			s.PendingEndReason = EndReasonCompleted
			return enter(s, PhaseAwaitingSessionClosure)
		default:
			s.AwaitingCompletionConfirmation = true
			return continueWith(s, ContinuationCompletionConfirmationRequired)
		}
	}
	s.AwaitingCompletionConfirmation = false

	if !automation && msg.HasCommunicationModule() {
		s = enter(s, PhaseWaitingCommunicationResponse)
		s.WaitingContext = CommunicationContext{Module: *msg.CommunicationModule}
		return s
	}
	if msg.HasDataCommands() {
		return enter(s, PhaseExecutingDataQueries)
	}
	if msg.HasActionCommands() {
		if automation {
			return enter(s, PhaseExecutingActions)
		}
		s = enter(s, PhaseWaitingValidation)
		s.WaitingContext = ValidationContext{
			Commands:  append([]Command(nil), msg.ActionCommands...),
			Rationale: msg.PreText,
		}
		return s
	}
	if automation {
		return continueWith(s, ContinuationNoCommands)
	}
	return enter(s, PhaseIdle)
}

func onActionsExecuted(s State, e ActionsExecuted, limits Limits) State {
	s, reached := countRoundtrip(s, limits)
	if reached {
		return limitReached(s)
	}
	if !e.AllSuccess {
		// A failed batch counts as intervening work; completion must be
		// claimed again.
		s.AwaitingCompletionConfirmation = false
		return enter(s, PhaseRetryingAfterActionFailure)
	}
	if s.AwaitingCompletionConfirmation {
		return continueWith(s, ContinuationCompletionConfirmationRequired)
	}
	if s.SessionType == SessionTypeChat && !e.KeepControl {
		return enter(s, PhaseIdle)
	}
	return enter(s, PhaseCallingAI)
}

func onHeartbeat(s State, limits Limits, now time.Time) State {
	if s.SessionType != SessionTypeAutomation || limits.InactivityTimeout <= 0 {
		return s
	}
	switch s.Phase {
	case PhasePaused, PhaseWaitingNetworkRetry, PhaseAwaitingSessionClosure, PhaseClosed:
		return s
	}
	if now.Sub(s.Timestamps.LastEventTime) < limits.InactivityTimeout {
		return s
	}
	s.PendingEndReason = EndReasonTimeout
	return enter(s, PhaseAwaitingSessionClosure)
}

func pause(s State) State {
	if !s.HasSession() {
		return s
	}
	switch s.Phase {
	case PhasePaused, PhaseClosed:
		return s
	}
	s.PhaseBeforePause = s.Phase
	s.PausedWaitingContext = s.WaitingContext
	s.WaitingContext = nil
	s.Phase = PhasePaused
	return s
}

// recordFallback stores the fallback id on the current wait, or on the wait
// held by a pause.
func recordFallback(s State, id string) State {
	switch s.Phase {
	case PhaseWaitingValidation, PhaseWaitingCommunicationResponse:
		s.WaitingContext = withFallbackID(s.WaitingContext, id)
	case PhasePaused:
		s.PausedWaitingContext = withFallbackID(s.PausedWaitingContext, id)
	}
	return s
}

func withFallbackID(wc WaitingContext, id string) WaitingContext {
	switch c := wc.(type) {
	case ValidationContext:
		c.FallbackMessageID = id
		return c
	case CommunicationContext:
		c.FallbackMessageID = id
		return c
	}
	return wc
}

func resume(s State) State {
	if s.Phase != PhasePaused {
		return s
	}
	s.Phase = s.PhaseBeforePause
	s.WaitingContext = s.PausedWaitingContext
	s.PhaseBeforePause = ""
	s.PausedWaitingContext = nil
	return s
}

// countRoundtrip increments the roundtrip counter and reports whether the
// post-increment value hits the cap.
func countRoundtrip(s State, limits Limits) (State, bool) {
	s.Counters.TotalRoundtrips++
	return s, limits.Reached(s.Counters.TotalRoundtrips)
}

func limitReached(s State) State {
	s.AwaitingCompletionConfirmation = false
	if s.SessionType == SessionTypeAutomation {
		s.PendingEndReason = EndReasonLimitReached
		return enter(s, PhaseAwaitingSessionClosure)
	}
	return enter(s, PhaseIdle)
}

func continueWith(s State, reason ContinuationReason) State {
	s = enter(s, PhasePreparingContinuation)
	s.ContinuationReason = reason
	return s
}

func closeSession(s State, reason EndReason) State {
	if !s.HasSession() || s.Phase == PhaseClosed {
		return s
	}
	if reason == "" {
		reason = EndReasonCompleted
	}
	s = enter(s, PhaseClosed)
	s.EndReason = reason
	s.PendingEndReason = ""
	s.PhaseBeforePause = ""
	s.PausedWaitingContext = nil
	s.AwaitingCompletionConfirmation = false
	return s
}

// enter moves to a phase and drops whatever was specific to the previous one.
// Callers entering a WAITING_* phase set the new WaitingContext afterwards.
func enter(s State, p Phase) State {
	s.Phase = p
	s.WaitingContext = nil
	if p != PhasePreparingContinuation {
		s.ContinuationReason = ""
	}
	if p != PhaseAwaitingSessionClosure {
		s.PendingEndReason = ""
	}
	return s
}
