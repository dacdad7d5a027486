package aistate

import "time"

// Phase is the current step of a session in the orchestration graph.
type Phase string

const (
	PhaseIdle                         Phase = "IDLE"
	PhaseExecutingEnrichments         Phase = "EXECUTING_ENRICHMENTS"
	PhaseCallingAI                    Phase = "CALLING_AI"
	PhaseParsingAIResponse            Phase = "PARSING_AI_RESPONSE"
	PhaseWaitingValidation            Phase = "WAITING_VALIDATION"
	PhaseWaitingCommunicationResponse Phase = "WAITING_COMMUNICATION_RESPONSE"
	PhaseExecutingDataQueries         Phase = "EXECUTING_DATA_QUERIES"
	PhaseExecutingActions             Phase = "EXECUTING_ACTIONS"
	PhaseRetryingAfterFormatError     Phase = "RETRYING_AFTER_FORMAT_ERROR"
	PhaseRetryingAfterActionFailure   Phase = "RETRYING_AFTER_ACTION_FAILURE"
	PhaseWaitingNetworkRetry          Phase = "WAITING_NETWORK_RETRY"
	PhasePreparingContinuation        Phase = "PREPARING_CONTINUATION"
	PhaseAwaitingSessionClosure       Phase = "AWAITING_SESSION_CLOSURE"
	PhasePaused                       Phase = "PAUSED"
	PhaseInterrupted                  Phase = "INTERRUPTED"
	PhaseClosed                       Phase = "CLOSED"
)

// AllPhases returns every phase of the graph.
func AllPhases() []Phase {
	return []Phase{
		PhaseIdle,
		PhaseExecutingEnrichments,
		PhaseCallingAI,
		PhaseParsingAIResponse,
		PhaseWaitingValidation,
		PhaseWaitingCommunicationResponse,
		PhaseExecutingDataQueries,
		PhaseExecutingActions,
		PhaseRetryingAfterFormatError,
		PhaseRetryingAfterActionFailure,
		PhaseWaitingNetworkRetry,
		PhasePreparingContinuation,
		PhaseAwaitingSessionClosure,
		PhasePaused,
		PhaseInterrupted,
		PhaseClosed,
	}
}

// IsWaiting reports whether the phase suspends on an external answer or delay.
func (p Phase) IsWaiting() bool {
	switch p {
	case PhaseWaitingValidation, PhaseWaitingCommunicationResponse, PhaseWaitingNetworkRetry:
		return true
	default:
		return false
	}
}

// IsRoundEnd reports whether a round stops advancing automatically in this phase.
func (p Phase) IsRoundEnd() bool {
	switch p {
	case PhaseIdle, PhaseClosed, PhasePaused, PhaseInterrupted:
		return true
	default:
		return false
	}
}

// isProcessing reports phases in which model output or retries are being handled.
func (p Phase) isProcessing() bool {
	switch p {
	case PhaseCallingAI, PhaseParsingAIResponse, PhaseRetryingAfterFormatError, PhaseRetryingAfterActionFailure:
		return true
	default:
		return false
	}
}

func (p Phase) String() string {
	return string(p)
}

// SessionType distinguishes interactive sessions from scheduled ones.
type SessionType string

const (
	SessionTypeChat       SessionType = "CHAT"
	SessionTypeAutomation SessionType = "AUTOMATION"
)

// Valid reports whether the session type is known.
func (t SessionType) Valid() bool {
	return t == SessionTypeChat || t == SessionTypeAutomation
}

// EndReason explains why a session reached CLOSED.
type EndReason string

const (
	EndReasonCompleted    EndReason = "COMPLETED"
	EndReasonLimitReached EndReason = "LIMIT_REACHED"
	EndReasonTimeout      EndReason = "TIMEOUT"
	EndReasonError        EndReason = "ERROR"
	EndReasonUserStopped  EndReason = "USER_STOPPED"
	EndReasonEvicted      EndReason = "EVICTED"
	EndReasonShutdown     EndReason = "SHUTDOWN"
)

// ContinuationReason tells the prompt builder why the model is being called again.
type ContinuationReason string

const (
	ContinuationNoCommands                     ContinuationReason = "NO_COMMANDS"
	ContinuationCompletionConfirmationRequired ContinuationReason = "COMPLETION_CONFIRMATION_REQUIRED"
	ContinuationCompletionRejected             ContinuationReason = "COMPLETION_REJECTED"
)

// Counters tracks per-session accounting.
type Counters struct {
	TotalRoundtrips int `json:"totalRoundtrips"`
}

// Timestamps tracks activity times used for inactivity accounting.
type Timestamps struct {
	LastEventTime           time.Time `json:"lastEventTime"`
	LastUserInteractionTime time.Time `json:"lastUserInteractionTime"`
}

// State is the engine's view of the active session.
type State struct {
	SessionID                      string             `json:"sessionId,omitempty"`
	Phase                          Phase              `json:"phase"`
	SessionType                    SessionType        `json:"sessionType,omitempty"`
	EndReason                      EndReason          `json:"endReason,omitempty"`
	Counters                       Counters           `json:"counters"`
	Timestamps                     Timestamps         `json:"timestamps"`
	WaitingContext                 WaitingContext     `json:"-"`
	PhaseBeforePause               Phase              `json:"phaseBeforePause,omitempty"`
	PausedWaitingContext           WaitingContext     `json:"-"`
	AwaitingCompletionConfirmation bool               `json:"awaitingCompletionConfirmation"`
	ContinuationReason             ContinuationReason `json:"continuationReason,omitempty"`
	PendingEndReason               EndReason          `json:"pendingEndReason,omitempty"`

	// LastMessage is the most recent parsed model message; the round executor reads
	// its commands in EXECUTING_DATA_QUERIES and EXECUTING_ACTIONS.
	LastMessage *AIMessage `json:"-"`
}

// Idle returns the state used when no session occupies the slot.
func Idle() State {
	return State{Phase: PhaseIdle}
}

// HasSession reports whether the state belongs to a session.
func (s State) HasSession() bool {
	return s.SessionID != ""
}
