package aistate

import "time"

// Event is an input to Transition. The set is closed: only types in this
// package implement it.
type Event interface {
	isEvent()
	// Name is a stable identifier used in logs and metrics.
	Name() string
}

// Lifecycle events.

type SessionActivationRequested struct {
	SessionID   string
	SessionType SessionType
}

type SessionCompleted struct {
	Reason EndReason
}

type SystemErrorOccurred struct {
	Message string
}

// User input.

type UserMessageSent struct{}

// Model interaction.

type EnrichmentsExecuted struct{}

type AIResponseReceived struct{}

type AIResponseParsed struct {
	Message AIMessage
}

// Continuation.

type ContinuationReady struct{}

// User interaction.

type ValidationReceived struct {
	Approved bool
}

type CommunicationResponseReceived struct {
	Text      string
	Cancelled bool
}

type SessionPaused struct{}

type SessionResumed struct{}

type AIRoundInterrupted struct{}

type AIResponseIgnored struct{}

// FallbackMessageRecorded attaches the id of the persisted fallback message
// to the pending validation or communication wait.
type FallbackMessageRecorded struct {
	MessageID string
}

// Execution.

type DataQueriesExecuted struct{}

type ActionsExecuted struct {
	AllSuccess  bool
	KeepControl bool
}

// Completion.

type CompletionConfirmed struct{}

type CompletionRejected struct{}

// Errors.

type ProviderErrorOccurred struct {
	Message string
}

type NetworkErrorOccurred struct {
	Message string
	RetryAt time.Time
}

type ParseErrorOccurred struct {
	Errors []string
}

type ActionFailureOccurred struct {
	Message string
}

type NetworkRetryScheduled struct{}

type NetworkAvailable struct{}

type RetryScheduled struct{}

// System.

type SchedulerHeartbeat struct{}

func (SessionActivationRequested) isEvent()    {}
func (SessionCompleted) isEvent()              {}
func (SystemErrorOccurred) isEvent()           {}
func (UserMessageSent) isEvent()               {}
func (EnrichmentsExecuted) isEvent()           {}
func (AIResponseReceived) isEvent()            {}
func (AIResponseParsed) isEvent()              {}
func (ContinuationReady) isEvent()             {}
func (ValidationReceived) isEvent()            {}
func (CommunicationResponseReceived) isEvent() {}
func (SessionPaused) isEvent()                 {}
func (SessionResumed) isEvent()                {}
func (AIRoundInterrupted) isEvent()            {}
func (AIResponseIgnored) isEvent()             {}
func (FallbackMessageRecorded) isEvent()       {}
func (DataQueriesExecuted) isEvent()           {}
func (ActionsExecuted) isEvent()               {}
func (CompletionConfirmed) isEvent()           {}
func (CompletionRejected) isEvent()            {}
func (ProviderErrorOccurred) isEvent()         {}
func (NetworkErrorOccurred) isEvent()          {}
func (ParseErrorOccurred) isEvent()            {}
func (ActionFailureOccurred) isEvent()         {}
func (NetworkRetryScheduled) isEvent()         {}
func (NetworkAvailable) isEvent()              {}
func (RetryScheduled) isEvent()                {}
func (SchedulerHeartbeat) isEvent()            {}

func (SessionActivationRequested) Name() string    { return "session_activation_requested" }
func (SessionCompleted) Name() string              { return "session_completed" }
func (SystemErrorOccurred) Name() string           { return "system_error_occurred" }
func (UserMessageSent) Name() string               { return "user_message_sent" }
func (EnrichmentsExecuted) Name() string           { return "enrichments_executed" }
func (AIResponseReceived) Name() string            { return "ai_response_received" }
func (AIResponseParsed) Name() string              { return "ai_response_parsed" }
func (ContinuationReady) Name() string             { return "continuation_ready" }
func (ValidationReceived) Name() string            { return "validation_received" }
func (CommunicationResponseReceived) Name() string { return "communication_response_received" }
func (SessionPaused) Name() string                 { return "session_paused" }
func (SessionResumed) Name() string                { return "session_resumed" }
func (AIRoundInterrupted) Name() string            { return "ai_round_interrupted" }
func (AIResponseIgnored) Name() string             { return "ai_response_ignored" }
func (FallbackMessageRecorded) Name() string       { return "fallback_message_recorded" }
func (DataQueriesExecuted) Name() string           { return "data_queries_executed" }
func (ActionsExecuted) Name() string               { return "actions_executed" }
func (CompletionConfirmed) Name() string           { return "completion_confirmed" }
func (CompletionRejected) Name() string            { return "completion_rejected" }
func (ProviderErrorOccurred) Name() string         { return "provider_error_occurred" }
func (NetworkErrorOccurred) Name() string          { return "network_error_occurred" }
func (ParseErrorOccurred) Name() string            { return "parse_error_occurred" }
func (ActionFailureOccurred) Name() string         { return "action_failure_occurred" }
func (NetworkRetryScheduled) Name() string         { return "network_retry_scheduled" }
func (NetworkAvailable) Name() string              { return "network_available" }
func (RetryScheduled) Name() string                { return "retry_scheduled" }
func (SchedulerHeartbeat) Name() string            { return "scheduler_heartbeat" }
