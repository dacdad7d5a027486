package aistate

import "time"

// WaitingContext describes what a WAITING_* phase is waiting for.
type WaitingContext interface {
	waitingContext()
	// Kind names the wait for observers.
	Kind() string
}

// ValidationContext is pending user approval of proposed actions.
type ValidationContext struct {
	Commands          []Command `json:"commands"`
	Rationale         string    `json:"rationale"`
	FallbackMessageID string    `json:"fallbackMessageId,omitempty"`
}

// CommunicationContext is pending free-form user input.
type CommunicationContext struct {
	Module            CommunicationModule `json:"module"`
	FallbackMessageID string              `json:"fallbackMessageId,omitempty"`
}

// NetworkRetryContext is a scheduled retry after a network failure.
type NetworkRetryContext struct {
	RetryAt time.Time `json:"retryAt"`
}

func (ValidationContext) waitingContext()    {}
func (CommunicationContext) waitingContext() {}
func (NetworkRetryContext) waitingContext()  {}

func (ValidationContext) Kind() string    { return "validation" }
func (CommunicationContext) Kind() string { return "communication" }
func (NetworkRetryContext) Kind() string  { return "network_retry" }
