package round

import (
	"context"

	"github.com/badibam/assistant-sub007/pkg/aistate"
	"github.com/badibam/assistant-sub007/pkg/commands"
	"github.com/badibam/assistant-sub007/pkg/provider"
	"github.com/badibam/assistant-sub007/pkg/store"
)

// MessageStore persists session history.
type MessageStore interface {
	CreateMessage(ctx context.Context, sessionID string, sender store.Sender, payload store.Payload) (string, error)
	GetSession(ctx context.Context, id string) (*store.SessionRecord, []store.Message, error)
	DeleteMessage(ctx context.Context, id string) error
}

// CommandExecutor runs enrichments, data queries and actions.
type CommandExecutor interface {
	Execute(ctx context.Context, cmds []aistate.Command, kind commands.Kind) (commands.Result, error)
}

// Provider queries a model. Network failures are reported through
// provider.IsNetworkError.
type Provider interface {
	Query(ctx context.Context, payload provider.Payload, providerID string) (*provider.Response, error)
}

// PromptBuilder turns history into a model prompt. state.ContinuationReason
// is set when the call follows PREPARING_CONTINUATION.
type PromptBuilder interface {
	Build(ctx context.Context, session *store.SessionRecord, messages []store.Message, state aistate.State) (provider.Payload, error)
}

// Interactions suspends the round on user input.
type Interactions interface {
	WaitForValidation(ctx context.Context, sessionID string, vc aistate.ValidationContext) (bool, error)
	WaitForResponse(ctx context.Context, sessionID string, cc aistate.CommunicationContext) (*string, error)
	Interrupted() bool
}

// StateSink owns the session state on behalf of a round.
type StateSink interface {
	// Checkpoint returns the state the round acts on next. ok is false once
	// the round was detached. A state in a round-end phase releases the round.
	Checkpoint() (aistate.State, bool)
	// Apply folds ev into the state. ok is false when the round was detached
	// and ev was dropped.
	Apply(ev aistate.Event) (aistate.State, bool)
	// Detached reports whether the round lost ownership of the state.
	Detached() bool
	// Ignore discards a model response that arrived after detachment.
	Ignore()
	Limits() aistate.Limits
	// NetworkAvailable is closed when connectivity is reported back.
	NetworkAvailable() <-chan struct{}
	// Resumed is closed once the session is no longer paused.
	Resumed() <-chan struct{}
}
