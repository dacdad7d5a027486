package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/badibam/assistant-sub007/pkg/aistate"
	"github.com/badibam/assistant-sub007/pkg/round"
	"github.com/badibam/assistant-sub007/pkg/sessionctl"
	"github.com/badibam/assistant-sub007/pkg/store"
)

// SnapshotTopic is the pub/sub topic snapshots are published on.
const SnapshotTopic = "engine.snapshots"

var (
	ErrClosed          = errors.New("orchestrator: engine closed")
	ErrNoActiveSession = errors.New("orchestrator: no active session")
	ErrRoundInProgress = errors.New("orchestrator: a round is already in progress")
	ErrNotChat         = errors.New("orchestrator: active session is not a chat")
	ErrPaused          = errors.New("orchestrator: session is paused")
	ErrWrongPhase      = errors.New("orchestrator: not possible in the current phase")
)

// Store is everything the engine persists through.
type Store interface {
	round.MessageStore
	CreateSession(ctx context.Context, rec store.SessionRecord) (*store.SessionRecord, error)
	EndSession(ctx context.Context, id string, reason aistate.EndReason) error
	SetActiveSession(ctx context.Context, id string) error
	StopActiveSession(ctx context.Context) error
	ActiveSession(ctx context.Context) (string, error)
}

// ControlRequest asks for the slot.
type ControlRequest struct {
	SessionID string
	Type      aistate.SessionType
	Schedule  *sessionctl.ScheduleMeta
	// Enrichments run before the first model call of an AUTOMATION.
	Enrichments []aistate.Command
	ProviderID  string
}

// Snapshot is the observable state of the engine.
type Snapshot struct {
	// Seq increases with every snapshot taken.
	Seq             uint64                        `json:"seq"`
	SessionID       string                        `json:"session_id,omitempty"`
	SessionType     aistate.SessionType           `json:"session_type,omitempty"`
	Phase           aistate.Phase                 `json:"phase"`
	EndReason       aistate.EndReason             `json:"end_reason,omitempty"`
	Roundtrips      int                           `json:"roundtrips"`
	Waiting         string                        `json:"waiting,omitempty"`
	Validation      *aistate.ValidationContext    `json:"validation,omitempty"`
	Communication   *aistate.CommunicationContext `json:"communication,omitempty"`
	RetryAt         *time.Time                    `json:"retry_at,omitempty"`
	RoundInProgress bool                          `json:"round_in_progress"`
	Queue           []sessionctl.QueuedSession    `json:"queue"`
	UpdatedAt       time.Time                     `json:"updated_at"`
}
