package store

import (
	"errors"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/badibam/assistant-sub007/pkg/aistate"
)

// ErrNotFound is returned when a session, message or note does not exist.
var ErrNotFound = errors.New("not found")

// Sender identifies who authored a message.
type Sender string

const (
	SenderUser   Sender = "USER"
	SenderAI     Sender = "AI"
	SenderSystem Sender = "SYSTEM"
)

// Payload is the content of one history entry. Exactly one of the fields is
// expected to be set, matching the sender.
type Payload struct {
	Text   string                 `json:"text,omitempty"`
	AI     *aistate.AIMessage     `json:"ai,omitempty"`
	System *aistate.SystemMessage `json:"system,omitempty"`
	// Raw keeps the unparsed model output next to AI for auditing.
	Raw string `json:"raw,omitempty"`
}

// Message is a stored history entry.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Sender    Sender    `json:"sender"`
	Payload   Payload   `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionRecord is a stored session.
type SessionRecord struct {
	ID           string              `json:"id"`
	Type         aistate.SessionType `json:"type"`
	Name         string              `json:"name"`
	AutomationID string              `json:"automation_id,omitempty"`
	EndReason    aistate.EndReason   `json:"end_reason,omitempty"`
	CreatedAt    time.Time           `json:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

// Note is a user data record manipulated by the notes.* commands.
type Note struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewID returns a lexically sortable unique id.
func NewID() string {
	return ulid.Make().String()
}
