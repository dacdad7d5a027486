package interaction

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/badibam/assistant-sub007/internal/observability"
	"github.com/badibam/assistant-sub007/pkg/aistate"
	"github.com/badibam/assistant-sub007/pkg/store"
)

var (
	// ErrWaitPending is returned when a wait of the same kind is already suspended.
	ErrWaitPending = errors.New("interaction: a wait of this kind is already pending")
	// ErrNoPendingWait is returned when a resume has nothing to resolve.
	ErrNoPendingWait = errors.New("interaction: no pending wait")
)

// Kind identifies what a pending wait expects from the user.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindCommunication Kind = "communication"
)

// MessageStore persists and removes the fallback history entries.
type MessageStore interface {
	CreateMessage(ctx context.Context, sessionID string, sender store.Sender, payload store.Payload) (string, error)
	DeleteMessage(ctx context.Context, id string) error
}

// Pending describes a suspended wait.
type Pending struct {
	ID                string
	Kind              Kind
	SessionID         string
	CreatedAt         time.Time
	FallbackMessageID string
	Validation        *aistate.ValidationContext
	Communication     *aistate.CommunicationContext
}

type answer struct {
	approved  bool
	text      *string
	cancelled bool
}

type pendingWait struct {
	Pending
	ch chan answer
}

// Manager owns the pending user-interaction records of one engine.
type Manager struct {
	store  MessageStore
	logger zerolog.Logger

	mu         sync.Mutex
	waits      map[Kind]*pendingWait
	onFallback func(sessionID string, kind Kind, messageID string)

	interrupted atomic.Bool
}

// NewManager creates a manager. store may be nil, in which case no fallback
// history is written.
func NewManager(store MessageStore, logger zerolog.Logger) *Manager {
	return &Manager{
		store:  store,
		logger: logger.With().Str("component", "interaction").Logger(),
		waits:  make(map[Kind]*pendingWait),
	}
}

// SetFallbackHook registers fn to learn the id of each persisted fallback
// message. fn runs on the waiting goroutine with no manager lock held.
func (m *Manager) SetFallbackHook(fn func(sessionID string, kind Kind, messageID string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onFallback = fn
}

// WaitForValidation suspends until the user approves or rejects the proposed
// actions. A forced resume yields false with a nil error; a done ctx yields
// false with ctx's error.
func (m *Manager) WaitForValidation(ctx context.Context, sessionID string, vc aistate.ValidationContext) (bool, error) {
	fallback := aistate.SystemMessage{
		Type:    aistate.SystemValidationCancelled,
		Summary: fmt.Sprintf("Validation of %d action(s) was cancelled", len(vc.Commands)),
	}
	a, err := m.wait(ctx, sessionID, KindValidation, fallback, func(p *Pending) {
		vc.FallbackMessageID = p.FallbackMessageID
		p.Validation = &vc
	})
	if err != nil {
		return false, err
	}
	return a.approved && !a.cancelled, nil
}

// WaitForResponse suspends until the user answers the communication module.
// A forced resume yields nil text with a nil error.
func (m *Manager) WaitForResponse(ctx context.Context, sessionID string, cc aistate.CommunicationContext) (*string, error) {
	fallback := aistate.SystemMessage{
		Type:    aistate.SystemCommunicationCancelled,
		Summary: fmt.Sprintf("Request %q was cancelled", cc.Module.Type),
	}
	a, err := m.wait(ctx, sessionID, KindCommunication, fallback, func(p *Pending) {
		cc.FallbackMessageID = p.FallbackMessageID
		p.Communication = &cc
	})
	if err != nil || a.cancelled {
		return nil, err
	}
	return a.text, nil
}

func (m *Manager) wait(ctx context.Context, sessionID string, kind Kind, fallback aistate.SystemMessage, fill func(*Pending)) (answer, error) {
	pw := &pendingWait{
		Pending: Pending{
			ID:        uuid.NewString(),
			Kind:      kind,
			SessionID: sessionID,
			CreatedAt: time.Now(),
		},
		ch: make(chan answer, 1),
	}

	m.mu.Lock()
	if _, exists := m.waits[kind]; exists {
		m.mu.Unlock()
		return answer{}, ErrWaitPending
	}
	m.waits[kind] = pw
	m.mu.Unlock()
	observability.SetPendingWait(string(kind), true)

	defer func() {
		m.mu.Lock()
		if cur := m.waits[kind]; cur == pw {
			delete(m.waits, kind)
		}
		m.mu.Unlock()
		observability.SetPendingWait(string(kind), false)
	}()

	fallbackID := m.persistFallback(ctx, sessionID, fallback)
	m.mu.Lock()
	pw.FallbackMessageID = fallbackID
	fill(&pw.Pending)
	hook := m.onFallback
	m.mu.Unlock()
	if hook != nil && fallbackID != "" {
		hook(sessionID, kind, fallbackID)
	}

	m.logger.Debug().
		Str("wait_id", pw.ID).
		Str("kind", string(kind)).
		Str("session_id", sessionID).
		Msg("Waiting for user")

	select {
	case a := <-pw.ch:
		if !a.cancelled && fallbackID != "" && m.store != nil {
			if err := m.store.DeleteMessage(ctx, fallbackID); err != nil {
				m.logger.Warn().Err(err).Str("message_id", fallbackID).Msg("Failed to delete fallback message")
			}
		}
		return a, nil
	case <-ctx.Done():
		return answer{cancelled: true}, ctx.Err()
	}
}

func (m *Manager) persistFallback(ctx context.Context, sessionID string, msg aistate.SystemMessage) string {
	if m.store == nil {
		return ""
	}
	id, err := m.store.CreateMessage(ctx, sessionID, store.SenderSystem, store.Payload{System: &msg})
	if err != nil {
		m.logger.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to persist fallback message")
		return ""
	}
	return id
}

// ResumeWithValidation resolves the pending validation wait.
func (m *Manager) ResumeWithValidation(approved bool) error {
	return m.resolve(KindValidation, answer{approved: approved})
}

// ResumeWithResponse resolves the pending communication wait.
func (m *Manager) ResumeWithResponse(text string) error {
	return m.resolve(KindCommunication, answer{text: &text})
}

func (m *Manager) resolve(kind Kind, a answer) error {
	m.mu.Lock()
	pw, exists := m.waits[kind]
	if exists {
		delete(m.waits, kind)
	}
	m.mu.Unlock()

	if !exists {
		return fmt.Errorf("%s: %w", kind, ErrNoPendingWait)
	}
	select {
	case pw.ch <- a:
		return nil
	default:
		return fmt.Errorf("wait %s already resolved", pw.ID)
	}
}

// CancelAll force-resumes every pending wait with a cancelled outcome.
func (m *Manager) CancelAll() int {
	m.mu.Lock()
	waits := m.waits
	m.waits = make(map[Kind]*pendingWait)
	m.mu.Unlock()

	for _, pw := range waits {
		select {
		case pw.ch <- answer{cancelled: true}:
		default:
		}
	}
	return len(waits)
}

// Pending returns the current waits, validation first.
func (m *Manager) Pending() []Pending {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Pending
	for _, kind := range []Kind{KindValidation, KindCommunication} {
		if pw, ok := m.waits[kind]; ok {
			out = append(out, pw.Pending)
		}
	}
	return out
}

// InterruptActiveRound raises the interruption flag.
func (m *Manager) InterruptActiveRound() {
	m.interrupted.Store(true)
}

// ClearInterruption lowers the flag at the start of a round.
func (m *Manager) ClearInterruption() {
	m.interrupted.Store(false)
}

// Interrupted reports whether the current round was interrupted.
func (m *Manager) Interrupted() bool {
	return m.interrupted.Load()
}
