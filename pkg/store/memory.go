package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/badibam/assistant-sub007/pkg/aistate"
)

// Memory is an in-process store.
type Memory struct {
	mu       sync.RWMutex
	sessions map[string]SessionRecord
	messages map[string][]Message
	notes    map[string]Note
	active   string
	now      func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		sessions: make(map[string]SessionRecord),
		messages: make(map[string][]Message),
		notes:    make(map[string]Note),
		now:      time.Now,
	}
}

func (m *Memory) CreateSession(_ context.Context, rec SessionRecord) (*SessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.ID == "" {
		rec.ID = NewID()
	}
	if _, exists := m.sessions[rec.ID]; exists {
		return nil, fmt.Errorf("session %q already exists", rec.ID)
	}
	now := m.now()
	rec.CreatedAt, rec.UpdatedAt = now, now
	m.sessions[rec.ID] = rec
	return &rec, nil
}

func (m *Memory) EndSession(_ context.Context, id string, reason aistate.EndReason) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("session %q: %w", id, ErrNotFound)
	}
	rec.EndReason = reason
	rec.UpdatedAt = m.now()
	m.sessions[id] = rec
	return nil
}

func (m *Memory) GetSession(_ context.Context, id string) (*SessionRecord, []Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[id]
	if !ok {
		return nil, nil, fmt.Errorf("session %q: %w", id, ErrNotFound)
	}
	msgs := append([]Message(nil), m.messages[id]...)
	return &rec, msgs, nil
}

func (m *Memory) CreateMessage(_ context.Context, sessionID string, sender Sender, payload Payload) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sessionID]; !ok {
		return "", fmt.Errorf("session %q: %w", sessionID, ErrNotFound)
	}
	msg := Message{
		ID:        NewID(),
		SessionID: sessionID,
		Sender:    sender,
		Payload:   payload,
		CreatedAt: m.now(),
	}
	m.messages[sessionID] = append(m.messages[sessionID], msg)
	return msg.ID, nil
}

func (m *Memory) DeleteMessage(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for sid, msgs := range m.messages {
		for i, msg := range msgs {
			if msg.ID == id {
				m.messages[sid] = append(msgs[:i:i], msgs[i+1:]...)
				return nil
			}
		}
	}
	return fmt.Errorf("message %q: %w", id, ErrNotFound)
}

func (m *Memory) SetActiveSession(_ context.Context, id string) error {
	m.mu.Lock()
	m.active = id
	m.mu.Unlock()
	return nil
}

func (m *Memory) StopActiveSession(_ context.Context) error {
	m.mu.Lock()
	m.active = ""
	m.mu.Unlock()
	return nil
}

func (m *Memory) ActiveSession(_ context.Context) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active, nil
}

func (m *Memory) CreateNote(_ context.Context, note Note) (*Note, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if note.ID == "" {
		note.ID = NewID()
	}
	now := m.now()
	note.CreatedAt, note.UpdatedAt = now, now
	m.notes[note.ID] = note
	return &note, nil
}

func (m *Memory) ListNotes(_ context.Context, query string, limit int) ([]Note, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 {
		limit = 50
	}
	var out []Note
	for _, n := range m.notes {
		if query == "" || strings.Contains(n.Title, query) || strings.Contains(n.Body, query) {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) DeleteNote(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.notes[id]; !ok {
		return fmt.Errorf("note %q: %w", id, ErrNotFound)
	}
	delete(m.notes, id)
	return nil
}

func (m *Memory) Close() error {
	return nil
}
