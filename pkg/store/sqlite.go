package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/badibam/assistant-sub007/pkg/aistate"
)

const activeSessionKey = "active_session"

// SQLite is a store backed by a SQLite database file.
type SQLite struct {
	db     *sql.DB
	logger zerolog.Logger
	now    func() time.Time
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(path string, logger zerolog.Logger) (*SQLite, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &SQLite{
		db:     db,
		logger: logger.With().Str("component", "store").Logger(),
		now:    time.Now,
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	s.logger.Info().Str("path", path).Msg("Store opened")
	return s, nil
}

func (s *SQLite) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			automation_id TEXT NOT NULL DEFAULT '',
			end_reason TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			sender TEXT NOT NULL,
			payload TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, id);

		CREATE TABLE IF NOT EXISTS notes (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			body TEXT NOT NULL DEFAULT '',
			tags TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS app_state (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// CreateSession inserts a session record. A missing ID is generated.
func (s *SQLite) CreateSession(ctx context.Context, rec SessionRecord) (*SessionRecord, error) {
	if rec.ID == "" {
		rec.ID = NewID()
	}
	now := s.now()
	rec.CreatedAt, rec.UpdatedAt = now, now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, type, name, automation_id, end_reason, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, string(rec.Type), rec.Name, rec.AutomationID, string(rec.EndReason), now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return &rec, nil
}

// EndSession records why a session closed.
func (s *SQLite) EndSession(ctx context.Context, id string, reason aistate.EndReason) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET end_reason = ?, updated_at = ? WHERE id = ?`,
		string(reason), s.now().UnixMilli(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}
	return expectRow(res, "session", id)
}

// GetSession returns a session and its ordered messages.
func (s *SQLite) GetSession(ctx context.Context, id string) (*SessionRecord, []Message, error) {
	var (
		rec                  SessionRecord
		typ, endReason       string
		createdAt, updatedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, type, name, automation_id, end_reason, created_at, updated_at FROM sessions WHERE id = ?`, id,
	).Scan(&rec.ID, &typ, &rec.Name, &rec.AutomationID, &endReason, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, fmt.Errorf("session %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load session: %w", err)
	}
	rec.Type = aistate.SessionType(typ)
	rec.EndReason = aistate.EndReason(endReason)
	rec.CreatedAt = time.UnixMilli(createdAt)
	rec.UpdatedAt = time.UnixMilli(updatedAt)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, sender, payload, created_at FROM messages WHERE session_id = ? ORDER BY id`, id,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var (
			msg     Message
			sender  string
			payload string
			created int64
		)
		if err := rows.Scan(&msg.ID, &sender, &payload, &created); err != nil {
			return nil, nil, fmt.Errorf("failed to scan message: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &msg.Payload); err != nil {
			s.logger.Warn().Err(err).Str("message_id", msg.ID).Msg("Skipping undecodable message payload")
			continue
		}
		msg.SessionID = id
		msg.Sender = Sender(sender)
		msg.CreatedAt = time.UnixMilli(created)
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("failed to iterate messages: %w", err)
	}
	return &rec, messages, nil
}

// CreateMessage appends a history entry and returns its id.
func (s *SQLite) CreateMessage(ctx context.Context, sessionID string, sender Sender, payload Payload) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode payload: %w", err)
	}
	id := NewID()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, sender, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, sessionID, string(sender), string(data), s.now().UnixMilli(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create message: %w", err)
	}
	return id, nil
}

// DeleteMessage removes a history entry.
func (s *SQLite) DeleteMessage(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	return expectRow(res, "message", id)
}

// SetActiveSession records which session holds the slot.
func (s *SQLite) SetActiveSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO app_state (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		activeSessionKey, id,
	)
	if err != nil {
		return fmt.Errorf("failed to set active session: %w", err)
	}
	return nil
}

// StopActiveSession clears the recorded active session.
func (s *SQLite) StopActiveSession(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM app_state WHERE key = ?`, activeSessionKey); err != nil {
		return fmt.Errorf("failed to stop active session: %w", err)
	}
	return nil
}

// ActiveSession returns the recorded active session id, or "" when none.
func (s *SQLite) ActiveSession(ctx context.Context) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM app_state WHERE key = ?`, activeSessionKey).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read active session: %w", err)
	}
	return id, nil
}

// CreateNote inserts a note.
func (s *SQLite) CreateNote(ctx context.Context, note Note) (*Note, error) {
	if note.ID == "" {
		note.ID = NewID()
	}
	now := s.now()
	note.CreatedAt, note.UpdatedAt = now, now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notes (id, title, body, tags, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		note.ID, note.Title, note.Body, strings.Join(note.Tags, ","), now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create note: %w", err)
	}
	return &note, nil
}

// ListNotes returns notes whose title or body contains query, newest first.
func (s *SQLite) ListNotes(ctx context.Context, query string, limit int) ([]Note, error) {
	if limit <= 0 {
		limit = 50
	}
	pattern := "%" + query + "%"
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, body, tags, created_at, updated_at FROM notes
		 WHERE title LIKE ? OR body LIKE ? ORDER BY id DESC LIMIT ?`,
		pattern, pattern, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list notes: %w", err)
	}
	defer rows.Close()

	var notes []Note
	for rows.Next() {
		var (
			n                    Note
			tags                 string
			createdAt, updatedAt int64
		)
		if err := rows.Scan(&n.ID, &n.Title, &n.Body, &tags, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan note: %w", err)
		}
		if tags != "" {
			n.Tags = strings.Split(tags, ",")
		}
		n.CreatedAt = time.UnixMilli(createdAt)
		n.UpdatedAt = time.UnixMilli(updatedAt)
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

// DeleteNote removes a note.
func (s *SQLite) DeleteNote(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM notes WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete note: %w", err)
	}
	return expectRow(res, "note", id)
}

func expectRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %q: %w", kind, id, ErrNotFound)
	}
	return nil
}
