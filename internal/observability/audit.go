package observability

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// SlotDecision is the controller's answer to a control request.
type SlotDecision struct {
	SessionID   string
	SessionType string
	Outcome     string
	// Position is the 1-based queue position when queued.
	Position int
	// Evicted names the CHAT that lost the slot to this request.
	Evicted string
}

// SessionClosure records a session leaving the slot.
type SessionClosure struct {
	SessionID string
	Reason    string
	// Next is the queued session activated in its place.
	Next string
}

// ActionRun records one executed action command.
type ActionRun struct {
	SessionID string
	Command   string
	Params    map[string]any
	Success   bool
	Error     string
	Duration  time.Duration
}

// ConfigReload records a configuration change applied at runtime.
type ConfigReload struct {
	Source               string
	Automations          int
	ChatRoundtrips       int
	AutomationRoundtrips int
	ChatEvictionAfter    time.Duration
	AutomationInactivity time.Duration
}

// AuditLog writes one JSON line per audited decision.
type AuditLog struct {
	mu     sync.Mutex
	logger zerolog.Logger
	file   *os.File
}

var (
	auditMu  sync.RWMutex
	auditLog *AuditLog
)

// Audit returns the process audit log. It writes to stderr until
// OpenAuditLog is called.
func Audit() *AuditLog {
	auditMu.RLock()
	a := auditLog
	auditMu.RUnlock()
	if a != nil {
		return a
	}

	auditMu.Lock()
	defer auditMu.Unlock()
	if auditLog == nil {
		auditLog = NewAuditLog(zerolog.New(os.Stderr))
	}
	return auditLog
}

// NewAuditLog writes audit entries through logger.
func NewAuditLog(logger zerolog.Logger) *AuditLog {
	return &AuditLog{logger: logger.With().Timestamp().Logger()}
}

// OpenAuditLog appends the process audit log to path.
func OpenAuditLog(path string) error {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	a := NewAuditLog(zerolog.New(file))
	a.file = file

	auditMu.Lock()
	auditLog = a
	auditMu.Unlock()
	return nil
}

// SlotDecision records a control request outcome.
func (a *AuditLog) SlotDecision(ctx context.Context, d SlotDecision) {
	a.write(ctx, "slot_decision", d.SessionID, func(e *zerolog.Event) {
		e.Str("session_type", d.SessionType).Str("outcome", d.Outcome)
		if d.Position > 0 {
			e.Int("position", d.Position)
		}
		if d.Evicted != "" {
			e.Str("evicted", d.Evicted)
		}
	})
}

// SessionClosed records a session leaving the slot.
func (a *AuditLog) SessionClosed(ctx context.Context, c SessionClosure) {
	a.write(ctx, "session_closed", c.SessionID, func(e *zerolog.Event) {
		e.Str("end_reason", c.Reason)
		if c.Next != "" {
			e.Str("next_session", c.Next)
		}
	})
}

// ActionExecuted records an action command run on the user's data.
func (a *AuditLog) ActionExecuted(ctx context.Context, r ActionRun) {
	a.write(ctx, "action_executed", r.SessionID, func(e *zerolog.Event) {
		e.Str("command", r.Command).
			Bool("success", r.Success).
			Dur("duration", r.Duration)
		if len(r.Params) > 0 {
			e.Interface("params", r.Params)
		}
		if r.Error != "" {
			e.Str("error", r.Error)
		}
	})
}

// ConfigReloaded records limits and automations applied from a changed file.
func (a *AuditLog) ConfigReloaded(ctx context.Context, c ConfigReload) {
	a.write(ctx, "config_reloaded", "", func(e *zerolog.Event) {
		e.Str("source", c.Source).
			Int("automations", c.Automations).
			Int("chat_max_roundtrips", c.ChatRoundtrips).
			Int("automation_max_roundtrips", c.AutomationRoundtrips).
			Dur("chat_eviction_after", c.ChatEvictionAfter).
			Dur("automation_inactivity", c.AutomationInactivity)
	})
}

func (a *AuditLog) write(ctx context.Context, kind, sessionID string, fields func(*zerolog.Event)) {
	span := trace.SpanFromContext(ctx)
	traceID := ""
	if sc := span.SpanContext(); sc.IsValid() {
		traceID = sc.TraceID().String()
		span.AddEvent("audit."+kind, trace.WithAttributes(attribute.String("session_id", sessionID)))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	e := a.logger.Log().Str("kind", kind)
	if sessionID != "" {
		e.Str("session_id", sessionID)
	}
	if traceID != "" {
		e.Str("trace_id", traceID)
	}
	fields(e)
	e.Send()
}

// Close closes the underlying file. Later entries are dropped.
func (a *AuditLog) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return nil
	}
	err := a.file.Close()
	a.file = nil
	a.logger = zerolog.Nop()
	return err
}
