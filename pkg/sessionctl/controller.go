package sessionctl

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/badibam/assistant-sub007/internal/observability"
	"github.com/badibam/assistant-sub007/internal/tracing"
	"github.com/badibam/assistant-sub007/pkg/aistate"
)

// DefaultChatEvictionAfter is how long a CHAT must be inactive before an
// AUTOMATION may evict it.
const DefaultChatEvictionAfter = 5 * time.Minute

var (
	ErrEmptySessionID     = errors.New("sessionctl: session id is required")
	ErrInvalidSessionType = errors.New("sessionctl: invalid session type")
	ErrNotActive          = errors.New("sessionctl: session is not active")
)

// Outcome is the result of a control request.
type Outcome string

const (
	OutcomeActivated     Outcome = "ACTIVATED"
	OutcomeAlreadyActive Outcome = "ALREADY_ACTIVE"
	OutcomeQueued        Outcome = "QUEUED"
)

// Result is returned by RequestControl. Position is 1-based and set only for
// OutcomeQueued.
type Result struct {
	Outcome  Outcome `json:"outcome"`
	Position int     `json:"position,omitempty"`
}

// ScheduleMeta records which trigger produced an AUTOMATION request.
type ScheduleMeta struct {
	JobID    string    `json:"job_id"`
	CronExpr string    `json:"cron_expr,omitempty"`
	FiredAt  time.Time `json:"fired_at"`
}

// QueuedSession is a session waiting for the slot.
type QueuedSession struct {
	SessionID  string              `json:"session_id"`
	Type       aistate.SessionType `json:"type"`
	EnqueuedAt time.Time           `json:"enqueued_at"`
	Schedule   *ScheduleMeta       `json:"schedule,omitempty"`
	Position   int                 `json:"position"`
}

// ActiveSession is the slot's occupant.
type ActiveSession struct {
	SessionID    string              `json:"session_id"`
	Type         aistate.SessionType `json:"type"`
	ActivatedAt  time.Time           `json:"activated_at"`
	LastActivity time.Time           `json:"last_activity"`
	Schedule     *ScheduleMeta       `json:"schedule,omitempty"`
}

// Config configures a Controller.
type Config struct {
	ChatEvictionAfter time.Duration
	// OnActivate is called when a session takes the slot.
	OnActivate func(ActiveSession)
	// OnClose is called when a session leaves the slot, before the next one
	// is activated.
	OnClose func(ActiveSession, aistate.EndReason)
	Now     func() time.Time
	Logger  zerolog.Logger
}

// Controller holds the slot and the queue.
type Controller struct {
	mu     sync.Mutex
	active *ActiveSession
	queue  []QueuedSession

	evictAfter time.Duration
	onActivate func(ActiveSession)
	onClose    func(ActiveSession, aistate.EndReason)
	now        func() time.Time
	logger     zerolog.Logger
}

// New creates a controller with an empty slot.
func New(cfg Config) *Controller {
	observability.EnsureRegistered()

	if cfg.ChatEvictionAfter <= 0 {
		cfg.ChatEvictionAfter = DefaultChatEvictionAfter
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Controller{
		evictAfter: cfg.ChatEvictionAfter,
		onActivate: cfg.OnActivate,
		onClose:    cfg.OnClose,
		now:        cfg.Now,
		logger:     cfg.Logger.With().Str("component", "sessionctl").Logger(),
	}
}

// SetChatEvictionAfter changes the eviction threshold.
func (c *Controller) SetChatEvictionAfter(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	c.evictAfter = d
	c.mu.Unlock()
}

// RequestControl asks for the slot on behalf of a session.
func (c *Controller) RequestControl(ctx context.Context, sessionID string, typ aistate.SessionType, meta *ScheduleMeta) (Result, error) {
	if sessionID == "" {
		return Result{}, ErrEmptySessionID
	}
	if !typ.Valid() {
		return Result{}, fmt.Errorf("%w: %q", ErrInvalidSessionType, typ)
	}

	ctx, span := tracing.StartSpan(ctx, "assistant.sessionctl", "sessionctl.request_control",
		attribute.String("session_id", sessionID),
		attribute.String("session_type", string(typ)),
	)
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var prev string
	if c.active != nil {
		prev = c.active.SessionID
	}
	res := c.decide(sessionID, typ, meta, now)
	span.SetAttributes(attribute.String("outcome", string(res.Outcome)))

	logger := tracing.LoggerFromContext(ctx, c.logger)
	logger.Info().
		Str("session_id", sessionID).
		Str("session_type", string(typ)).
		Str("outcome", string(res.Outcome)).
		Int("position", res.Position).
		Msg("Control requested")
	decision := observability.SlotDecision{
		SessionID:   sessionID,
		SessionType: string(typ),
		Outcome:     string(res.Outcome),
		Position:    res.Position,
	}
	if prev != "" && res.Outcome == OutcomeActivated {
		decision.Evicted = prev
	}
	observability.Audit().SlotDecision(ctx, decision)
	return res, nil
}

func (c *Controller) decide(sessionID string, typ aistate.SessionType, meta *ScheduleMeta, now time.Time) Result {
	if c.active == nil {
		c.removeQueued(sessionID)
		c.activate(sessionID, typ, meta, now)
		return Result{Outcome: OutcomeActivated}
	}
	if c.active.SessionID == sessionID {
		return Result{Outcome: OutcomeAlreadyActive}
	}
	if pos := c.position(sessionID); pos > 0 && typ == aistate.SessionTypeAutomation {
		return Result{Outcome: OutcomeQueued, Position: pos}
	}

	activeType := c.active.Type
	switch typ {
	case aistate.SessionTypeChat:
		c.dropQueuedChats()
		if activeType == aistate.SessionTypeChat {
			c.closeActive(aistate.EndReasonEvicted)
			c.activate(sessionID, typ, meta, now)
			return Result{Outcome: OutcomeActivated}
		}
		c.enqueue(QueuedSession{SessionID: sessionID, Type: typ, EnqueuedAt: now, Schedule: meta}, true)
		return Result{Outcome: OutcomeQueued, Position: 1}

	default:
		if activeType == aistate.SessionTypeChat && now.Sub(c.active.LastActivity) > c.evictAfter {
			c.closeActive(aistate.EndReasonEvicted)
			c.activate(sessionID, typ, meta, now)
			return Result{Outcome: OutcomeActivated}
		}
		c.enqueue(QueuedSession{SessionID: sessionID, Type: typ, EnqueuedAt: now, Schedule: meta}, false)
		return Result{Outcome: OutcomeQueued, Position: len(c.queue)}
	}
}

// CloseActive frees the slot and activates the next queued session. An empty
// sessionID closes whichever session is active.
func (c *Controller) CloseActive(ctx context.Context, sessionID string, reason aistate.EndReason) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active == nil || (sessionID != "" && c.active.SessionID != sessionID) {
		return fmt.Errorf("%w: %s", ErrNotActive, sessionID)
	}
	closure := observability.SessionClosure{SessionID: c.active.SessionID, Reason: string(reason)}
	c.closeActive(reason)
	defer func() { observability.Audit().SessionClosed(ctx, closure) }()

	if len(c.queue) > 0 {
		next := c.queue[0]
		closure.Next = next.SessionID
		c.queue = c.queue[1:]
		observability.SetQueueSize(len(c.queue))
		c.activate(next.SessionID, next.Type, next.Schedule, c.now())
		c.logger.Info().
			Str("session_id", next.SessionID).
			Str("session_type", string(next.Type)).
			Dur("waited", c.now().Sub(next.EnqueuedAt)).
			Msg("Queued session activated")
	}
	return nil
}

// Remove drops a queued session. It reports whether the session was queued.
func (c *Controller) Remove(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removeQueued(sessionID)
}

// Touch records user activity on the active CHAT.
func (c *Controller) Touch(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != nil && c.active.Type == aistate.SessionTypeChat && now.After(c.active.LastActivity) {
		c.active.LastActivity = now
	}
}

// Active returns the slot's occupant.
func (c *Controller) Active() (ActiveSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return ActiveSession{}, false
	}
	return *c.active, true
}

// Queue returns the queued sessions with their positions.
func (c *Controller) Queue() []QueuedSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]QueuedSession, len(c.queue))
	for i, q := range c.queue {
		q.Position = i + 1
		out[i] = q
	}
	return out
}

func (c *Controller) activate(sessionID string, typ aistate.SessionType, meta *ScheduleMeta, now time.Time) {
	c.active = &ActiveSession{
		SessionID:    sessionID,
		Type:         typ,
		ActivatedAt:  now,
		LastActivity: now,
		Schedule:     meta,
	}
	observability.RecordSessionActivation(string(typ))
	if c.onActivate != nil {
		c.onActivate(*c.active)
	}
}

func (c *Controller) closeActive(reason aistate.EndReason) {
	closed := *c.active
	c.active = nil
	observability.RecordSessionClosure(string(closed.Type), string(reason))
	c.logger.Info().
		Str("session_id", closed.SessionID).
		Str("session_type", string(closed.Type)).
		Str("reason", string(reason)).
		Msg("Session left the slot")
	if c.onClose != nil {
		c.onClose(closed, reason)
	}
}

func (c *Controller) enqueue(q QueuedSession, front bool) {
	if front {
		c.queue = append([]QueuedSession{q}, c.queue...)
	} else {
		c.queue = append(c.queue, q)
	}
	observability.RecordSessionEnqueue(string(q.Type), len(c.queue))
}

func (c *Controller) dropQueuedChats() {
	kept := c.queue[:0]
	for _, q := range c.queue {
		if q.Type != aistate.SessionTypeChat {
			kept = append(kept, q)
		} else {
			c.logger.Debug().Str("session_id", q.SessionID).Msg("Dropping queued chat")
		}
	}
	c.queue = kept
	observability.SetQueueSize(len(c.queue))
}

func (c *Controller) removeQueued(sessionID string) bool {
	for i, q := range c.queue {
		if q.SessionID == sessionID {
			c.queue = append(c.queue[:i:i], c.queue[i+1:]...)
			observability.SetQueueSize(len(c.queue))
			return true
		}
	}
	return false
}

func (c *Controller) position(sessionID string) int {
	for i, q := range c.queue {
		if q.SessionID == sessionID {
			return i + 1
		}
	}
	return 0
}
