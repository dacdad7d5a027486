package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/badibam/assistant-sub007/internal/observability"
	"github.com/badibam/assistant-sub007/pkg/aistate"
	"github.com/badibam/assistant-sub007/pkg/orchestrator"
	"github.com/badibam/assistant-sub007/pkg/sessionctl"
	"github.com/badibam/assistant-sub007/pkg/store"
)

// DefaultHeartbeatInterval is how often the engine is asked to check for
// inactivity.
const DefaultHeartbeatInterval = 30 * time.Second

var (
	ErrUnknownAutomation   = errors.New("scheduler: unknown automation")
	ErrDuplicateAutomation = errors.New("scheduler: automation already registered")
)

// Automation is a prompt run on a schedule.
type Automation struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Cron   string `json:"cron"`
	TZ     string `json:"tz,omitempty"`
	Prompt string `json:"prompt"`
	// Enrichments run before the first model call.
	Enrichments []aistate.Command `json:"enrichments,omitempty"`
	ProviderID  string            `json:"provider_id,omitempty"`
}

// Engine is the part of the orchestrator the scheduler drives.
type Engine interface {
	RequestControl(ctx context.Context, req orchestrator.ControlRequest) (sessionctl.Result, error)
	Heartbeat(now time.Time)
}

// SessionStore creates the records a trigger needs.
type SessionStore interface {
	CreateSession(ctx context.Context, rec store.SessionRecord) (*store.SessionRecord, error)
	CreateMessage(ctx context.Context, sessionID string, sender store.Sender, payload store.Payload) (string, error)
}

// Config wires a Scheduler.
type Config struct {
	Engine Engine
	Store  SessionStore
	// HeartbeatInterval <= 0 uses DefaultHeartbeatInterval.
	HeartbeatInterval time.Duration
	// Location is used for automations without TZ. Defaults to time.Local.
	Location *time.Location
	Now      func() time.Time
	Logger   zerolog.Logger
}

// Entry describes a registered automation.
type Entry struct {
	Automation Automation `json:"automation"`
	Next       time.Time  `json:"next"`
	Prev       time.Time  `json:"prev,omitempty"`
}

// Scheduler owns a cron runner.
type Scheduler struct {
	engine Engine
	store  SessionStore
	now    func() time.Time
	logger zerolog.Logger

	cron      *cron.Cron
	heartbeat cron.EntryID

	mu          sync.Mutex
	automations map[string]Automation
	entries     map[string]cron.EntryID
}

// Parser accepts standard 5-field specs, descriptors like @daily and
// CRON_TZ= prefixes.
var Parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// New creates a stopped scheduler with the heartbeat job registered.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Engine == nil || cfg.Store == nil {
		return nil, errors.New("scheduler: engine and store are required")
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	logger := cfg.Logger.With().Str("component", "scheduler").Logger()
	s := &Scheduler{
		engine:      cfg.Engine,
		store:       cfg.Store,
		now:         cfg.Now,
		logger:      logger,
		automations: make(map[string]Automation),
		entries:     make(map[string]cron.EntryID),
		cron: cron.New(
			cron.WithParser(Parser),
			cron.WithLocation(cfg.Location),
			cron.WithChain(cron.Recover(cronLogger{logger})),
		),
	}
	s.heartbeat = s.cron.Schedule(cron.Every(cfg.HeartbeatInterval), cron.FuncJob(func() {
		s.engine.Heartbeat(s.now())
	}))
	return s, nil
}

// Spec returns the cron spec of a, with its time zone applied.
func (a Automation) Spec() string {
	if a.TZ == "" || strings.HasPrefix(a.Cron, "CRON_TZ=") || strings.HasPrefix(a.Cron, "TZ=") {
		return a.Cron
	}
	return "CRON_TZ=" + a.TZ + " " + a.Cron
}

// Validate checks the automation can be scheduled.
func (a Automation) Validate() error {
	if a.ID == "" {
		return errors.New("automation id is required")
	}
	if strings.TrimSpace(a.Prompt) == "" {
		return fmt.Errorf("automation %s: prompt is required", a.ID)
	}
	if a.TZ != "" {
		if _, err := time.LoadLocation(a.TZ); err != nil {
			return fmt.Errorf("automation %s: invalid timezone: %w", a.ID, err)
		}
	}
	if _, err := Parser.Parse(a.Spec()); err != nil {
		return fmt.Errorf("automation %s: invalid cron expression: %w", a.ID, err)
	}
	return nil
}

// NextRun returns the first activation of a after now.
func NextRun(a Automation, now time.Time) (time.Time, error) {
	sched, err := Parser.Parse(a.Spec())
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression: %w", err)
	}
	return sched.Next(now), nil
}

// Add registers an automation.
func (s *Scheduler) Add(a Automation) error {
	if err := a.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.automations[a.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateAutomation, a.ID)
	}

	id, err := s.cron.AddFunc(a.Spec(), func() { s.fire(a.ID) })
	if err != nil {
		return fmt.Errorf("automation %s: %w", a.ID, err)
	}
	s.automations[a.ID] = a
	s.entries[a.ID] = id

	s.logger.Info().
		Str("automation_id", a.ID).
		Str("name", a.Name).
		Str("spec", a.Spec()).
		Msg("Automation scheduled")
	return nil
}

// Remove unregisters an automation. Sessions it already queued are kept.
func (s *Scheduler) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAutomation, id)
	}
	s.cron.Remove(entry)
	delete(s.entries, id)
	delete(s.automations, id)
	s.logger.Info().Str("automation_id", id).Msg("Automation removed")
	return nil
}

// Replace swaps the registered automations for the given set.
func (s *Scheduler) Replace(automations []Automation) error {
	for _, a := range automations {
		if err := a.Validate(); err != nil {
			return err
		}
	}
	s.mu.Lock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		_ = s.Remove(id)
	}
	for _, a := range automations {
		if err := s.Add(a); err != nil {
			return err
		}
	}
	return nil
}

// Entries lists the automations ordered by next activation.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	now := s.now()
	for id, entryID := range s.entries {
		a := s.automations[id]
		e := Entry{Automation: a}
		ce := s.cron.Entry(entryID)
		if ce.Valid() && !ce.Next.IsZero() {
			e.Next, e.Prev = ce.Next, ce.Prev
		} else if next, err := NextRun(a, now); err == nil {
			e.Next = next
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Next.Equal(out[j].Next) {
			return out[i].Automation.ID < out[j].Automation.ID
		}
		return out[i].Next.Before(out[j].Next)
	})
	return out
}

// Start runs the cron loop in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info().Int("automations", len(s.Entries())).Msg("Scheduler started")
}

// Stop stops scheduling and waits for running triggers until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	stopped := s.cron.Stop()
	select {
	case <-stopped.Done():
		s.logger.Info().Msg("Scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) fire(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, _, err := s.Trigger(ctx, id); err != nil {
		s.logger.Error().Err(err).Str("automation_id", id).Msg("Automation trigger failed")
	}
}

// Trigger starts an automation now, regardless of its schedule.
func (s *Scheduler) Trigger(ctx context.Context, id string) (string, sessionctl.Result, error) {
	s.mu.Lock()
	a, ok := s.automations[id]
	s.mu.Unlock()
	if !ok {
		return "", sessionctl.Result{}, fmt.Errorf("%w: %s", ErrUnknownAutomation, id)
	}

	firedAt := s.now()
	rec, err := s.store.CreateSession(ctx, store.SessionRecord{
		Type:         aistate.SessionTypeAutomation,
		Name:         a.Name,
		AutomationID: a.ID,
	})
	if err != nil {
		observability.RecordAutomationTrigger(a.ID, "error")
		return "", sessionctl.Result{}, fmt.Errorf("failed to create automation session: %w", err)
	}
	if _, err := s.store.CreateMessage(ctx, rec.ID, store.SenderUser, store.Payload{Text: a.Prompt}); err != nil {
		observability.RecordAutomationTrigger(a.ID, "error")
		return rec.ID, sessionctl.Result{}, fmt.Errorf("failed to store automation prompt: %w", err)
	}

	res, err := s.engine.RequestControl(ctx, orchestrator.ControlRequest{
		SessionID:   rec.ID,
		Type:        aistate.SessionTypeAutomation,
		Schedule:    &sessionctl.ScheduleMeta{JobID: a.ID, CronExpr: a.Spec(), FiredAt: firedAt},
		Enrichments: a.Enrichments,
		ProviderID:  a.ProviderID,
	})
	if err != nil {
		observability.RecordAutomationTrigger(a.ID, "error")
		return rec.ID, res, fmt.Errorf("failed to request control: %w", err)
	}
	observability.RecordAutomationTrigger(a.ID, strings.ToLower(string(res.Outcome)))

	s.logger.Info().
		Str("automation_id", a.ID).
		Str("session_id", rec.ID).
		Str("outcome", string(res.Outcome)).
		Int("position", res.Position).
		Msg("Automation triggered")
	return rec.ID, res, nil
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
