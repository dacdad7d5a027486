package daemon

import (
	"context"
	"time"

	"github.com/badibam/assistant-sub007/internal/observability"
)

const defaultReportInterval = 30 * time.Second

// EventLoop periodically reports engine state.
type EventLoop struct {
	daemon   *Daemon
	interval time.Duration
}

// NewEventLoop creates a new event loop
func NewEventLoop(d *Daemon) *EventLoop {
	return &EventLoop{
		daemon:   d,
		interval: defaultReportInterval,
	}
}

// Run reports until ctx is done.
func (e *EventLoop) Run(ctx context.Context) {
	log := e.daemon.logger.Component("event-loop")
	log.Info().Msg("Event loop started")

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Event loop stopping")
			return
		case <-ticker.C:
			e.report()
		}
	}
}

// report publishes the queue size and logs non-idle state.
func (e *EventLoop) report() {
	snap := e.daemon.engine.Snapshot()
	observability.SetQueueSize(len(snap.Queue))

	if snap.SessionID == "" && len(snap.Queue) == 0 {
		return
	}
	logger := e.daemon.logger.Component("event-loop")
	logger.Debug().
		Str("session_id", snap.SessionID).
		Str("session_type", string(snap.SessionType)).
		Str("phase", string(snap.Phase)).
		Int("roundtrips", snap.Roundtrips).
		Int("queued", len(snap.Queue)).
		Msg("Engine state")
}
