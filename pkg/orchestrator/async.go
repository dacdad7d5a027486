package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/badibam/assistant-sub007/internal/observability"
	"github.com/badibam/assistant-sub007/pkg/aistate"
	"github.com/badibam/assistant-sub007/pkg/store"
)

const persistTimeout = 10 * time.Second

// persistAsync queues a store write. Writes run in order on one goroutine so
// callers holding the engine lock never wait on storage.
func (e *Engine) persistAsync(desc string, fn func(ctx context.Context) error) {
	e.persistMu.Lock()
	if e.persistStopped {
		e.persistMu.Unlock()
		e.runPersist(persistOp{desc: desc, fn: fn})
		return
	}
	e.persistOps = append(e.persistOps, persistOp{desc: desc, fn: fn})
	e.persistMu.Unlock()

	select {
	case e.persistWake <- struct{}{}:
	default:
	}
}

func (e *Engine) persistSystemAsync(sessionID string, typ aistate.SystemMessageType, summary string) {
	observability.RecordSystemMessage(string(typ))
	msg := aistate.SystemMessage{Type: typ, Summary: summary}
	e.persistAsync("system message", func(ctx context.Context) error {
		_, err := e.store.CreateMessage(ctx, sessionID, store.SenderSystem, store.Payload{System: &msg})
		return err
	})
}

func (e *Engine) persistLoop() {
	defer close(e.persistDone)
	for {
		select {
		case <-e.persistWake:
			e.drainPersist()
		case <-e.baseCtx.Done():
			e.persistMu.Lock()
			e.persistStopped = true
			e.persistMu.Unlock()
			e.drainPersist()
			return
		}
	}
}

func (e *Engine) drainPersist() {
	for {
		e.persistMu.Lock()
		ops := e.persistOps
		e.persistOps = nil
		e.persistMu.Unlock()
		if len(ops) == 0 {
			return
		}
		for _, op := range ops {
			e.runPersist(op)
		}
	}
}

func (e *Engine) runPersist(op persistOp) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := op.fn(ctx); err != nil {
		e.logger.Warn().Err(err).Str("op", op.desc).Msg("Persistence failed")
	}
}

// notify wakes the snapshot publisher. Safe with or without e.mu held.
func (e *Engine) notify() {
	select {
	case e.publishWake <- struct{}{}:
	default:
	}
}

func (e *Engine) notifyLocked() { e.notify() }

func (e *Engine) publishLoop() {
	defer close(e.publishDone)
	for {
		select {
		case <-e.publishWake:
			e.publish()
		case <-e.baseCtx.Done():
			e.publish()
			return
		}
	}
}

func (e *Engine) publish() {
	payload, err := json.Marshal(e.Snapshot())
	if err != nil {
		e.logger.Error().Err(err).Msg("Failed to encode snapshot")
		return
	}
	if err := e.pubsub.Publish(SnapshotTopic, message.NewMessage(watermill.NewUUID(), payload)); err != nil {
		e.logger.Debug().Err(err).Msg("Failed to publish snapshot")
	}
}

// Subscribe streams snapshots until ctx is done. Intermediate snapshots may
// be coalesced; the latest one is always delivered.
func (e *Engine) Subscribe(ctx context.Context) (<-chan Snapshot, error) {
	msgs, err := e.pubsub.Subscribe(ctx, SnapshotTopic)
	if err != nil {
		return nil, err
	}
	out := make(chan Snapshot, 16)
	first := e.Snapshot()
	out <- first
	go func() {
		defer close(out)
		last := first.Seq
		for msg := range msgs {
			var snap Snapshot
			err := json.Unmarshal(msg.Payload, &snap)
			msg.Ack()
			if err != nil {
				e.logger.Warn().Err(err).Msg("Dropping undecodable snapshot")
				continue
			}
			if snap.Seq <= last {
				continue
			}
			last = snap.Seq
			select {
			case out <- snap:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Snapshot returns the current observable state.
func (e *Engine) Snapshot() Snapshot {
	queue := e.ctl.Queue()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.snapSeq++
	s := e.state
	snap := Snapshot{
		Seq:             e.snapSeq,
		SessionID:       s.SessionID,
		SessionType:     s.SessionType,
		Phase:           s.Phase,
		EndReason:       s.EndReason,
		Roundtrips:      s.Counters.TotalRoundtrips,
		RoundInProgress: e.round != nil,
		Queue:           queue,
		UpdatedAt:       e.now(),
	}
	if snap.Phase == "" {
		snap.Phase = aistate.PhaseIdle
	}
	wc := s.WaitingContext
	if s.Phase == aistate.PhasePaused {
		wc = s.PausedWaitingContext
	}
	if wc != nil {
		snap.Waiting = wc.Kind()
		switch c := wc.(type) {
		case aistate.ValidationContext:
			snap.Validation = &c
		case aistate.CommunicationContext:
			snap.Communication = &c
		case aistate.NetworkRetryContext:
			at := c.RetryAt
			snap.RetryAt = &at
		}
	}
	return snap
}
