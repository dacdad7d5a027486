package orchestrator

import (
	"github.com/badibam/assistant-sub007/pkg/aistate"
)

// roundSink gives one round access to the engine state for as long as it
// owns it.
type roundSink struct {
	e *Engine
	h *roundHandle
}

func (s *roundSink) ownsLocked() bool {
	return !s.h.detached && s.e.round == s.h
}

func (s *roundSink) Checkpoint() (aistate.State, bool) {
	e := s.e
	e.mu.Lock()
	defer e.mu.Unlock()
	if !s.ownsLocked() {
		return e.state, false
	}
	if e.state.Phase.IsRoundEnd() {
		s.h.detached = true
		e.round = nil
		e.notifyLocked()
	}
	return e.state, true
}

func (s *roundSink) Apply(ev aistate.Event) (aistate.State, bool) {
	e := s.e
	e.mu.Lock()
	defer e.mu.Unlock()
	if !s.ownsLocked() {
		return e.state, false
	}
	e.applyLocked(ev, e.now())
	return e.state, true
}

func (s *roundSink) Detached() bool {
	e := s.e
	e.mu.Lock()
	defer e.mu.Unlock()
	return !s.ownsLocked()
}

func (s *roundSink) Ignore() {
	e := s.e
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.SessionID != s.h.sessionID {
		return
	}
	e.applyLocked(aistate.AIResponseIgnored{}, e.now())
}

func (s *roundSink) Limits() aistate.Limits {
	e := s.e
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.limitsLocked()
}

func (s *roundSink) NetworkAvailable() <-chan struct{} {
	e := s.e
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.network
}

func (s *roundSink) Resumed() <-chan struct{} {
	e := s.e
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resumed
}
