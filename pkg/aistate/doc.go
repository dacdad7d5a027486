// Package aistate holds the AI session state model and its pure transition function.
//
// Invariants:
// - State is mutated only by Transition, which is pure, deterministic and total.
// - WaitingContext is non-nil iff the phase is one of the WAITING_* phases.
// - PhaseBeforePause is set iff the phase is PAUSED.
// - Counters.TotalRoundtrips never decreases and resets only on SessionActivationRequested.
//
// Usage:
//
//	st := aistate.Idle()
//	st = aistate.Transition(st, aistate.SessionActivationRequested{SessionID: "s1", SessionType: aistate.SessionTypeChat}, aistate.DefaultLimits(aistate.SessionTypeChat), time.Now())
//	st = aistate.Transition(st, aistate.UserMessageSent{}, limits, time.Now())
package aistate
