// Package orchestrator composes the engine: the session slot, the state
// machine, user interaction and the round executor.
//
// One Engine owns one AIState. Every change goes through aistate.Transition
// under the engine's mutex, and at most one round runs at a time. Lock order
// is controller first, then engine state: the controller's callbacks take the
// engine lock, so the engine never calls the controller while holding it.
//
// Observers read Snapshot or Subscribe to snapshots published on a watermill
// gochannel topic whenever the phase, the slot or the queue changes.
package orchestrator
