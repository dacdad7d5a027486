// Package round drives the active session through its phases.
//
// An Executor performs the side effect a phase calls for (running commands,
// calling the model, parsing, waiting for the user or for the network) and
// reports the result as an aistate.Event. It never picks the next phase:
// every event goes through a StateSink, which folds it with
// aistate.Transition. A sink can detach a round at any time, after which the
// round's events are dropped and it stops at the next step.
package round
