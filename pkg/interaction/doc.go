// Package interaction suspends a round until the user answers.
//
// A Manager holds at most one pending wait per kind (validation and free-form
// communication). Each wait is an explicit record keyed by id and resolved
// through a buffered channel, so closing a session can force-resume every
// pending wait with a cancelled outcome:
//
//	approved, err := mgr.WaitForValidation(ctx, sessionID, vc)
//	// elsewhere
//	_ = mgr.ResumeWithValidation(true)
//
// Before suspending, the manager persists a VALIDATION_CANCELLED or
// COMMUNICATION_CANCELLED system message. A real answer deletes it, so only
// abandoned waits leave that record in history.
package interaction
