// Package sessionctl owns the single active-session slot and the queue of
// sessions waiting for it.
//
// Rules applied by RequestControl:
//   - an empty slot activates the requester immediately
//   - a CHAT evicts an active CHAT and replaces any queued CHAT
//   - a CHAT waiting on an AUTOMATION is queued at position 1
//   - an AUTOMATION evicts a CHAT that has been inactive longer than
//     Config.ChatEvictionAfter, and otherwise queues FIFO
//
// Callbacks run inside the controller's critical section and must not block.
package sessionctl
