// Package scheduler fires AUTOMATION sessions on cron schedules and drives the
// engine heartbeat.
//
// Every trigger creates a session record and its opening USER message, then
// asks the engine for the slot. A trigger that finds the slot busy queues; it
// is never dropped.
package scheduler
