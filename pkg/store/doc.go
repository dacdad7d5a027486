// Package store persists sessions, their message history and user notes.
//
// Two implementations share the same method set: SQLite for the daemon and
// Memory for tests and throwaway chat sessions. Every call may fail
// independently of engine state; callers decide whether a failure matters.
package store
