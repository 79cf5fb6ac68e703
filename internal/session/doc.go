// Package session holds meeting sessions and their lifecycle state machine.
// Each session owns a status cell that only accepts allowed transitions,
// and the Store keeps every session for the lifetime of the process.
package session
