// Package session implements the authoritative session registry and state
// machine. Sessions are created by a recording client, accumulate a
// transcript and raw audio while recording, and are driven to a terminal
// status by the finalization pipeline. All state is in-memory and is lost on
// process restart.
package session
