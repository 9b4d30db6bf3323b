// Package pipeline implements end-of-session finalization: it merges the
// candidate transcripts, invokes the note generator under a timeout, emits
// progress and heartbeat events, retries delivery of terminal messages, and
// always drives the session to a terminal status. Any failure inside the
// pipeline is caught at its boundary and converted into an error state with
// a fallback note; it never leaves a session stuck in processing.
package pipeline
