// Package streaming implements the per-session incremental transcription
// buffer. Raw audio accumulates per session while recording; once enough new
// audio and enough time have passed, the whole buffer is re-transcribed in a
// single-flight background pass and the result supersedes the previous text.
// Re-transcribing the full buffer avoids boundary-splitting artifacts; the
// interval and size gates bound the repeated work.
package streaming
