// Package inference provides clients for the two external inference
// collaborators: the speech-to-text engine and the medical note generator.
// Both are slow HTTP services; calls are bounded by per-request contexts,
// the transcription client additionally caps concurrency so blocking
// inference never starves session handling.
package inference
