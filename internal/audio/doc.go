// Package audio handles re-encoding of raw audio chunks into a decodable
// waveform container before they are handed to the speech-to-text engine.
// Re-encoding is a pure function over bytes: raw PCM is wrapped in a WAV
// container, already-containerized data passes through untouched.
package audio
