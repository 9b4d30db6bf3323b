package streaming

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/preetecool/archimed/internal/audio"
	"github.com/preetecool/archimed/internal/inference"
)

// Config controls when an incremental transcription pass is triggered.
type Config struct {
	// Interval is the minimum time between two passes for one session.
	Interval time.Duration
	// MinBytes is the minimum accumulated raw audio size before the first
	// pass is worthwhile.
	MinBytes int
	// MinResultChars is the minimum transcript length for a pass result to
	// supersede the accumulated text.
	MinResultChars int
	// PassTimeout bounds one re-encode + transcription pass.
	PassTimeout time.Duration
}

// DefaultConfig matches the production thresholds: a pass every 8s at the
// earliest, once at least 10000 raw bytes have accumulated, accepting
// results longer than 5 characters.
func DefaultConfig() Config {
	return Config{
		Interval:       8 * time.Second,
		MinBytes:       10000,
		MinResultChars: 5,
		PassTimeout:    30 * time.Second,
	}
}

// Buffer is the streaming transcription state for one recording session.
// All fields are guarded by mu; the inFlight flag is the single-flight guard
// ensuring at most one transcription pass per session at any instant.
type Buffer struct {
	sessionID string

	mu              sync.Mutex
	audio           bytes.Buffer
	accumulatedText string
	lastPass        time.Time
	inFlight        bool
	finalized       bool
	finalText       string
}

// AccumulatedText returns the best transcript produced so far.
func (b *Buffer) AccumulatedText() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finalized {
		return b.finalText
	}
	return b.accumulatedText
}

// Size returns the accumulated raw audio size in bytes.
func (b *Buffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.audio.Len()
}

// Finalize returns the accumulated text and releases the raw accumulator.
// Idempotent: a second call returns the same text and performs no cleanup.
func (b *Buffer) Finalize() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.finalized {
		b.finalized = true
		b.finalText = b.accumulatedText
		b.audio.Reset()
	}
	return b.finalText
}

// Store owns the streaming buffers of all recording sessions and runs their
// transcription passes against the speech-to-text collaborator.
type Store struct {
	mu      sync.RWMutex
	buffers map[string]*Buffer

	transcriber inference.Transcriber
	config      Config
	logger      *slog.Logger
	onPass      func(failed bool)
}

// NewStore creates a streaming buffer store backed by transcriber.
func NewStore(transcriber inference.Transcriber, config Config, logger *slog.Logger) *Store {
	if config.Interval <= 0 {
		config = DefaultConfig()
	}
	return &Store{
		buffers:     make(map[string]*Buffer),
		transcriber: transcriber,
		config:      config,
		logger:      logger,
	}
}

// OnPass registers an observer invoked after every transcription pass with
// its outcome, used for instrumentation. Must be set before any Append.
func (s *Store) OnPass(fn func(failed bool)) {
	s.onPass = fn
}

func (s *Store) notifyPass(failed bool) {
	if s.onPass != nil {
		s.onPass(failed)
	}
}

// GetOrCreate returns the session's streaming buffer, creating it on first use.
func (s *Store) GetOrCreate(sessionID string) *Buffer {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buffers[sessionID]
	if !ok {
		b = &Buffer{sessionID: sessionID}
		s.buffers[sessionID] = b
	}
	return b
}

// Append adds a raw audio chunk to the session's buffer and, when the
// interval/size gate opens and no pass is in flight, starts an asynchronous
// whole-buffer transcription pass. On completion the pass result replaces
// the accumulated text and is published through publish. Failures are logged
// and skipped; they never reach the caller.
//
// The returned value is the accumulated text as of this append, for the
// chunk-ack path.
func (s *Store) Append(sessionID string, chunk []byte, publish func(transcript string)) string {
	b := s.GetOrCreate(sessionID)

	b.mu.Lock()
	if b.finalized {
		text := b.finalText
		b.mu.Unlock()
		return text
	}

	b.audio.Write(chunk)

	eligible := time.Since(b.lastPass) > s.config.Interval &&
		!b.inFlight &&
		b.audio.Len() > s.config.MinBytes

	var snapshot []byte
	if eligible {
		b.inFlight = true
		b.lastPass = time.Now()
		snapshot = make([]byte, b.audio.Len())
		copy(snapshot, b.audio.Bytes())
	}
	text := b.accumulatedText
	b.mu.Unlock()

	if eligible {
		go s.runPass(b, snapshot, publish)
	}

	return text
}

// runPass re-encodes and transcribes one snapshot of the full buffer. The
// in-flight flag is always released, success or failure.
func (s *Store) runPass(b *Buffer, snapshot []byte, publish func(transcript string)) {
	defer func() {
		b.mu.Lock()
		b.inFlight = false
		b.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.config.PassTimeout)
	defer cancel()

	start := time.Now()

	encoded, format, err := audio.Reencode(snapshot, "")
	if err != nil {
		s.logger.Warn("Streaming pass skipped: re-encoding failed",
			slog.String("session_id", b.sessionID),
			slog.String("error", err.Error()),
		)
		s.notifyPass(true)
		return
	}

	transcript, err := s.transcriber.Transcribe(ctx, encoded, format)
	if err != nil {
		s.logger.Warn("Streaming pass failed",
			slog.String("session_id", b.sessionID),
			slog.Int("audio_bytes", len(snapshot)),
			slog.String("error", err.Error()),
		)
		s.notifyPass(true)
		return
	}
	s.notifyPass(false)

	if len(transcript) <= s.config.MinResultChars {
		s.logger.Debug("Streaming pass produced trivial result, keeping previous text",
			slog.String("session_id", b.sessionID),
			slog.Int("result_chars", len(transcript)),
		)
		return
	}

	b.mu.Lock()
	superseded := !b.finalized
	if superseded {
		// Each pass re-transcribes the whole buffer, so the result fully
		// supersedes the previous accumulated text.
		b.accumulatedText = transcript
	}
	b.mu.Unlock()

	if superseded && publish != nil {
		publish(transcript)
	}

	s.logger.Info("Streaming pass completed",
		slog.String("session_id", b.sessionID),
		slog.Int("audio_bytes", len(snapshot)),
		slog.Int("transcript_chars", len(transcript)),
		slog.Duration("duration", time.Since(start)),
	)
}

// Finalize returns the session's accumulated text and releases its raw
// accumulator. Safe to call for sessions that never streamed; returns "".
func (s *Store) Finalize(sessionID string) string {
	s.mu.RLock()
	b, ok := s.buffers[sessionID]
	s.mu.RUnlock()

	if !ok {
		return ""
	}
	return b.Finalize()
}

// Release drops the session's streaming state entirely. Explicit cleanup,
// called when finalization has consumed the buffer or the session is deleted.
func (s *Store) Release(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buffers, sessionID)
}

// Count returns the number of live streaming buffers.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buffers)
}
