package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/preetecool/archimed/internal/audio"
	"github.com/preetecool/archimed/internal/inference"
	"github.com/preetecool/archimed/internal/metrics"
	"github.com/preetecool/archimed/internal/protocol"
	"github.com/preetecool/archimed/internal/session"
	"github.com/preetecool/archimed/internal/streaming"
)

// Sender delivers events to a client connection. Delivery failures are
// handled inside the implementation; the pipeline's outcome never depends on
// them. *connection.Manager satisfies it.
type Sender interface {
	Send(clientID string, message any)
	SendWithRetry(clientID string, message any) bool
}

// Config contains finalization timing parameters.
type Config struct {
	// NoteTimeout bounds the note generator call.
	NoteTimeout time.Duration
	// FullPassTimeout bounds the fallback full re-transcription.
	FullPassTimeout time.Duration
	// HeartbeatInterval is the cadence of processing-heartbeat events.
	HeartbeatInterval time.Duration
}

// DefaultConfig matches the production finalization bounds.
func DefaultConfig() Config {
	return Config{
		NoteTimeout:       60 * time.Second,
		FullPassTimeout:   60 * time.Second,
		HeartbeatInterval: 5 * time.Second,
	}
}

// Finalizer orchestrates end-of-session processing. The single-pipeline
// invariant is enforced by Registry.BeginProcessing: callers transition the
// session before launching Run, so at most one pipeline exists per session.
type Finalizer struct {
	registry    *session.Registry
	streams     *streaming.Store
	sender      Sender
	transcriber inference.Transcriber
	noteGen     inference.NoteGenerator
	config      Config
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

// NewFinalizer wires the pipeline's collaborators.
func NewFinalizer(
	registry *session.Registry,
	streams *streaming.Store,
	sender Sender,
	transcriber inference.Transcriber,
	noteGen inference.NoteGenerator,
	config Config,
	logger *slog.Logger,
	m *metrics.Metrics,
) *Finalizer {
	if config.NoteTimeout <= 0 {
		config = DefaultConfig()
	}
	return &Finalizer{
		registry:    registry,
		streams:     streams,
		sender:      sender,
		transcriber: transcriber,
		noteGen:     noteGen,
		config:      config,
		logger:      logger,
		metrics:     m,
	}
}

// Run drives sessionID from processing to a terminal state. The caller must
// have transitioned the session via Registry.BeginProcessing. Run is meant
// to be launched as a detached background task; it catches every failure at
// its own boundary and never panics outward.
func (f *Finalizer) Run(sessionID, clientID string) {
	start := time.Now()

	err := f.run(sessionID, clientID)
	if err != nil {
		f.logger.Error("Finalization pipeline failed",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
		f.fail(sessionID, clientID, err)
	}

	if f.metrics != nil {
		f.metrics.RecordFinalization(time.Since(start).Seconds(), err != nil)
	}

	f.logger.Info("Finalization pipeline finished",
		slog.String("session_id", sessionID),
		slog.Duration("duration", time.Since(start)),
		slog.Bool("failed", err != nil),
	)
}

func (f *Finalizer) run(sessionID, clientID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pipeline panic: %v", r)
		}
	}()

	snap, err := f.registry.Get(sessionID)
	if err != nil {
		return err
	}

	// Step 1: the session is already processing; announce it.
	f.sender.Send(clientID, protocol.NewProcessingStatus(sessionID, "processing", 25, ""))

	// Heartbeat side-task. It re-checks the session status each cycle, so it
	// terminates when the session leaves processing even without the cancel.
	heartbeatCtx, stopHeartbeat := context.WithCancel(context.Background())
	defer stopHeartbeat()
	go f.heartbeatLoop(heartbeatCtx, sessionID, clientID)

	// Step 2: gather the two partial transcripts. S is the dedicated
	// streaming accumulator, R the registry transcript updated on the
	// chunk-ack path; they can diverge and both are retained as fallbacks.
	streamingTranscript := f.streams.Finalize(sessionID)
	registryTranscript := snap.Transcript

	// Step 3: transcript selection, with a bounded full re-transcription of
	// the raw buffer as last resort.
	transcript := SelectTranscript(
		context.Background(),
		streamingTranscript,
		registryTranscript,
		f.fullTranscriber(sessionID),
		f.config.FullPassTimeout,
		f.logger,
	)

	if err := f.registry.SetTranscript(sessionID, transcript); err != nil {
		return err
	}

	f.logger.Info("Transcript selected",
		slog.String("session_id", sessionID),
		slog.Int("streaming_chars", len(streamingTranscript)),
		slog.Int("registry_chars", len(registryTranscript)),
		slog.Int("selected_chars", len(transcript)),
	)

	// Step 4: a transcript decision has been made; the raw audio buffer and
	// streaming state are no longer needed.
	f.sender.Send(clientID, protocol.NewProcessingStatus(sessionID, "processing", 50, ""))
	f.registry.ReleaseAudio(sessionID)
	f.streams.Release(sessionID)

	// Step 5: note generation under a hard timeout, with the deterministic
	// fallback on any failure.
	f.sender.Send(clientID, protocol.NewProcessingStatus(sessionID, "processing", 60, "Generating medical note"))
	note := f.generateNote(sessionID, transcript, snap.Reasons)

	// Step 6: terminal events, each retried independently. Delivery failures
	// are logged inside the sender; the pipeline completes regardless.
	f.sender.SendWithRetry(clientID, protocol.NewMedicalNote(sessionID, note))
	f.sender.SendWithRetry(clientID, protocol.NewProcessingStatus(sessionID, "completed", 100, ""))

	// Step 7: persist the terminal state before announcing the end.
	if err := f.registry.CompleteProcessing(sessionID, note); err != nil {
		return err
	}

	f.sender.SendWithRetry(clientID, protocol.NewSessionEnded(sessionID, "complete"))
	return nil
}

// fail forces the session into the error state with a synthesized fallback
// note and still attempts terminal event delivery.
func (f *Finalizer) fail(sessionID, clientID string, cause error) {
	transcript := ""
	var reasons []string
	if snap, err := f.registry.Get(sessionID); err == nil {
		transcript = snap.Transcript
		reasons = snap.Reasons
	}

	fallback := inference.FallbackNote(transcript, reasons)
	if f.metrics != nil {
		f.metrics.RecordNoteFallback()
	}

	if err := f.registry.FailProcessing(sessionID, fallback, cause.Error()); err != nil &&
		!errors.Is(err, session.ErrInvalidSession) {
		f.logger.Error("Failed to persist error state",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
	}

	f.registry.ReleaseAudio(sessionID)
	f.streams.Release(sessionID)

	message := cause.Error()
	if len(message) > 100 {
		message = message[:100]
	}

	f.sender.SendWithRetry(clientID, protocol.NewMedicalNote(sessionID, fallback))
	f.sender.SendWithRetry(clientID, protocol.NewProcessingStatus(sessionID, "error", 100,
		"Error during processing: "+message))
	f.sender.SendWithRetry(clientID, protocol.NewSessionEnded(sessionID, "error"))
}

// fullTranscriber builds the last-resort full re-transcription over the
// session's raw audio buffer. A nil return means no audio is available.
func (f *Finalizer) fullTranscriber(sessionID string) FullTranscriber {
	raw, err := f.registry.AudioBytes(sessionID)
	if err != nil || len(raw) == 0 {
		return nil
	}

	return func(ctx context.Context) (string, error) {
		encoded, format, err := audio.Reencode(raw, "")
		if err != nil {
			return "", err
		}
		return f.transcriber.Transcribe(ctx, encoded, format)
	}
}

// generateNote invokes the note generator under the configured timeout and
// substitutes the deterministic fallback on timeout or error.
func (f *Finalizer) generateNote(sessionID, transcript string, reasons []string) string {
	// The placeholder transcript carries no content worth sending to the
	// generator; go straight to the fallback.
	if transcript == TranscriptUnavailable || transcript == TranscriptTimedOut {
		if f.metrics != nil {
			f.metrics.RecordNoteFallback()
		}
		return inference.FallbackNote(transcript, reasons)
	}

	ctx, cancel := context.WithTimeout(context.Background(), f.config.NoteTimeout)
	defer cancel()

	start := time.Now()
	note, err := f.noteGen.GenerateNote(ctx, transcript, reasons)
	if err != nil {
		f.logger.Warn("Note generation failed, using fallback",
			slog.String("session_id", sessionID),
			slog.Duration("elapsed", time.Since(start)),
			slog.String("error", err.Error()),
		)
		if f.metrics != nil {
			f.metrics.RecordNoteFallback()
		}
		return inference.FallbackNote(transcript, reasons)
	}

	f.logger.Info("Note generated",
		slog.String("session_id", sessionID),
		slog.Int("note_chars", len(note)),
		slog.Duration("duration", time.Since(start)),
	)
	return note
}

// heartbeatLoop emits processing-heartbeat events while the session remains
// in processing. The loop re-checks status each cycle so it always
// terminates once the pipeline reaches a terminal step, with or without
// cancellation.
func (f *Finalizer) heartbeatLoop(ctx context.Context, sessionID, clientID string) {
	ticker := time.NewTicker(f.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap, err := f.registry.Get(sessionID)
			if err != nil || snap.Status != session.StatusProcessing {
				return
			}
			f.sender.Send(clientID, protocol.NewProcessingHeartbeat(sessionID, time.Now().UnixMilli()))
		}
	}
}
