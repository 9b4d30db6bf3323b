package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"
	"unicode"
)

// Placeholder transcripts used when no usable signal is available. The note
// generator is never invoked on a near-empty transcript, but the fallback
// note path still runs with these values.
const (
	TranscriptUnavailable = "Transcription not available or too short"
	TranscriptTimedOut    = "Transcription not available (timed out)"
)

// Signal-strength thresholds for the selection policy.
const (
	// minPartialSignal is the non-whitespace length at which a partial
	// transcript is trusted without a full re-transcription.
	minPartialSignal = 50
	// minFinalSignal is the floor below which the selected transcript is
	// replaced by the unavailable placeholder.
	minFinalSignal = 20
	// registryPreferenceRatio: the registry transcript wins over a usable
	// streaming transcript only when it is more than 10% longer.
	registryPreferenceRatio = 1.1
	// partialPreferenceRatio: a partial transcript wins over a successful
	// full re-transcription only when it is more than 20% longer.
	partialPreferenceRatio = 1.2
)

// FullTranscriber re-transcribes the entire raw buffered audio of a session.
// It is only consulted when both partial transcripts are too weak.
type FullTranscriber func(ctx context.Context) (string, error)

func nonWhitespaceLen(s string) int {
	n := 0
	for _, r := range s {
		if !unicode.IsSpace(r) {
			n++
		}
	}
	return n
}

// SelectTranscript applies the longest-reasonable-signal heuristic over the
// streaming transcript S, the registry transcript R, and (when both are too
// weak) a bounded full re-transcription. The decision is deterministic.
func SelectTranscript(ctx context.Context, streaming, registry string, full FullTranscriber, fullTimeout time.Duration, logger *slog.Logger) string {
	selected := selectPreferred(ctx, streaming, registry, full, fullTimeout, logger)

	if nonWhitespaceLen(selected) < minFinalSignal {
		return TranscriptUnavailable
	}
	return selected
}

func selectPreferred(ctx context.Context, streaming, registry string, full FullTranscriber, fullTimeout time.Duration, logger *slog.Logger) string {
	if nonWhitespaceLen(streaming) >= minPartialSignal {
		if registry != "" && float64(len(registry)) > registryPreferenceRatio*float64(len(streaming)) {
			logger.Info("Using registry transcript, significantly longer than streaming transcript",
				slog.Int("registry_chars", len(registry)),
				slog.Int("streaming_chars", len(streaming)),
			)
			return registry
		}
		return streaming
	}

	if nonWhitespaceLen(registry) >= minPartialSignal {
		return registry
	}

	// Both partials are weak: fall back to a full re-transcription of the
	// entire raw buffer, bounded by fullTimeout.
	partial := streaming
	if partial == "" {
		partial = registry
	}

	if full == nil {
		if partial != "" {
			return partial
		}
		return TranscriptUnavailable
	}

	fullCtx, cancel := context.WithTimeout(ctx, fullTimeout)
	defer cancel()

	fullText, err := full(fullCtx)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		logger.Warn("Full re-transcription timed out",
			slog.Duration("timeout", fullTimeout),
		)
		if partial != "" {
			return partial
		}
		return TranscriptTimedOut

	case err != nil:
		logger.Warn("Full re-transcription failed",
			slog.String("error", err.Error()),
		)
		return partial

	case nonWhitespaceLen(fullText) > minPartialSignal:
		if partial != "" && float64(len(partial)) > partialPreferenceRatio*float64(len(fullText)) {
			logger.Info("Keeping partial transcript, longer than full re-transcription",
				slog.Int("partial_chars", len(partial)),
				slog.Int("full_chars", len(fullText)),
			)
			return partial
		}
		return fullText

	default:
		// Full pass succeeded but produced too little signal.
		if partial != "" {
			return partial
		}
		return fullText
	}
}
