package inference

import (
	"fmt"
	"strings"
)

// FallbackNote builds a deterministic note directly from the transcript and
// consultation reasons, with no inference involved. It is used whenever note
// generation fails, times out, or the transcript is unusable.
func FallbackNote(transcript string, reasons []string) string {
	reasonText := "Consultation générale"
	if len(reasons) > 0 {
		reasonText = strings.Join(reasons, ", ")
	}

	return fmt.Sprintf(`# Note Médicale (Générée automatiquement)

## Motif de consultation

%s

## Transcription

%s

Une synthèse n'a pas pu être générée en raison d'une erreur technique.
La transcription ci-dessus est fournie pour référence.
`, reasonText, transcript)
}
