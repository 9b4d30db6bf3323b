package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// NoteGenerator turns a final transcript and the consultation reasons into a
// structured medical note. Calls take tens of seconds and may fail or hang;
// callers bound them with a context deadline and fall back to FallbackNote.
type NoteGenerator interface {
	GenerateNote(ctx context.Context, transcript string, reasons []string) (string, error)
}

// NoteGeneratorConfig contains note generation client configuration.
type NoteGeneratorConfig struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration
}

// NoteGeneratorClient is the HTTP client for the note generation service.
type NoteGeneratorClient struct {
	config     NoteGeneratorConfig
	httpClient *http.Client
}

// NewNoteGeneratorClient creates a new note generation HTTP client.
func NewNoteGeneratorClient(config NoteGeneratorConfig) (*NoteGeneratorClient, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}
	if config.Timeout <= 0 {
		config.Timeout = 60 * time.Second
	}

	return &NoteGeneratorClient{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}, nil
}

type noteRequest struct {
	Transcript string   `json:"transcript"`
	Reasons    []string `json:"reasons"`
}

type noteResponse struct {
	Success bool   `json:"success"`
	Note    string `json:"note"`
}

// GenerateNote posts the transcript and reasons to the note service and
// returns the generated note.
func (c *NoteGeneratorClient) GenerateNote(ctx context.Context, transcript string, reasons []string) (string, error) {
	payload, err := json.Marshal(noteRequest{Transcript: transcript, Reasons: reasons})
	if err != nil {
		return "", fmt.Errorf("failed to encode note request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("HTTP error %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed noteResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("failed to parse response JSON: %w", err)
	}

	if parsed.Note == "" {
		return "", fmt.Errorf("note service returned an empty note")
	}

	return parsed.Note, nil
}
