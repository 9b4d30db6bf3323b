package protocol

import (
	"encoding/json"
	"testing"
)

func TestSnakeCaseKey(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"already snake", "session_id", "session_id"},
		{"camelCase", "sessionId", "session_id"},
		{"camelCase multi", "sequenceNumber", "sequence_number"},
		{"kebab-case", "chunk-id", "chunk_id"},
		{"single word", "audio", "audio"},
		{"leading upper", "SessionId", "session_id"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := snakeCaseKey(tt.input); got != tt.expected {
				t.Errorf("snakeCaseKey(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestNormalizeKeysNested(t *testing.T) {
	input := map[string]any{
		"sessionId": "abc",
		"metaData": map[string]any{
			"patientName": "x",
			"innerList": []any{
				map[string]any{"someKey": 1},
				"plain",
			},
		},
	}

	out := normalizeKeys(input)

	if _, ok := out["session_id"]; !ok {
		t.Error("expected session_id key after normalization")
	}
	meta, ok := out["meta_data"].(map[string]any)
	if !ok {
		t.Fatal("expected meta_data to be a normalized map")
	}
	if _, ok := meta["patient_name"]; !ok {
		t.Error("expected nested patient_name key")
	}
	list, ok := meta["inner_list"].([]any)
	if !ok || len(list) != 2 {
		t.Fatal("expected inner_list with two items")
	}
	if m, ok := list[0].(map[string]any); !ok {
		t.Error("expected first list item to be a map")
	} else if _, ok := m["some_key"]; !ok {
		t.Error("expected some_key inside list item")
	}
	if list[1] != "plain" {
		t.Errorf("plain list item changed: %v", list[1])
	}
}

func TestNormalizeType(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"end-session", "end_session"},
		{"end_session", "end_session"},
		{"audio-chunk", "audio_chunk"},
		{"keep_alive", "keep_alive"},
	}

	for _, tt := range tests {
		if got := normalizeType(tt.input); got != tt.expected {
			t.Errorf("normalizeType(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func TestDecodeClientMessage(t *testing.T) {
	tests := []struct {
		name        string
		payload     string
		expectError bool
		checkFn     func(t *testing.T, msg *ClientMessage)
	}{
		{
			name:    "snake case fields",
			payload: `{"type":"audio_chunk","session_id":"s1","chunk_id":"c1","sequence_number":7}`,
			checkFn: func(t *testing.T, msg *ClientMessage) {
				if msg.Type != TypeAudioChunk || msg.SessionID != "s1" || msg.ChunkID != "c1" || msg.SequenceNumber != 7 {
					t.Errorf("unexpected decode result: %+v", msg)
				}
			},
		},
		{
			name:    "camel case fields",
			payload: `{"type":"audio_chunk","sessionId":"s1","chunkId":"c1","sequenceNumber":7}`,
			checkFn: func(t *testing.T, msg *ClientMessage) {
				if msg.SessionID != "s1" || msg.ChunkID != "c1" || msg.SequenceNumber != 7 {
					t.Errorf("camelCase fields not normalized: %+v", msg)
				}
			},
		},
		{
			name:    "dash style type",
			payload: `{"type":"end-session","sessionId":"s1"}`,
			checkFn: func(t *testing.T, msg *ClientMessage) {
				if msg.Type != TypeEndSession {
					t.Errorf("type not folded: %q", msg.Type)
				}
			},
		},
		{
			name:    "metadata preserved",
			payload: `{"type":"update_session_metadata","session_id":"s1","metadata":{"patientAge":42}}`,
			checkFn: func(t *testing.T, msg *ClientMessage) {
				if msg.Metadata == nil {
					t.Fatal("metadata lost")
				}
				if _, ok := msg.Metadata["patient_age"]; !ok {
					t.Errorf("metadata keys not normalized: %v", msg.Metadata)
				}
			},
		},
		{
			name:        "invalid JSON",
			payload:     `{not json`,
			expectError: true,
		},
		{
			name:        "missing type",
			payload:     `{"session_id":"s1"}`,
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := DecodeClientMessage([]byte(tt.payload))
			if tt.expectError {
				if err == nil {
					t.Error("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.checkFn != nil {
				tt.checkFn(t, msg)
			}
		})
	}
}

func TestOutboundEventWireFormat(t *testing.T) {
	data, err := json.Marshal(NewChunkAck("s1", "c1", 3))
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	for _, key := range []string{"type", "sessionId", "chunkId", "sequenceNumber"} {
		if _, ok := fields[key]; !ok {
			t.Errorf("chunk-ack missing wire field %q: %s", key, data)
		}
	}
	if fields["type"] != EventChunkAck {
		t.Errorf("type = %v, want %q", fields["type"], EventChunkAck)
	}
}

func TestTranscriptionUpdateMirrorsFullTranscript(t *testing.T) {
	u := NewTranscriptionUpdate("s1", "hello world")
	if u.Chunk != u.FullTranscript {
		t.Errorf("chunk %q and fullTranscript %q should be identical", u.Chunk, u.FullTranscript)
	}
}

func TestProcessingStatusOmitsEmptyMessage(t *testing.T) {
	data, err := json.Marshal(NewProcessingStatus("s1", "processing", 25, ""))
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if _, ok := fields["message"]; ok {
		t.Errorf("empty message should be omitted: %s", data)
	}
}
