package protocol

import (
	"encoding/json"
	"fmt"
)

// Inbound message types, canonical underscore form after normalization.
const (
	TypeStartSession          = "start_session"
	TypeAudioChunk            = "audio_chunk"
	TypeResumeSession         = "resume_session"
	TypeEndSession            = "end_session"
	TypeDeleteSession         = "delete_session"
	TypeUpdateSessionMetadata = "update_session_metadata"
	TypeKeepAlive             = "keep_alive"
)

// Low-level transport liveness bytes, distinct from the JSON channel.
// A 0x00 probe is echoed back with 0x00; any other binary frame is
// acknowledged with 0x01.
const (
	LivenessProbe = 0x00
	LivenessAck   = 0x01
)

// ClientMessage is the decoded form of an inbound JSON frame. Only the
// fields relevant to the message's Type are populated.
type ClientMessage struct {
	Type           string         `json:"type"`
	SessionID      string         `json:"session_id"`
	Audio          string         `json:"audio"` // base64-encoded chunk payload
	ChunkID        string         `json:"chunk_id"`
	SequenceNumber int            `json:"sequence_number"`
	ClientTime     float64        `json:"client_time"`
	Metadata       map[string]any `json:"metadata"`
}

// DecodeClientMessage parses an inbound text frame, normalizing key casing
// and the type name before decoding. It is the single point where
// un-normalized field names are visible.
func DecodeClientMessage(raw []byte) (*ClientMessage, error) {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("invalid JSON payload: %w", err)
	}

	normalized := normalizeKeys(fields)
	if t, ok := normalized["type"].(string); ok {
		normalized["type"] = normalizeType(t)
	}

	canonical, err := json.Marshal(normalized)
	if err != nil {
		return nil, fmt.Errorf("failed to re-encode normalized payload: %w", err)
	}

	var msg ClientMessage
	if err := json.Unmarshal(canonical, &msg); err != nil {
		return nil, fmt.Errorf("malformed client message: %w", err)
	}

	if msg.Type == "" {
		return nil, fmt.Errorf("client message missing type field")
	}

	return &msg, nil
}

// Outbound event type names, dash-style on the wire.
const (
	EventSessionCreated           = "session-created"
	EventChunkAck                 = "chunk-ack"
	EventTranscriptionUpdate      = "transcription-update"
	EventProcessingStatus         = "processing-status"
	EventProcessingHeartbeat      = "processing-heartbeat"
	EventMedicalNote              = "medical-note"
	EventSessionEnded             = "session-ended"
	EventSessionResumed           = "session-resumed"
	EventSessionPendingCompletion = "session-pending-completion"
	EventSessionDeleted           = "session-deleted"
	EventMetadataUpdated          = "metadata-updated"
	EventReconnectionInfo         = "reconnection_info"
	EventError                    = "error"
	EventKeepAliveResponse        = "keep_alive_response"
	EventAppPing                  = "app-ping"
)

// SessionCreated acknowledges a start_session request.
type SessionCreated struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

func NewSessionCreated(sessionID string) SessionCreated {
	return SessionCreated{Type: EventSessionCreated, SessionID: sessionID}
}

// ChunkAck acknowledges receipt of one audio chunk.
type ChunkAck struct {
	Type           string `json:"type"`
	SessionID      string `json:"sessionId"`
	ChunkID        string `json:"chunkId"`
	SequenceNumber int    `json:"sequenceNumber"`
}

func NewChunkAck(sessionID, chunkID string, sequenceNumber int) ChunkAck {
	return ChunkAck{
		Type:           EventChunkAck,
		SessionID:      sessionID,
		ChunkID:        chunkID,
		SequenceNumber: sequenceNumber,
	}
}

// TranscriptionUpdate carries the result of one incremental streaming pass.
// Chunk and FullTranscript are identical today because each pass
// re-transcribes the whole accumulated buffer.
type TranscriptionUpdate struct {
	Type           string `json:"type"`
	SessionID      string `json:"sessionId"`
	Chunk          string `json:"chunk"`
	FullTranscript string `json:"fullTranscript"`
}

func NewTranscriptionUpdate(sessionID, transcript string) TranscriptionUpdate {
	return TranscriptionUpdate{
		Type:           EventTranscriptionUpdate,
		SessionID:      sessionID,
		Chunk:          transcript,
		FullTranscript: transcript,
	}
}

// ProcessingStatus reports finalization progress.
type ProcessingStatus struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Status    string `json:"status"`
	Progress  int    `json:"progress"`
	Message   string `json:"message,omitempty"`
}

func NewProcessingStatus(sessionID, status string, progress int, message string) ProcessingStatus {
	return ProcessingStatus{
		Type:      EventProcessingStatus,
		SessionID: sessionID,
		Status:    status,
		Progress:  progress,
		Message:   message,
	}
}

// ProcessingHeartbeat signals that finalization is still running.
type ProcessingHeartbeat struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Timestamp int64  `json:"timestamp"` // unix milliseconds
}

func NewProcessingHeartbeat(sessionID string, timestampMillis int64) ProcessingHeartbeat {
	return ProcessingHeartbeat{
		Type:      EventProcessingHeartbeat,
		SessionID: sessionID,
		Timestamp: timestampMillis,
	}
}

// MedicalNote delivers the generated (or fallback) note.
type MedicalNote struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Note      string `json:"note"`
}

func NewMedicalNote(sessionID, note string) MedicalNote {
	return MedicalNote{Type: EventMedicalNote, SessionID: sessionID, Note: note}
}

// SessionEnded is the terminal event for a finalized session.
type SessionEnded struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Status    string `json:"status"`
}

func NewSessionEnded(sessionID, status string) SessionEnded {
	return SessionEnded{Type: EventSessionEnded, SessionID: sessionID, Status: status}
}

// SessionResumed confirms a resume request or an informational resume
// notification during reconnection.
type SessionResumed struct {
	Type       string `json:"type"`
	SessionID  string `json:"sessionId"`
	Status     string `json:"status"`
	Transcript string `json:"transcript,omitempty"`
}

func NewSessionResumed(sessionID, status, transcript string) SessionResumed {
	return SessionResumed{
		Type:       EventSessionResumed,
		SessionID:  sessionID,
		Status:     status,
		Transcript: transcript,
	}
}

// SessionPendingCompletion notifies a reconnecting client that a session it
// owns was abandoned mid-recording and awaits resumption or finalization.
type SessionPendingCompletion struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

func NewSessionPendingCompletion(sessionID string) SessionPendingCompletion {
	return SessionPendingCompletion{Type: EventSessionPendingCompletion, SessionID: sessionID}
}

// SessionDeleted acknowledges an explicit delete request.
type SessionDeleted struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

func NewSessionDeleted(sessionID string) SessionDeleted {
	return SessionDeleted{Type: EventSessionDeleted, SessionID: sessionID}
}

// MetadataUpdated acknowledges a metadata patch.
type MetadataUpdated struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
}

func NewMetadataUpdated(sessionID string) MetadataUpdated {
	return MetadataUpdated{
		Type:      EventMetadataUpdated,
		SessionID: sessionID,
		Message:   "Session metadata updated successfully",
	}
}

// SessionSummary describes one session in a reconnection_info event.
type SessionSummary struct {
	ID        string  `json:"id"`
	Status    string  `json:"status"`
	StartTime float64 `json:"startTime"` // unix seconds
}

// ReconnectionInfo enumerates the sessions owned by a reconnecting client.
type ReconnectionInfo struct {
	Type           string           `json:"type"`
	ActiveSessions []SessionSummary `json:"activeSessions"`
	Timestamp      int64            `json:"timestamp"` // unix milliseconds
}

func NewReconnectionInfo(sessions []SessionSummary, timestampMillis int64) ReconnectionInfo {
	return ReconnectionInfo{
		Type:           EventReconnectionInfo,
		ActiveSessions: sessions,
		Timestamp:      timestampMillis,
	}
}

// ErrorEvent is the structured error surface; the connection stays open.
type ErrorEvent struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	SessionID string `json:"sessionId,omitempty"`
	Details   string `json:"details,omitempty"`
}

func NewErrorEvent(message, sessionID string) ErrorEvent {
	return ErrorEvent{Type: EventError, Message: message, SessionID: sessionID}
}

// KeepAliveResponse answers an application-level keep_alive message.
type KeepAliveResponse struct {
	Type       string  `json:"type"`
	Timestamp  int64   `json:"timestamp"`  // unix milliseconds
	ServerTime float64 `json:"serverTime"` // unix seconds
}

func NewKeepAliveResponse(timestampMillis int64, serverTime float64) KeepAliveResponse {
	return KeepAliveResponse{
		Type:       EventKeepAliveResponse,
		Timestamp:  timestampMillis,
		ServerTime: serverTime,
	}
}

// AppPing is the application-level liveness probe sent every probe interval.
type AppPing struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"` // unix milliseconds
}

func NewAppPing(timestampMillis int64) AppPing {
	return AppPing{Type: EventAppPing, Timestamp: timestampMillis}
}
