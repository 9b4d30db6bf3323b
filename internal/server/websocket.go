package server

import (
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/preetecool/archimed/internal/protocol"
	"github.com/preetecool/archimed/internal/session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Origin checks are delegated to the fronting proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWebSocket upgrades the connection and runs the session protocol read
// loop until the client goes away.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("client_id")
	if clientID == "" || clientID == "undefined" {
		clientID = uuid.NewString()
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed",
			slog.String("client_id", clientID),
			slog.String("error", err.Error()),
		)
		return
	}

	s.conns.Register(clientID, ws)
	s.metrics.RecordConnection()
	s.metrics.SetActiveConnections(s.conns.Count())

	// Sessions survive connection loss; tell the client what it still owns.
	// The eviction sweep may have dropped the old bookkeeping before the
	// client returns, so this is keyed on sessions, not on Register's view.
	s.sendReconnectionInfo(clientID)

	defer func() {
		_ = ws.Close()
		// A stale read loop must not tear down a replacement connection.
		if !s.conns.DisconnectTransport(clientID, ws) {
			return
		}
		s.metrics.SetActiveConnections(s.conns.Count())

		for _, snap := range s.registry.SessionsForClient(clientID) {
			if snap.Status == session.StatusRecording {
				_ = s.registry.MarkOwnerDisconnected(snap.ID)
			}
		}
	}()

	readTimeout := 2 * s.config.Connection.GetInactivityTimeout()

	for {
		_ = ws.SetReadDeadline(time.Now().Add(readTimeout))

		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("WebSocket read error",
					slog.String("client_id", clientID),
					slog.String("error", err.Error()),
				)
			}
			return
		}

		s.conns.Touch(clientID)

		switch messageType {
		case websocket.BinaryMessage:
			s.handleBinaryFrame(clientID, data)
		case websocket.TextMessage:
			s.handleTextFrame(clientID, data)
		}
	}
}

// sendReconnectionInfo tells a returning client which of its sessions
// survived the gap. Purely informational: the client decides whether to
// resume, end or abandon each one.
func (s *Server) sendReconnectionInfo(clientID string) {
	sessions := s.registry.SessionsForClient(clientID)
	if len(sessions) == 0 {
		return
	}

	summaries := make([]protocol.SessionSummary, 0, len(sessions))
	for _, snap := range sessions {
		summaries = append(summaries, protocol.SessionSummary{
			ID:        snap.ID,
			Status:    string(snap.Status),
			StartTime: float64(snap.StartTime.UnixNano()) / 1e9,
		})
	}
	s.conns.Send(clientID, protocol.NewReconnectionInfo(summaries, time.Now().UnixMilli()))

	for _, snap := range sessions {
		switch snap.Status {
		case session.StatusPendingCompletion:
			s.conns.Send(clientID, protocol.NewSessionPendingCompletion(snap.ID))
		case session.StatusRecording:
			s.conns.Send(clientID, protocol.NewSessionResumed(snap.ID, string(snap.Status), snap.Transcript))
		}
	}
}

// handleBinaryFrame answers the byte-level liveness channel: a lone 0x00
// probe is echoed back, any other binary frame gets the 0x01 ack.
func (s *Server) handleBinaryFrame(clientID string, data []byte) {
	s.conns.TouchLiveness(clientID)

	if len(data) == 1 && data[0] == protocol.LivenessProbe {
		s.conns.SendBytes(clientID, []byte{protocol.LivenessProbe})
		return
	}
	s.conns.SendBytes(clientID, []byte{protocol.LivenessAck})
}

func (s *Server) handleTextFrame(clientID string, data []byte) {
	// Empty text frames are a lightweight liveness check, echoed as-is.
	if strings.TrimSpace(string(data)) == "" {
		s.conns.SendText(clientID, []byte{})
		return
	}

	msg, err := protocol.DecodeClientMessage(data)
	if err != nil {
		s.logger.Warn("Malformed client message",
			slog.String("client_id", clientID),
			slog.String("error", err.Error()),
		)
		s.conns.Send(clientID, protocol.NewErrorEvent("Invalid message format", ""))
		return
	}

	switch msg.Type {
	case protocol.TypeStartSession:
		s.handleStartSession(clientID, msg)
	case protocol.TypeAudioChunk:
		s.handleAudioChunk(clientID, msg)
	case protocol.TypeResumeSession:
		s.handleResumeSession(clientID, msg)
	case protocol.TypeEndSession:
		s.handleEndSession(clientID, msg)
	case protocol.TypeDeleteSession:
		s.handleDeleteSession(clientID, msg)
	case protocol.TypeUpdateSessionMetadata:
		s.handleUpdateMetadata(clientID, msg)
	case protocol.TypeKeepAlive:
		s.handleKeepAlive(clientID)
	default:
		s.conns.Send(clientID, protocol.NewErrorEvent("Unknown message type: "+msg.Type, msg.SessionID))
	}
}

func (s *Server) handleStartSession(clientID string, msg *protocol.ClientMessage) {
	sessionID := s.registry.Create(clientID, msg.Metadata)
	s.streams.GetOrCreate(sessionID)

	s.metrics.RecordSessionCreated()
	s.metrics.SetActiveSessions(s.registry.Count())

	s.conns.Send(clientID, protocol.NewSessionCreated(sessionID))
}

func (s *Server) handleAudioChunk(clientID string, msg *protocol.ClientMessage) {
	snap, err := s.registry.Get(msg.SessionID)
	if err != nil {
		s.conns.Send(clientID, protocol.NewErrorEvent("Invalid session ID", msg.SessionID))
		return
	}

	// Chunks arriving over a fresh connection implicitly resume an abandoned
	// session; cross-client delivery reassigns ownership with an audit trail.
	// Sessions past recording never accept audio again: appending would
	// recreate a streaming buffer the pipeline already released.
	switch {
	case snap.Status == session.StatusPendingCompletion || snap.Status == session.StatusDisconnected:
		if _, err := s.registry.Resume(msg.SessionID, clientID, msg.ClientTime); err != nil {
			s.conns.Send(clientID, protocol.NewErrorEvent("Invalid session ID", msg.SessionID))
			return
		}
	case snap.Status != session.StatusRecording:
		s.conns.Send(clientID, protocol.NewErrorEvent("Session is no longer recording", msg.SessionID))
		return
	case snap.ClientID != clientID:
		_ = s.registry.ReassignOwner(msg.SessionID, clientID, "audio chunk from new connection")
	}

	raw, err := base64.StdEncoding.DecodeString(msg.Audio)
	if err != nil {
		s.conns.Send(clientID, protocol.NewErrorEvent("Invalid audio encoding", msg.SessionID))
		return
	}

	if err := s.registry.AppendAudio(msg.SessionID, raw); err != nil {
		s.conns.Send(clientID, protocol.NewErrorEvent("Invalid session ID", msg.SessionID))
		return
	}

	sessionID := msg.SessionID
	text := s.streams.Append(sessionID, raw, func(transcript string) {
		_ = s.registry.SetTranscript(sessionID, transcript)
		s.conns.Send(clientID, protocol.NewTranscriptionUpdate(sessionID, transcript))
	})
	if text != "" {
		_ = s.registry.SetTranscript(sessionID, text)
	}

	s.conns.Send(clientID, protocol.NewChunkAck(sessionID, msg.ChunkID, msg.SequenceNumber))
}

func (s *Server) handleResumeSession(clientID string, msg *protocol.ClientMessage) {
	snap, err := s.registry.Resume(msg.SessionID, clientID, msg.ClientTime)
	if err != nil {
		// The session is gone (swept, deleted, or never existed); start a
		// fresh one so the client can keep recording without losing audio.
		s.logger.Info("Resume of unknown session, starting a new one",
			slog.String("client_id", clientID),
			slog.String("session_id", msg.SessionID),
		)
		s.handleStartSession(clientID, msg)
		return
	}

	s.conns.Send(clientID, protocol.NewSessionResumed(snap.ID, string(snap.Status), snap.Transcript))
}

func (s *Server) handleEndSession(clientID string, msg *protocol.ClientMessage) {
	if err := s.registry.BeginProcessing(msg.SessionID); err != nil {
		if errors.Is(err, session.ErrAlreadyProcessing) {
			s.conns.Send(clientID, protocol.NewErrorEvent("Session is already being finalized", msg.SessionID))
		} else {
			s.conns.Send(clientID, protocol.NewErrorEvent("Invalid session ID", msg.SessionID))
		}
		return
	}

	go s.finalizer.Run(msg.SessionID, clientID)
}

func (s *Server) handleDeleteSession(clientID string, msg *protocol.ClientMessage) {
	if err := s.registry.Delete(msg.SessionID); err != nil {
		s.conns.Send(clientID, protocol.NewErrorEvent("Invalid session ID", msg.SessionID))
		return
	}
	s.streams.Release(msg.SessionID)
	s.metrics.SetActiveSessions(s.registry.Count())

	s.conns.Send(clientID, protocol.NewSessionDeleted(msg.SessionID))
}

func (s *Server) handleUpdateMetadata(clientID string, msg *protocol.ClientMessage) {
	if err := s.registry.UpdateMetadata(msg.SessionID, msg.Metadata); err != nil {
		s.conns.Send(clientID, protocol.NewErrorEvent("Invalid session ID", msg.SessionID))
		return
	}
	s.conns.Send(clientID, protocol.NewMetadataUpdated(msg.SessionID))
}

func (s *Server) handleKeepAlive(clientID string) {
	now := time.Now()
	s.conns.Send(clientID, protocol.NewKeepAliveResponse(
		now.UnixMilli(),
		float64(now.UnixNano())/1e9,
	))
}
