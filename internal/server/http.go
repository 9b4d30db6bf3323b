package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/preetecool/archimed/internal/config"
	"github.com/preetecool/archimed/internal/connection"
	"github.com/preetecool/archimed/internal/inference"
	"github.com/preetecool/archimed/internal/metrics"
	"github.com/preetecool/archimed/internal/pipeline"
	"github.com/preetecool/archimed/internal/session"
	"github.com/preetecool/archimed/internal/streaming"
)

const (
	serviceName    = "archimed"
	serviceVersion = "1.0.0"
)

// Server serves the websocket protocol and the HTTP API.
type Server struct {
	server *http.Server
	logger *slog.Logger
	config *config.Config

	registry  *session.Registry
	streams   *streaming.Store
	conns     *connection.Manager
	finalizer *pipeline.Finalizer
	noteGen   inference.NoteGenerator
	metrics   *metrics.Metrics

	startTime time.Time
}

// NewServer wires the HTTP surface over the session collaborators.
func NewServer(
	cfg *config.Config,
	logger *slog.Logger,
	registry *session.Registry,
	streams *streaming.Store,
	conns *connection.Manager,
	finalizer *pipeline.Finalizer,
	noteGen inference.NoteGenerator,
	m *metrics.Metrics,
) *Server {
	s := &Server{
		logger:    logger,
		config:    cfg,
		registry:  registry,
		streams:   streams,
		conns:     conns,
		finalizer: finalizer,
		noteGen:   noteGen,
		metrics:   m,
		startTime: time.Now(),
	}

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Address, cfg.Server.Port),
		Handler:      s.routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.corsMiddleware)
	r.Use(s.metricsMiddleware)

	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)
	r.Get("/ping", s.handlePing)
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/ws", s.handleWebSocket)

	r.Post("/api/finalize-session", s.handleFinalizeSession)
	r.Get("/api/session-status/{sessionID}", s.handleSessionStatus)
	r.Post("/generate-note", s.handleGenerateNote)

	return r
}

// corsMiddleware allows browser clients from any origin; the service sits
// behind an authenticating proxy in production.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		endpoint := chi.RouteContext(r.Context()).RoutePattern()
		if endpoint == "" {
			endpoint = r.URL.Path
		}
		s.metrics.RecordHTTPRequest(r.Method, endpoint,
			fmt.Sprintf("%d", ww.Status()), time.Since(start).Seconds())
	})
}

// Start begins serving in a background goroutine.
func (s *Server) Start() {
	s.logger.Info("Starting HTTP server", slog.String("address", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()
}

// Stop gracefully stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server...")
	return s.server.Shutdown(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("Failed to encode JSON response", slog.String("error", err.Error()))
	}
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"service": serviceName,
		"version": serviceVersion,
		"endpoints": map[string]string{
			"GET /":                               "API documentation",
			"GET /health":                         "Service health check",
			"GET /ping":                           "Liveness probe",
			"GET /metrics":                        "Prometheus metrics",
			"GET /ws":                             "WebSocket session endpoint",
			"POST /api/finalize-session":          "Finalize a session out of band",
			"GET /api/session-status/{sessionID}": "Inspect session state",
			"POST /generate-note":                 "Generate a note from a transcript",
		},
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(s.startTime).String(),
		"service": map[string]any{
			"name":    serviceName,
			"version": serviceVersion,
		},
		"components": map[string]any{
			"connections": map[string]any{
				"active": s.conns.Count(),
			},
			"sessions": map[string]any{
				"active": s.registry.Count(),
			},
			"streaming": map[string]any{
				"buffers": s.streams.Count(),
			},
		},
	})
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UnixMilli(),
	})
}

type finalizeRequest struct {
	SessionID string `json:"sessionId"`
}

// handleFinalizeSession triggers the same finalization pipeline as an
// end_session message, for clients whose websocket is gone.
func (s *Server) handleFinalizeSession(w http.ResponseWriter, r *http.Request) {
	var req finalizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{
			"success": false,
			"error":   "sessionId is required",
		})
		return
	}

	snap, err := s.registry.Get(req.SessionID)
	if err != nil {
		s.writeJSON(w, http.StatusNotFound, map[string]any{
			"success": false,
			"error":   "session not found",
		})
		return
	}

	if err := s.registry.BeginProcessing(req.SessionID); err != nil {
		status := http.StatusConflict
		if errors.Is(err, session.ErrInvalidSession) {
			status = http.StatusNotFound
		}
		s.writeJSON(w, status, map[string]any{
			"success": false,
			"error":   err.Error(),
		})
		return
	}

	go s.finalizer.Run(req.SessionID, snap.ClientID)

	s.logger.Info("Finalization triggered via HTTP API",
		slog.String("session_id", req.SessionID),
	)
	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"success":   true,
		"sessionId": req.SessionID,
		"status":    string(session.StatusProcessing),
	})
}

// statusProgress maps a session status onto the coarse progress scale
// reported by processing-status events.
func statusProgress(status session.Status) int {
	switch status {
	case session.StatusRecording, session.StatusPendingCompletion, session.StatusDisconnected:
		return 0
	case session.StatusProcessing:
		return 50
	default:
		return 100
	}
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	snap, err := s.registry.Get(sessionID)
	if err != nil {
		s.writeJSON(w, http.StatusNotFound, map[string]any{
			"error": "session not found",
		})
		return
	}

	payload := map[string]any{
		"sessionId":  snap.ID,
		"status":     string(snap.Status),
		"progress":   statusProgress(snap.Status),
		"transcript": snap.Transcript,
		"note":       snap.MedicalNote,
		"startTime":  snap.StartTime.UTC(),
	}
	if !snap.EndTime.IsZero() {
		payload["endTime"] = snap.EndTime.UTC()
	}
	if snap.Error != "" {
		payload["error"] = snap.Error
	}

	s.writeJSON(w, http.StatusOK, payload)
}

type generateNoteRequest struct {
	Transcript string   `json:"transcript"`
	Reasons    []string `json:"reasons"`
}

// handleGenerateNote exposes note generation directly, with the same
// fallback behavior as the finalization pipeline.
func (s *Server) handleGenerateNote(w http.ResponseWriter, r *http.Request) {
	var req generateNoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Transcript == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{
			"success": false,
			"error":   "transcript is required",
		})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.NoteGen.GetTimeout())
	defer cancel()

	note, err := s.noteGen.GenerateNote(ctx, req.Transcript, req.Reasons)
	if err != nil {
		s.logger.Warn("Note generation failed for HTTP request, using fallback",
			slog.String("error", err.Error()),
		)
		s.metrics.RecordNoteFallback()
		s.writeJSON(w, http.StatusOK, map[string]any{
			"success":  true,
			"note":     inference.FallbackNote(req.Transcript, req.Reasons),
			"fallback": true,
		})
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"note":    note,
	})
}
