package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidSession is reported for any operation referencing a session id
// that is not present in the registry. Handlers surface it to the client as
// a structured error event rather than letting it escape.
var ErrInvalidSession = errors.New("invalid session ID")

// ErrAlreadyProcessing is reported when a second finalization is requested
// for a session whose pipeline is already running.
var ErrAlreadyProcessing = errors.New("session is already being finalized")

// Status is the lifecycle state of a session.
type Status string

const (
	StatusRecording         Status = "recording"
	StatusPendingCompletion Status = "pending_completion"
	StatusProcessing        Status = "processing"
	StatusCompleted         Status = "completed"
	StatusError             Status = "error"
	StatusDisconnected      Status = "disconnected"
)

// ReconnectionEvent records one resume of a session by a client.
type ReconnectionEvent struct {
	Time       time.Time
	ClientID   string
	ClientTime float64
}

// OwnershipEvent records an explicit reassignment of a session's owning
// client identity. Ownership is advisory, but every change is audited.
type OwnershipEvent struct {
	Time       time.Time
	FromClient string
	ToClient   string
	Reason     string
}

// Snapshot is a read-only copy of a session's client-visible state.
type Snapshot struct {
	ID                  string
	ClientID            string
	Status              Status
	Transcript          string
	Reasons             []string
	Metadata            map[string]any
	MedicalNote         string
	Error               string
	StartTime           time.Time
	EndTime             time.Time
	ProcessingStart     time.Time
	ProcessingEnd       time.Time
	PendingFinalization bool
}

type record struct {
	id       string
	clientID string
	status   Status

	transcript string
	reasons    []string
	metadata   map[string]any

	medicalNote string
	errDetail   string

	startTime       time.Time
	endTime         time.Time
	processingStart time.Time
	processingEnd   time.Time

	pendingFinalization bool
	lastEndAttempt      time.Time

	reconnections []ReconnectionEvent
	ownership     []OwnershipEvent

	// Raw audio accumulator for the full-buffer fallback transcription.
	// Nil once released.
	audio *bytes.Buffer
}

func (r *record) snapshot() Snapshot {
	reasons := make([]string, len(r.reasons))
	copy(reasons, r.reasons)

	metadata := make(map[string]any, len(r.metadata))
	for k, v := range r.metadata {
		metadata[k] = v
	}

	return Snapshot{
		ID:                  r.id,
		ClientID:            r.clientID,
		Status:              r.status,
		Transcript:          r.transcript,
		Reasons:             reasons,
		Metadata:            metadata,
		MedicalNote:         r.medicalNote,
		Error:               r.errDetail,
		StartTime:           r.startTime,
		EndTime:             r.endTime,
		ProcessingStart:     r.processingStart,
		ProcessingEnd:       r.processingEnd,
		PendingFinalization: r.pendingFinalization,
	}
}

// Registry holds all live session records. Access is guarded by a single
// mutex; every state transition happens inside a registry method so
// transitions per session are totally ordered.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*record
	logger   *slog.Logger

	onSweep    func(removed int)
	onTerminal func(lifetime time.Duration)
}

// NewRegistry creates an empty session registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*record),
		logger:   logger,
	}
}

// OnSweep registers an observer invoked with the number of sessions removed
// by each non-empty age sweep. Used for instrumentation.
func (r *Registry) OnSweep(fn func(removed int)) {
	r.onSweep = fn
}

// OnTerminal registers an observer invoked with a session's lifetime each
// time it reaches a terminal state. Used for instrumentation.
func (r *Registry) OnTerminal(fn func(lifetime time.Duration)) {
	r.onTerminal = fn
}

// Create registers a new recording session owned by clientID and returns its
// server-generated id. A reserved "reasons" metadata key is promoted to the
// typed reasons list.
func (r *Registry) Create(clientID string, metadata map[string]any) string {
	sessionID := uuid.NewString()

	rec := &record{
		id:        sessionID,
		clientID:  clientID,
		status:    StatusRecording,
		startTime: time.Now(),
		metadata:  make(map[string]any),
		audio:     &bytes.Buffer{},
	}
	applyMetadata(rec, metadata)

	r.mu.Lock()
	r.sessions[sessionID] = rec
	r.mu.Unlock()

	r.logger.Info("Session created",
		slog.String("session_id", sessionID),
		slog.String("client_id", clientID),
	)

	return sessionID
}

// Get returns a snapshot of the session, or ErrInvalidSession.
func (r *Registry) Get(sessionID string) (Snapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.sessions[sessionID]
	if !ok {
		return Snapshot{}, fmt.Errorf("session %s: %w", sessionID, ErrInvalidSession)
	}
	return rec.snapshot(), nil
}

// UpdateMetadata merges patch into the session's metadata. The reserved
// "reasons" key replaces the typed reasons list instead of landing in the
// open extension map.
func (r *Registry) UpdateMetadata(sessionID string, patch map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, ErrInvalidSession)
	}
	applyMetadata(rec, patch)

	r.logger.Info("Session metadata updated", slog.String("session_id", sessionID))
	return nil
}

func applyMetadata(rec *record, patch map[string]any) {
	for key, value := range patch {
		if key == "reasons" {
			if reasons := toStringList(value); reasons != nil {
				rec.reasons = reasons
				continue
			}
		}
		rec.metadata[key] = value
	}
}

func toStringList(value any) []string {
	switch v := value.(type) {
	case []string:
		out := make([]string, len(v))
		copy(out, v)
		return out
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil
			}
			out = append(out, s)
		}
		return out
	default:
		return nil
	}
}

// Delete removes the session record and releases its audio buffer.
func (r *Registry) Delete(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, ErrInvalidSession)
	}

	rec.audio = nil
	delete(r.sessions, sessionID)

	r.logger.Info("Session deleted", slog.String("session_id", sessionID))
	return nil
}

// AppendAudio adds raw chunk bytes to the session's accumulation buffer.
// Appends after the buffer has been released (post-finalization) are dropped.
func (r *Registry) AppendAudio(sessionID string, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, ErrInvalidSession)
	}
	if rec.audio != nil {
		rec.audio.Write(data)
	}
	return nil
}

// AudioBytes returns a copy of the accumulated raw audio, or nil if the
// buffer has been released.
func (r *Registry) AudioBytes(sessionID string) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrInvalidSession)
	}
	if rec.audio == nil {
		return nil, nil
	}

	out := make([]byte, rec.audio.Len())
	copy(out, rec.audio.Bytes())
	return out, nil
}

// ReleaseAudio drops the raw audio buffer once a transcript decision has
// been made. Idempotent.
func (r *Registry) ReleaseAudio(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.sessions[sessionID]; ok {
		rec.audio = nil
	}
}

// SetTranscript stores the best-known transcript for the session.
func (r *Registry) SetTranscript(sessionID, transcript string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, ErrInvalidSession)
	}
	rec.transcript = transcript
	return nil
}

// MarkOwnerDisconnected transitions a recording session to
// pending_completion when its owning connection is lost, preserving all
// accumulated data. Sessions in other states are left untouched.
func (r *Registry) MarkOwnerDisconnected(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, ErrInvalidSession)
	}

	if rec.status == StatusRecording {
		rec.status = StatusPendingCompletion
		rec.pendingFinalization = true
		rec.lastEndAttempt = time.Now()

		r.logger.Info("Session marked as pending completion",
			slog.String("session_id", sessionID),
			slog.String("client_id", rec.clientID),
		)
	}
	return nil
}

// Resume transitions a pending_completion or disconnected session back to
// recording on behalf of clientID. A recording session may also be resumed;
// the transition is then a no-op beyond ownership bookkeeping. The returned
// snapshot carries the last known transcript unchanged.
func (r *Registry) Resume(sessionID, clientID string, clientTime float64) (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.sessions[sessionID]
	if !ok {
		return Snapshot{}, fmt.Errorf("session %s: %w", sessionID, ErrInvalidSession)
	}

	if rec.clientID != clientID {
		r.reassignOwnerLocked(rec, clientID, "resume request")
	}

	if rec.status == StatusPendingCompletion || rec.status == StatusDisconnected {
		rec.status = StatusRecording
		rec.pendingFinalization = false
		rec.reconnections = append(rec.reconnections, ReconnectionEvent{
			Time:       time.Now(),
			ClientID:   clientID,
			ClientTime: clientTime,
		})

		r.logger.Info("Session resumed",
			slog.String("session_id", sessionID),
			slog.String("client_id", clientID),
		)
	}

	return rec.snapshot(), nil
}

// ReassignOwner makes the advisory ownership change explicit and auditable.
func (r *Registry) ReassignOwner(sessionID, clientID, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, ErrInvalidSession)
	}
	if rec.clientID != clientID {
		r.reassignOwnerLocked(rec, clientID, reason)
	}
	return nil
}

func (r *Registry) reassignOwnerLocked(rec *record, clientID, reason string) {
	r.logger.Warn("Session ownership reassigned",
		slog.String("session_id", rec.id),
		slog.String("from_client", rec.clientID),
		slog.String("to_client", clientID),
		slog.String("reason", reason),
	)

	rec.ownership = append(rec.ownership, OwnershipEvent{
		Time:       time.Now(),
		FromClient: rec.clientID,
		ToClient:   clientID,
		Reason:     reason,
	})
	rec.clientID = clientID
}

// BeginProcessing transitions the session into processing for finalization.
// It enforces the single-pipeline invariant: a session already processing
// reports ErrAlreadyProcessing, and terminal sessions cannot be finalized
// again.
func (r *Registry) BeginProcessing(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, ErrInvalidSession)
	}

	switch rec.status {
	case StatusProcessing:
		return fmt.Errorf("session %s: %w", sessionID, ErrAlreadyProcessing)
	case StatusCompleted, StatusError:
		return fmt.Errorf("session %s already finalized with status %s: %w",
			sessionID, rec.status, ErrAlreadyProcessing)
	}

	rec.status = StatusProcessing
	rec.pendingFinalization = false
	rec.processingStart = time.Now()
	return nil
}

// CompleteProcessing records a successful finalization.
func (r *Registry) CompleteProcessing(sessionID, note string) error {
	r.mu.Lock()

	rec, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("session %s: %w", sessionID, ErrInvalidSession)
	}

	now := time.Now()
	rec.status = StatusCompleted
	rec.medicalNote = note
	rec.endTime = now
	rec.processingEnd = now
	lifetime := now.Sub(rec.startTime)
	r.mu.Unlock()

	if r.onTerminal != nil {
		r.onTerminal(lifetime)
	}
	return nil
}

// FailProcessing records a failed finalization, keeping the fallback note so
// the client-visible record is never empty.
func (r *Registry) FailProcessing(sessionID, fallbackNote, errDetail string) error {
	r.mu.Lock()

	rec, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("session %s: %w", sessionID, ErrInvalidSession)
	}

	now := time.Now()
	rec.status = StatusError
	rec.medicalNote = fallbackNote
	rec.errDetail = errDetail
	rec.endTime = now
	rec.processingEnd = now
	lifetime := now.Sub(rec.startTime)
	r.mu.Unlock()

	if r.onTerminal != nil {
		r.onTerminal(lifetime)
	}
	return nil
}

// SessionsForClient returns snapshots of every session owned by clientID,
// used by the reconnection protocol.
func (r *Registry) SessionsForClient(clientID string) []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Snapshot
	for _, rec := range r.sessions {
		if rec.clientID == clientID {
			out = append(out, rec.snapshot())
		}
	}
	return out
}

// Count returns the number of live session records.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// SweepOlderThan removes sessions started more than maxAge ago, releasing
// their audio buffers. Returns the ids removed.
func (r *Registry) SweepOlderThan(maxAge time.Duration) []string {
	now := time.Now()

	r.mu.Lock()
	var removed []string
	for id, rec := range r.sessions {
		if now.Sub(rec.startTime) > maxAge {
			rec.audio = nil
			delete(r.sessions, id)
			removed = append(removed, id)
		}
	}
	r.mu.Unlock()

	if len(removed) > 0 {
		r.logger.Info("Swept expired sessions",
			slog.Int("count", len(removed)),
			slog.Duration("max_age", maxAge),
		)
		if r.onSweep != nil {
			r.onSweep(len(removed))
		}
	}
	return removed
}

// RunSweeper periodically removes sessions older than maxAge until ctx is
// cancelled.
func (r *Registry) RunSweeper(ctx context.Context, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.SweepOlderThan(maxAge)
		}
	}
}

// RunProcessingWatchdog forces sessions stuck in processing past maxProcessing
// into the error state so no session is ever left processing forever. The
// pipeline's own timeouts make this a backstop, not the primary bound.
func (r *Registry) RunProcessingWatchdog(ctx context.Context, interval, maxProcessing time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.expireStuckProcessing(maxProcessing)
		}
	}
}

func (r *Registry) expireStuckProcessing(maxProcessing time.Duration) {
	now := time.Now()

	r.mu.Lock()
	var lifetimes []time.Duration
	for id, rec := range r.sessions {
		if rec.status == StatusProcessing && !rec.processingStart.IsZero() &&
			now.Sub(rec.processingStart) > maxProcessing {
			rec.status = StatusError
			rec.errDetail = "Processing timeout"
			rec.endTime = now
			rec.processingEnd = now
			lifetimes = append(lifetimes, now.Sub(rec.startTime))

			r.logger.Warn("Session processing timed out, marking as error",
				slog.String("session_id", id),
				slog.Duration("elapsed", now.Sub(rec.processingStart)),
			)
		}
	}
	r.mu.Unlock()

	if r.onTerminal != nil {
		for _, lifetime := range lifetimes {
			r.onTerminal(lifetime)
		}
	}
}
