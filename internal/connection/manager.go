package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/preetecool/archimed/internal/protocol"
)

// Transport is the minimal write surface of a live websocket connection.
// *websocket.Conn satisfies it; tests substitute fakes.
type Transport interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Config controls connection housekeeping.
type Config struct {
	// InactivityTimeout is how long a connection may stay silent before the
	// sweeper evicts it.
	InactivityTimeout time.Duration
	// SweepInterval is how often the inactivity sweeper runs.
	SweepInterval time.Duration
	// PingInterval is how often the application-level liveness probe is sent.
	PingInterval time.Duration
	// RetryAttempts and RetrySpacing govern SendWithRetry for terminal events.
	RetryAttempts int
	RetrySpacing  time.Duration
}

// DefaultConfig matches the production housekeeping cadence.
func DefaultConfig() Config {
	return Config{
		InactivityTimeout: 60 * time.Second,
		SweepInterval:     20 * time.Second,
		PingInterval:      15 * time.Second,
		RetryAttempts:     3,
		RetrySpacing:      time.Second,
	}
}

// conn is the bookkeeping record for one live client connection.
type conn struct {
	clientID  string
	transport Transport

	writeMu sync.Mutex // gorilla allows one concurrent writer

	lastActivity   time.Time
	lastLiveness   time.Time
	connectedSince time.Time

	pingCancel context.CancelFunc
}

// Manager owns all live connections keyed by client identity. Exactly one
// transport exists per identity; a new connection under the same identity
// replaces the stale one.
type Manager struct {
	mu     sync.RWMutex
	conns  map[string]*conn
	config Config
	logger *slog.Logger

	onEvict func()
}

// NewManager creates an empty connection manager.
func NewManager(config Config, logger *slog.Logger) *Manager {
	if config.InactivityTimeout <= 0 {
		config = DefaultConfig()
	}
	return &Manager{
		conns:  make(map[string]*conn),
		config: config,
		logger: logger,
	}
}

// OnEvict registers an observer invoked once per connection removed by the
// inactivity sweep. Used for instrumentation.
func (m *Manager) OnEvict(fn func()) {
	m.onEvict = fn
}

// Register accepts a transport for clientID and reports whether this identity
// was already connected (a reconnection). The stale transport, if any, is
// closed and replaced; sessions owned by the identity are untouched.
func (m *Manager) Register(clientID string, t Transport) (reconnected bool) {
	now := time.Now()

	m.mu.Lock()
	old, existed := m.conns[clientID]
	c := &conn{
		clientID:       clientID,
		transport:      t,
		lastActivity:   now,
		lastLiveness:   now,
		connectedSince: now,
	}
	if existed {
		c.connectedSince = old.connectedSince
	}

	pingCtx, pingCancel := context.WithCancel(context.Background())
	c.pingCancel = pingCancel
	m.conns[clientID] = c
	m.mu.Unlock()

	if existed {
		old.pingCancel()
		_ = old.transport.Close()
		m.logger.Info("Client reconnected", slog.String("client_id", clientID))
	} else {
		m.logger.Info("New client connected", slog.String("client_id", clientID))
	}

	go m.pingLoop(pingCtx, clientID)

	return existed
}

// Disconnect removes the bookkeeping for clientID. Idempotent; it does not
// close the transport (the read loop owns the socket's lifetime).
func (m *Manager) Disconnect(clientID string) {
	m.mu.Lock()
	c, ok := m.conns[clientID]
	if ok {
		delete(m.conns, clientID)
	}
	m.mu.Unlock()

	if !ok {
		return
	}

	c.pingCancel()
	m.logger.Info("Client disconnected",
		slog.String("client_id", clientID),
		slog.Duration("connected_for", time.Since(c.connectedSince)),
	)
}

// DisconnectTransport removes clientID's bookkeeping only while t is still
// the registered transport, and reports whether it did. A read loop whose
// socket was replaced by a reconnection must not evict the replacement.
func (m *Manager) DisconnectTransport(clientID string, t Transport) bool {
	m.mu.Lock()
	c, ok := m.conns[clientID]
	if ok && c.transport != t {
		m.mu.Unlock()
		return false
	}
	if ok {
		delete(m.conns, clientID)
	}
	m.mu.Unlock()

	if !ok {
		return false
	}

	c.pingCancel()
	m.logger.Info("Client disconnected",
		slog.String("client_id", clientID),
		slog.Duration("connected_for", time.Since(c.connectedSince)),
	)
	return true
}

// IsConnected reports whether clientID has a live transport.
func (m *Manager) IsConnected(clientID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.conns[clientID]
	return ok
}

// Count returns the number of live connections.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// Touch records activity for clientID, deferring inactivity eviction.
func (m *Manager) Touch(clientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.conns[clientID]; ok {
		c.lastActivity = time.Now()
	}
}

// TouchLiveness records a liveness response from clientID.
func (m *Manager) TouchLiveness(clientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.conns[clientID]; ok {
		c.lastLiveness = time.Now()
	}
}

// Send serializes message and writes it to clientID's transport. Delivery
// failures are swallowed and logged: a write error or unknown identity
// degrades to disconnection, never to an error for the calling handler.
func (m *Manager) Send(clientID string, message any) {
	if err := m.trySend(clientID, message); err != nil {
		m.logger.Warn("Failed to send message, dropping connection",
			slog.String("client_id", clientID),
			slog.String("error", err.Error()),
		)
		m.Disconnect(clientID)
	}
}

// SendWithRetry delivers terminal events: the same message is retried up to
// the configured attempts with fixed spacing. Failures are logged, not
// surfaced; the return value is informational.
func (m *Manager) SendWithRetry(clientID string, message any) bool {
	attempts := m.config.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		err := m.trySend(clientID, message)
		if err == nil {
			return true
		}
		m.logger.Warn("Retryable send failed",
			slog.String("client_id", clientID),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
		if attempt < attempts {
			time.Sleep(m.config.RetrySpacing)
		}
	}
	return false
}

// SendBytes writes a binary frame to clientID's transport, degrading
// failures to disconnection like Send.
func (m *Manager) SendBytes(clientID string, data []byte) {
	m.mu.RLock()
	c, ok := m.conns[clientID]
	m.mu.RUnlock()

	if !ok {
		return
	}

	c.writeMu.Lock()
	err := c.transport.WriteMessage(websocket.BinaryMessage, data)
	c.writeMu.Unlock()

	if err != nil {
		m.logger.Warn("Failed to send binary frame, dropping connection",
			slog.String("client_id", clientID),
			slog.String("error", err.Error()),
		)
		m.Disconnect(clientID)
		return
	}
	m.Touch(clientID)
}

// SendText writes a raw text frame to clientID's transport, degrading
// failures to disconnection like Send.
func (m *Manager) SendText(clientID string, data []byte) {
	m.mu.RLock()
	c, ok := m.conns[clientID]
	m.mu.RUnlock()

	if !ok {
		return
	}

	c.writeMu.Lock()
	err := c.transport.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()

	if err != nil {
		m.logger.Warn("Failed to send text frame, dropping connection",
			slog.String("client_id", clientID),
			slog.String("error", err.Error()),
		)
		m.Disconnect(clientID)
		return
	}
	m.Touch(clientID)
}

func (m *Manager) trySend(clientID string, message any) error {
	m.mu.RLock()
	c, ok := m.conns[clientID]
	m.mu.RUnlock()

	if !ok {
		return fmt.Errorf("client %s is not connected", clientID)
	}

	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	c.writeMu.Lock()
	err = c.transport.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()

	if err != nil {
		return fmt.Errorf("write failed: %w", err)
	}

	// Activity timestamps are owned by m.mu; writeMu only serializes frames.
	m.Touch(clientID)
	return nil
}

// pingLoop sends the application-level liveness probe while the connection
// stays registered. It stops on eviction or context cancellation.
func (m *Manager) pingLoop(ctx context.Context, clientID string) {
	ticker := time.NewTicker(m.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !m.IsConnected(clientID) {
				return
			}
			m.Send(clientID, protocol.NewAppPing(time.Now().UnixMilli()))
		}
	}
}

// RunInactivitySweeper evicts connections silent past the inactivity timeout.
// It polls on the sweep interval until ctx is cancelled.
func (m *Manager) RunInactivitySweeper(ctx context.Context) {
	ticker := time.NewTicker(m.config.SweepInterval)
	defer ticker.Stop()

	m.logger.Info("Connection inactivity sweeper started",
		slog.Duration("timeout", m.config.InactivityTimeout),
		slog.Duration("interval", m.config.SweepInterval),
	)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Connection inactivity sweeper stopping")
			return
		case <-ticker.C:
			m.sweepInactive()
		}
	}
}

func (m *Manager) sweepInactive() {
	now := time.Now()

	// Timestamps are owned by m.mu, so both the eviction decision and the
	// idle duration are captured under it.
	m.mu.RLock()
	var expired []*conn
	var idle []time.Duration
	for _, c := range m.conns {
		if d := now.Sub(c.lastActivity); d > m.config.InactivityTimeout {
			expired = append(expired, c)
			idle = append(idle, d)
		}
	}
	m.mu.RUnlock()

	for i, c := range expired {
		m.logger.Info("Evicting inactive connection",
			slog.String("client_id", c.clientID),
			slog.Duration("idle", idle[i]),
			slog.Duration("connected_for", now.Sub(c.connectedSince)),
		)

		c.writeMu.Lock()
		_ = c.transport.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "Inactivity timeout"))
		c.writeMu.Unlock()
		_ = c.transport.Close()

		m.Disconnect(c.clientID)
		if m.onEvict != nil {
			m.onEvict()
		}
	}
}

// CloseAll closes every live transport, used during graceful shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	conns := make([]*conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.conns = make(map[string]*conn)
	m.mu.Unlock()

	for _, c := range conns {
		c.pingCancel()
		_ = c.transport.Close()
	}
}
