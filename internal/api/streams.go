package api

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// StreamRegistry tracks open query streams per session identifier so they
// can be closed together on shutdown.
type StreamRegistry struct {
	mu     sync.Mutex
	active map[string]map[*websocket.Conn]struct{}
	logger *slog.Logger
}

// NewStreamRegistry creates an empty registry.
func NewStreamRegistry(logger *slog.Logger) *StreamRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamRegistry{
		active: make(map[string]map[*websocket.Conn]struct{}),
		logger: logger,
	}
}

// Register adds a stream for sessionID.
func (m *StreamRegistry) Register(sessionID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.active[sessionID]; !exists {
		m.active[sessionID] = make(map[*websocket.Conn]struct{})
	}
	m.active[sessionID][conn] = struct{}{}
	m.logger.Debug("Query stream registered", "session_id", sessionID, "streams", len(m.active[sessionID]))
}

// Unregister removes a stream for sessionID.
func (m *StreamRegistry) Unregister(sessionID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if conns, ok := m.active[sessionID]; ok {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(m.active, sessionID)
		}
	}
}

// Count returns the number of open streams for sessionID.
func (m *StreamRegistry) Count(sessionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active[sessionID])
}

// CloseAll closes every registered stream with reason and forgets them.
func (m *StreamRegistry) CloseAll(reason string) {
	m.mu.Lock()
	active := m.active
	m.active = make(map[string]map[*websocket.Conn]struct{})
	m.mu.Unlock()

	for sid, conns := range active {
		for conn := range conns {
			_ = conn.Close(websocket.StatusGoingAway, reason)
		}
		m.logger.Info("Query streams closed", "session_id", sid, "streams", len(conns))
	}
}
