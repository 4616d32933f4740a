package websocket

import (
	"encoding/json"
	"log/slog"
	"slices"
	"sync"

	"github.com/dukerupert/warden/internal/metrics"
)

// Message types pushed to clients.
const (
	// TypeSessionRevoked tells a client its own session is gone. The
	// connection is closed right after it.
	TypeSessionRevoked = "session_revoked"
	// TypeSessionsChanged tells a client that other sessions of the same user
	// were revoked, so any device list it shows is stale.
	TypeSessionsChanged = "sessions_changed"
	// TypeMFAChanged tells a client that two-factor authentication was
	// turned on or off for its user.
	TypeMFAChanged = "mfa_changed"
)

// Message is a notification pushed to a user's connected clients.
type Message struct {
	Type       string   `json:"type"`
	SessionIDs []string `json:"session_ids,omitempty"`
}

// Hub tracks connected clients by user and pushes session notifications.
// It implements session.Notifier and mfa.ChangeNotifier.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	logger  *slog.Logger
}

// NewHub creates a new Hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		logger:  logger,
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	metrics.WebSocketConnectionsActive.Inc()
}

// Unregister removes a client from the hub and closes its send channel.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
		metrics.WebSocketConnectionsActive.Dec()
	}
}

// SendToUser queues msg for every client of userID.
func (h *Hub) SendToUser(userID int64, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal message", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		if c.userID == userID {
			c.enqueue(data)
		}
	}
}

// SessionsRevoked disconnects clients whose session was revoked and tells
// the user's remaining clients about the change.
func (h *Hub) SessionsRevoked(userID int64, sessionIDs []string) {
	revoked, err := json.Marshal(Message{Type: TypeSessionRevoked})
	if err != nil {
		h.logger.Error("marshal message", "error", err)
		return
	}
	changed, err := json.Marshal(Message{Type: TypeSessionsChanged, SessionIDs: sessionIDs})
	if err != nil {
		h.logger.Error("marshal message", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	kicked := 0
	for c := range h.clients {
		if c.userID != userID {
			continue
		}
		if slices.Contains(sessionIDs, c.sessionID) {
			c.enqueue(revoked)
			c.kick()
			kicked++
			continue
		}
		c.enqueue(changed)
	}
	if kicked > 0 {
		h.logger.Info("closed revoked websocket connections", "user_id", userID, "count", kicked)
	}
}

// MFAChanged tells every client of userID to reload its two-factor status.
func (h *Hub) MFAChanged(userID int64) {
	h.SendToUser(userID, Message{Type: TypeMFAChanged})
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
