// Package hub is the live-connection registry and transport. It tracks
// every open websocket keyed by user identity (plus an anonymous set),
// and exposes the two dispatch primitives the rest of the service shares:
// EmitToUser and Broadcast. There is no store-and-forward: a recipient
// with no open connection simply misses the message.
package hub

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/classpulse/realtime/internal/event"
)

// Hub owns all connection handles. Register/Unregister race safely against
// concurrent dispatch: a connection removed mid-broadcast just does not
// receive that message.
type Hub struct {
	logger *slog.Logger

	mu        sync.RWMutex
	users     map[string]map[*Conn]struct{}
	anonymous map[*Conn]struct{}
}

func New(logger *slog.Logger) *Hub {
	return &Hub{
		logger:    logger,
		users:     make(map[string]map[*Conn]struct{}),
		anonymous: make(map[*Conn]struct{}),
	}
}

type envelope struct {
	Type    event.Kind `json:"type"`
	Payload any        `json:"payload,omitempty"`
}

// EmitToUser delivers to every connection the user currently has open.
// Zero open connections is a successful no-op.
func (h *Hub) EmitToUser(userID string, kind event.Kind, payload any) {
	data, err := json.Marshal(envelope{Type: kind, Payload: payload})
	if err != nil {
		h.logger.Error("event payload not serializable", "kind", kind, "err", err)
		return
	}

	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.users[userID]))
	for c := range h.users[userID] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.enqueue(data)
	}
}

// Broadcast delivers to every open connection, authenticated or not.
// Filtering by kind is the client's job.
func (h *Hub) Broadcast(kind event.Kind, payload any) {
	data, err := json.Marshal(envelope{Type: kind, Payload: payload})
	if err != nil {
		h.logger.Error("event payload not serializable", "kind", kind, "err", err)
		return
	}

	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.anonymous))
	for c := range h.anonymous {
		conns = append(conns, c)
	}
	for _, set := range h.users {
		for c := range set {
			conns = append(conns, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.enqueue(data)
	}
}

// ConnectionCount reports open connections for a user. Mostly for tests
// and debug logging.
func (h *Hub) ConnectionCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if userID == "" {
		return len(h.anonymous)
	}
	return len(h.users[userID])
}

func (h *Hub) register(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.UserID == "" {
		h.anonymous[c] = struct{}{}
		return
	}
	set := h.users[c.UserID]
	if set == nil {
		set = make(map[*Conn]struct{})
		h.users[c.UserID] = set
	}
	set[c] = struct{}{}
}

func (h *Hub) unregister(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.UserID == "" {
		delete(h.anonymous, c)
		return
	}
	set := h.users[c.UserID]
	delete(set, c)
	if len(set) == 0 {
		delete(h.users, c.UserID)
	}
}
