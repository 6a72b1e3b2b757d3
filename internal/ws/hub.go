package ws

import (
	"sync"
)

// Hub tracks the open websocket clients by room. Room-list sockets are kept
// under the empty key. Fan-out itself goes through the broadcast channel.
type Hub struct {
	clients map[string]map[*Client]struct{}
	mu      sync.RWMutex
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
	}
}

// Add registers a client under roomID. It reports false, and registers
// nothing, when a client with the same ConnID is already open there.
func (h *Hub) Add(roomID string, c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.hasLocked(roomID, c.Info.ConnID) {
		return false
	}
	if _, ok := h.clients[roomID]; !ok {
		h.clients[roomID] = make(map[*Client]struct{})
	}
	h.clients[roomID][c] = struct{}{}
	return true
}

// Has reports whether a client with connID is open on roomID.
func (h *Hub) Has(roomID, connID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.hasLocked(roomID, connID)
}

func (h *Hub) hasLocked(roomID, connID string) bool {
	for c := range h.clients[roomID] {
		if c.Info.ConnID == connID {
			return true
		}
	}
	return false
}

// Remove drops a client.
func (h *Hub) Remove(roomID string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.clients[roomID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.clients, roomID)
		}
	}
}

// Count returns the number of clients open on roomID.
func (h *Hub) Count(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[roomID])
}

// Connections lists the info of every open client.
func (h *Hub) Connections() []ConnInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var infos []ConnInfo
	for _, conns := range h.clients {
		for c := range conns {
			infos = append(infos, c.Info)
		}
	}
	return infos
}

// CloseAll disconnects every client, for shutdown.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	var all []*Client
	for _, conns := range h.clients {
		for c := range conns {
			all = append(all, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range all {
		c.Close()
	}
}
