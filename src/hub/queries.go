package hub

import (
	"sort"

	"github.com/orchestra-mcp/realtime/src/types"
)

// OnConnection registers a callback for new connections.
func (h *Hub) OnConnection(cb func(string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onConnect = append(h.onConnect, cb)
}

// OnDisconnection registers a callback for disconnections.
func (h *Hub) OnDisconnection(cb func(string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onDisconn = append(h.onDisconn, cb)
}

// ConnectedClients returns the connected client IDs in sorted order.
func (h *Hub) ConnectedClients() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ClientInfo returns info for a connected client.
func (h *Hub) ClientInfo(clientID string) (types.ConnectionInfo, bool) {
	h.mu.RLock()
	client, ok := h.clients[clientID]
	h.mu.RUnlock()
	if !ok {
		return types.ConnectionInfo{}, false
	}
	return client.Info(), true
}

// SessionClient returns the connection bound to sessionID.
func (h *Hub) SessionClient(sessionID string) (types.ConnectionInfo, bool) {
	if sessionID == "" {
		return types.ConnectionInfo{}, false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if info := c.Info(); info.SessionID == sessionID {
			return info, true
		}
	}
	return types.ConnectionInfo{}, false
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
