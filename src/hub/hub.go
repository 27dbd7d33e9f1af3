// Package hub tracks the live realtime connections of this process.
package hub

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/orchestra-mcp/realtime/src/types"
)

// ErrFull is returned by Register when the connection limit is reached.
var ErrFull = errors.New("hub: connection limit reached")

// Client is a live connection as seen by the hub.
type Client interface {
	ID() string
	Info() types.ConnectionInfo
	Shutdown()
}

// Hub is the registry of live connections.
type Hub struct {
	clients   map[string]Client
	max       int
	onConnect []func(string)
	onDisconn []func(string)

	mu     sync.RWMutex
	empty  chan struct{}
	logger zerolog.Logger
}

// New creates a Hub admitting at most max connections. A max of 0 means unlimited.
func New(max int, logger zerolog.Logger) *Hub {
	empty := make(chan struct{})
	close(empty)
	return &Hub{
		clients: make(map[string]Client),
		max:     max,
		empty:   empty,
		logger:  logger.With().Str("component", "hub").Logger(),
	}
}

// Register adds c, or returns ErrFull.
func (h *Hub) Register(c Client) error {
	h.mu.Lock()
	if h.max > 0 && len(h.clients) >= h.max {
		h.mu.Unlock()
		return ErrFull
	}
	if len(h.clients) == 0 {
		h.empty = make(chan struct{})
	}
	h.clients[c.ID()] = c
	callbacks := h.onConnect
	h.mu.Unlock()

	h.logger.Info().Str("client_id", c.ID()).Msg("client registered")
	for _, cb := range callbacks {
		cb(c.ID())
	}
	return nil
}

// Unregister removes c. Removing an unknown client is a no-op.
func (h *Hub) Unregister(c Client) {
	h.mu.Lock()
	if _, ok := h.clients[c.ID()]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c.ID())
	if len(h.clients) == 0 {
		close(h.empty)
	}
	callbacks := h.onDisconn
	h.mu.Unlock()

	h.logger.Info().Str("client_id", c.ID()).Msg("client unregistered")
	for _, cb := range callbacks {
		cb(c.ID())
	}
}

// Full reports whether a new connection would be refused.
func (h *Hub) Full() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.max > 0 && len(h.clients) >= h.max
}

// MaxConnections returns the configured limit.
func (h *Hub) MaxConnections() int { return h.max }

// CloseAll asks every live connection to shut down.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	clients := make([]Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.Shutdown()
	}
	if len(clients) > 0 {
		h.logger.Info().Int("clients", len(clients)).Msg("closing all connections")
	}
}

// Wait blocks until no connections remain or ctx ends.
func (h *Hub) Wait(ctx context.Context) error {
	h.mu.RLock()
	empty := h.empty
	h.mu.RUnlock()
	select {
	case <-empty:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Drain closes every connection and waits up to timeout for them to finish.
func (h *Hub) Drain(timeout time.Duration) error {
	h.CloseAll()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return h.Wait(ctx)
}
