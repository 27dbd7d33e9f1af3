package types

import (
	"context"
	"time"
)

// Conn abstracts a WebSocket connection for testability.
// *websocket.Conn from fasthttp/websocket satisfies it directly.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteJSON(v any) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Subprotocol() string
	Close() error
}

// Sender delivers outbound frames to one client. Implementations serialize writes.
type Sender interface {
	Send(ctx context.Context, frame any) error
}

// ConnectionInfo holds metadata about a connected realtime client.
type ConnectionInfo struct {
	ID             string    `json:"id"`
	SessionID      string    `json:"session_id,omitempty"`
	Subprotocol    string    `json:"subprotocol,omitempty"`
	State          string    `json:"state"`
	ConnectedAt    time.Time `json:"connected_at"`
	UserAgent      string    `json:"user_agent,omitempty"`
	RemoteAddr     string    `json:"remote_addr,omitempty"`
	AudioBuffered  int       `json:"audio_buffered_bytes,omitempty"`
	ActiveResponse string    `json:"active_response_id,omitempty"`
}
