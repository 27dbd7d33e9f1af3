package types

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MessageType is the closed set of event types exchanged over a realtime connection.
type MessageType string

// Client to server.
const (
	TypeSessionUpdate          MessageType = "session.update"
	TypeInputAudioAppend       MessageType = "input_audio_buffer.append"
	TypeInputAudioCommit       MessageType = "input_audio_buffer.commit"
	TypeInputAudioClear        MessageType = "input_audio_buffer.clear"
	TypeConversationItemCreate MessageType = "conversation.item.create"
	TypeConversationItemTrunc  MessageType = "conversation.item.truncate"
	TypeConversationItemDelete MessageType = "conversation.item.delete"
	TypeResponseCreate         MessageType = "response.create"
	TypeResponseCancel         MessageType = "response.cancel"
)

// Server to client.
const (
	TypeSessionCreated             MessageType = "session.created"
	TypeSessionUpdated             MessageType = "session.updated"
	TypeAudioTranscribed           MessageType = "audio.transcribed"
	TypeSpeechGenerated            MessageType = "speech.generated"
	TypeRateLimitsUpdated          MessageType = "rate_limits.updated"
	TypeHeartbeat                  MessageType = "heartbeat"
	TypeError                      MessageType = "error"
	TypeInputAudioCommitted        MessageType = "input_audio_buffer.committed"
	TypeInputAudioCleared          MessageType = "input_audio_buffer.cleared"
	TypeConversationItemCreated    MessageType = "conversation.item.created"
	TypeConversationItemTruncated  MessageType = "conversation.item.truncated"
	TypeConversationItemDeleted    MessageType = "conversation.item.deleted"
	TypeResponseCreated            MessageType = "response.created"
	TypeResponseContentPartAdded   MessageType = "response.content_part.added"
	TypeResponseFunctionCallArgs   MessageType = "response.function_call_arguments.done"
	TypeResponseDone               MessageType = "response.done"
	TypeResponseCancelled          MessageType = "response.cancelled"
)

var clientTypes = map[MessageType]struct{}{
	TypeSessionUpdate:          {},
	TypeInputAudioAppend:       {},
	TypeInputAudioCommit:       {},
	TypeInputAudioClear:        {},
	TypeConversationItemCreate: {},
	TypeConversationItemTrunc:  {},
	TypeConversationItemDelete: {},
	TypeResponseCreate:         {},
	TypeResponseCancel:         {},
}

// IsClientType reports whether t may be sent by a client.
func IsClientType(t MessageType) bool {
	_, ok := clientTypes[t]
	return ok
}

// NewID returns a unique identifier with the given prefix.
func NewID(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.New().String(), "-", "")
}

// RawEvent is an inbound frame parsed as a JSON object.
type RawEvent map[string]json.RawMessage

// ParseRawEvent parses data as a JSON object. Anything else is a malformed message.
func ParseRawEvent(data []byte) (RawEvent, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, NewError(CodeMalformedMessage, "invalid message format: expected a JSON object")
	}
	var raw RawEvent
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return nil, WrapError(CodeMalformedMessage, "invalid JSON format", err)
	}
	if raw == nil {
		return nil, NewError(CodeMalformedMessage, "invalid message format: expected a JSON object")
	}
	return raw, nil
}

// Type returns the trimmed type field and whether it is present as a non-empty string.
func (r RawEvent) Type() (string, bool) {
	v, ok := r["type"]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return "", false
	}
	s = strings.TrimSpace(s)
	return s, s != ""
}

// EventID returns the client-supplied event id, or "".
func (r RawEvent) EventID() string {
	v, ok := r["event_id"]
	if !ok {
		return ""
	}
	var s string
	_ = json.Unmarshal(v, &s)
	return s
}

// ClientEvent is one of the typed client event variants below.
type ClientEvent interface {
	EventType() MessageType
	ID() string
	clientEvent()
}

type eventHeader struct {
	Type    MessageType `json:"type"`
	EventID string      `json:"event_id,omitempty"`
}

func (h eventHeader) EventType() MessageType { return h.Type }
func (h eventHeader) ID() string             { return h.EventID }
func (eventHeader) clientEvent()             {}

type SessionUpdateEvent struct {
	eventHeader
	Session SessionUpdate `json:"session"`
}

type InputAudioAppendEvent struct {
	eventHeader
	Audio string `json:"audio"`
}

type InputAudioCommitEvent struct {
	eventHeader
}

type InputAudioClearEvent struct {
	eventHeader
}

type ItemCreateEvent struct {
	eventHeader
	PreviousItemID string           `json:"previous_item_id,omitempty"`
	Item           ConversationItem `json:"item"`
}

// ItemTruncateEvent removes BeforeID and every later item.
type ItemTruncateEvent struct {
	eventHeader
	BeforeID string `json:"before_id"`
}

type ItemDeleteEvent struct {
	eventHeader
	ItemID string `json:"item_id"`
}

type ResponseCreateEvent struct {
	eventHeader
	Response ResponseOptions `json:"response"`
}

type ResponseCancelEvent struct {
	eventHeader
	ResponseID string `json:"response_id,omitempty"`
}

func invalid(message, param string) *WebSocketError {
	return NewError(CodeInvalidEvent, message).WithData("param", param)
}

// DecodeClientEvent converts a raw event into its typed variant.
// The type field must already be known to be present.
func DecodeClientEvent(raw RawEvent) (ClientEvent, error) {
	typ, ok := raw.Type()
	if !ok {
		return nil, NewError(CodeMissingType, "message type is required")
	}
	mt := MessageType(typ)
	if !IsClientType(mt) {
		return nil, Errorf(CodeUnknownType, "unknown event type: %s", typ).WithData("type", typ)
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return nil, WrapError(CodeMalformedMessage, "invalid message", err)
	}
	decode := func(v any) error {
		if err := json.Unmarshal(data, v); err != nil {
			return WrapError(CodeInvalidEvent, "invalid "+typ+" payload", err)
		}
		return nil
	}

	switch mt {
	case TypeSessionUpdate:
		var ev SessionUpdateEvent
		if err := decode(&ev); err != nil {
			return nil, err
		}
		if _, ok := raw["session"]; !ok {
			return nil, invalid("session.update requires a session object", "session")
		}
		if err := ev.Session.Validate(); err != nil {
			return nil, err
		}
		return ev, nil
	case TypeInputAudioAppend:
		var ev InputAudioAppendEvent
		if err := decode(&ev); err != nil {
			return nil, err
		}
		if strings.TrimSpace(ev.Audio) == "" {
			return nil, invalid("no audio data provided", "audio")
		}
		return ev, nil
	case TypeInputAudioCommit:
		var ev InputAudioCommitEvent
		if err := decode(&ev); err != nil {
			return nil, err
		}
		return ev, nil
	case TypeInputAudioClear:
		var ev InputAudioClearEvent
		if err := decode(&ev); err != nil {
			return nil, err
		}
		return ev, nil
	case TypeConversationItemCreate:
		var ev ItemCreateEvent
		if err := decode(&ev); err != nil {
			return nil, err
		}
		if err := ev.Item.Validate(); err != nil {
			return nil, err
		}
		return ev, nil
	case TypeConversationItemTrunc:
		var ev ItemTruncateEvent
		if err := decode(&ev); err != nil {
			return nil, err
		}
		if strings.TrimSpace(ev.BeforeID) == "" {
			return nil, invalid("before_id is required for truncation", "before_id")
		}
		return ev, nil
	case TypeConversationItemDelete:
		var ev ItemDeleteEvent
		if err := decode(&ev); err != nil {
			return nil, err
		}
		if strings.TrimSpace(ev.ItemID) == "" {
			return nil, invalid("item_id is required", "item_id")
		}
		return ev, nil
	case TypeResponseCreate:
		var ev ResponseCreateEvent
		if err := decode(&ev); err != nil {
			return nil, err
		}
		if err := ev.Response.Validate(); err != nil {
			return nil, err
		}
		return ev, nil
	case TypeResponseCancel:
		var ev ResponseCancelEvent
		if err := decode(&ev); err != nil {
			return nil, err
		}
		return ev, nil
	}
	return nil, Errorf(CodeUnknownType, "unknown event type: %s", typ)
}

// ServerEvent is an outbound event. Events are values; build a new one instead of mutating.
type ServerEvent struct {
	Type      MessageType      `json:"type"`
	EventID   string           `json:"event_id"`
	Session   *SessionSnapshot `json:"session,omitempty"`
	Data      any              `json:"data,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// NewServerEvent builds an event carrying a data payload.
func NewServerEvent(typ MessageType, data any, now time.Time) ServerEvent {
	return ServerEvent{
		Type:      typ,
		EventID:   NewID("event"),
		Data:      data,
		Timestamp: now.UTC(),
	}
}

// NewSessionEvent builds a session.created or session.updated event.
func NewSessionEvent(typ MessageType, snap SessionSnapshot, now time.Time) ServerEvent {
	return ServerEvent{
		Type:      typ,
		EventID:   NewID("event"),
		Session:   &snap,
		Timestamp: now.UTC(),
	}
}

// HeartbeatFrame is the periodic liveness frame.
type HeartbeatFrame struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewHeartbeat builds a heartbeat frame for sessionID.
func NewHeartbeat(sessionID string, now time.Time) HeartbeatFrame {
	return HeartbeatFrame{Type: TypeHeartbeat, SessionID: sessionID, Timestamp: now.UTC()}
}

// ErrorFrame is the wire form of a WebSocketError. EventID references the
// client event that caused the error, when known.
type ErrorFrame struct {
	Type      MessageType    `json:"type"`
	EventID   string         `json:"event_id,omitempty"`
	Code      Code           `json:"code"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
