package types

import (
	"slices"
	"strings"
	"time"
)

// ItemType is the kind of a conversation item.
type ItemType string

const (
	ItemMessage            ItemType = "message"
	ItemFunctionCall       ItemType = "function_call"
	ItemFunctionCallOutput ItemType = "function_call_output"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

var validRoles = []string{RoleUser, RoleAssistant, RoleSystem}

// ContentPart is one piece of message content.
type ContentPart struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	Audio      string `json:"audio,omitempty"`
	Transcript string `json:"transcript,omitempty"`
}

// ConversationItem is a message or function call stored in a session's history.
type ConversationItem struct {
	ID        string        `json:"id"`
	Object    string        `json:"object,omitempty"`
	Type      ItemType      `json:"type"`
	Status    string        `json:"status,omitempty"`
	Role      string        `json:"role,omitempty"`
	Content   []ContentPart `json:"content,omitempty"`
	CallID    string        `json:"call_id,omitempty"`
	Name      string        `json:"name,omitempty"`
	Arguments string        `json:"arguments,omitempty"`
	Output    string        `json:"output,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// Validate checks the item shape for its type.
func (it ConversationItem) Validate() error {
	switch it.Type {
	case ItemMessage:
		if !slices.Contains(validRoles, it.Role) {
			return Errorf(CodeInvalidEvent, "invalid role %q", it.Role).WithData("param", "item.role")
		}
		if len(it.Content) == 0 {
			return NewError(CodeInvalidEvent, "message content is required").WithData("param", "item.content")
		}
	case ItemFunctionCall:
		if strings.TrimSpace(it.Name) == "" {
			return NewError(CodeInvalidEvent, "function_call requires name").WithData("param", "item.name")
		}
		if strings.TrimSpace(it.CallID) == "" {
			return NewError(CodeInvalidEvent, "function_call requires call_id").WithData("param", "item.call_id")
		}
	case ItemFunctionCallOutput:
		if strings.TrimSpace(it.CallID) == "" {
			return NewError(CodeInvalidEvent, "function_call_output requires call_id").WithData("param", "item.call_id")
		}
	default:
		return Errorf(CodeInvalidEvent, "invalid item type %q", it.Type).WithData("param", "item.type")
	}
	return nil
}

// Text joins the textual content of the item.
func (it ConversationItem) Text() string {
	switch it.Type {
	case ItemFunctionCall:
		return it.Arguments
	case ItemFunctionCallOutput:
		return it.Output
	}
	var b strings.Builder
	for _, p := range it.Content {
		s := p.Text
		if s == "" {
			s = p.Transcript
		}
		if s == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(s)
	}
	return b.String()
}

// NewTextItem builds a completed message item with a single text part.
func NewTextItem(role, text string, now time.Time) ConversationItem {
	partType := "input_text"
	if role == RoleAssistant {
		partType = "text"
	}
	return ConversationItem{
		ID:        NewID("item"),
		Object:    "realtime.item",
		Type:      ItemMessage,
		Status:    "completed",
		Role:      role,
		Content:   []ContentPart{{Type: partType, Text: text}},
		CreatedAt: now.UTC(),
	}
}
