package types

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"
)

// SessionStatus is the lifecycle status of a persisted session.
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionClosed SessionStatus = "closed"
)

const (
	ModalityText  = "text"
	ModalityAudio = "audio"
)

var (
	validModalities   = []string{ModalityText, ModalityAudio}
	validAudioFormats = []string{"pcm16", "g711_ulaw", "g711_alaw"}
	validToolChoices  = []string{"auto", "none", "required"}
)

// MaxOutputTokens is the hard upper bound accepted for max_response_output_tokens.
const MaxOutputTokens = 4096

// MaxTokens is a token limit encoded on the wire as an integer or "inf".
// The zero value means unlimited.
type MaxTokens int

func (m MaxTokens) MarshalJSON() ([]byte, error) {
	if m <= 0 {
		return []byte(`"inf"`), nil
	}
	return json.Marshal(int(m))
}

func (m *MaxTokens) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if s != "inf" {
			return fmt.Errorf("max tokens: unexpected string %q", s)
		}
		*m = 0
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("max tokens: %w", err)
	}
	if n <= 0 {
		return fmt.Errorf("max tokens: must be positive, got %d", n)
	}
	*m = MaxTokens(n)
	return nil
}

// Limit returns the numeric limit, or 0 when unlimited.
func (m MaxTokens) Limit() int {
	if m <= 0 {
		return 0
	}
	return int(m)
}

type TranscriptionConfig struct {
	Model    string `json:"model"`
	Language string `json:"language,omitempty"`
}

type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMS   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMS int     `json:"silence_duration_ms,omitempty"`
}

// Tool is a function the model may call.
type Tool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Session is one logical conversation configuration.
type Session struct {
	ID                      string               `json:"id"`
	Object                  string               `json:"object"`
	ClientID                string               `json:"client_id,omitempty"`
	Status                  SessionStatus        `json:"status"`
	Model                   string               `json:"model"`
	Modalities              []string             `json:"modalities"`
	Instructions            string               `json:"instructions"`
	Voice                   string               `json:"voice"`
	InputAudioFormat        string               `json:"input_audio_format"`
	OutputAudioFormat       string               `json:"output_audio_format"`
	InputAudioTranscription *TranscriptionConfig `json:"input_audio_transcription"`
	TurnDetection           *TurnDetection       `json:"turn_detection"`
	Tools                   []Tool               `json:"tools"`
	ToolChoice              string               `json:"tool_choice"`
	Temperature             float64              `json:"temperature"`
	MaxResponseOutputTokens MaxTokens            `json:"max_response_output_tokens"`
	Metadata                map[string]string    `json:"metadata,omitempty"`
	CreatedAt               time.Time            `json:"created_at"`
	UpdatedAt               time.Time            `json:"updated_at"`
	LastActivityAt          time.Time            `json:"last_activity_at"`
}

// HasModality reports whether m is enabled for the session.
func (s Session) HasModality(m string) bool {
	return slices.Contains(s.Modalities, m)
}

// Clone returns a deep copy of s.
func (s Session) Clone() Session {
	cp := s
	cp.Modalities = slices.Clone(s.Modalities)
	cp.Tools = slices.Clone(s.Tools)
	if s.InputAudioTranscription != nil {
		t := *s.InputAudioTranscription
		cp.InputAudioTranscription = &t
	}
	if s.TurnDetection != nil {
		t := *s.TurnDetection
		cp.TurnDetection = &t
	}
	if s.Metadata != nil {
		cp.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			cp.Metadata[k] = v
		}
	}
	return cp
}

// SessionDefaults seeds new sessions.
type SessionDefaults struct {
	Model        string
	Voice        string
	Instructions string
	Temperature  float64
	Modalities   []string
}

// NewSession builds a fresh active session for clientID.
func NewSession(d SessionDefaults, clientID string, metadata map[string]string, now time.Time) Session {
	modalities := slices.Clone(d.Modalities)
	if len(modalities) == 0 {
		modalities = []string{ModalityText}
	}
	now = now.UTC()
	return Session{
		ID:                NewID("sess"),
		Object:            "realtime.session",
		ClientID:          clientID,
		Status:            SessionActive,
		Model:             d.Model,
		Modalities:        modalities,
		Instructions:      d.Instructions,
		Voice:             d.Voice,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		Tools:             []Tool{},
		ToolChoice:        "auto",
		Temperature:       d.Temperature,
		Metadata:          metadata,
		CreatedAt:         now,
		UpdatedAt:         now,
		LastActivityAt:    now,
	}
}

// SessionUpdate is a partial session. Nil fields are left unchanged.
type SessionUpdate struct {
	Model                   *string              `json:"model,omitempty"`
	Modalities              []string             `json:"modalities,omitempty"`
	Instructions            *string              `json:"instructions,omitempty"`
	Voice                   *string              `json:"voice,omitempty"`
	InputAudioFormat        *string              `json:"input_audio_format,omitempty"`
	OutputAudioFormat       *string              `json:"output_audio_format,omitempty"`
	InputAudioTranscription *TranscriptionConfig `json:"input_audio_transcription,omitempty"`
	TurnDetection           *TurnDetection       `json:"turn_detection,omitempty"`
	Tools                   []Tool               `json:"tools,omitempty"`
	ToolChoice              *string              `json:"tool_choice,omitempty"`
	Temperature             *float64             `json:"temperature,omitempty"`
	MaxResponseOutputTokens *MaxTokens           `json:"max_response_output_tokens,omitempty"`
	Status                  *SessionStatus       `json:"-"`
	LastActivityAt          *time.Time           `json:"-"`
}

// Validate checks field ranges. It does not require any field to be set.
func (u SessionUpdate) Validate() error {
	if u.Temperature != nil && (*u.Temperature < 0 || *u.Temperature > 2) {
		return Errorf(CodeInvalidEvent, "temperature must be between 0 and 2, got %g", *u.Temperature).
			WithData("param", "session.temperature")
	}
	for _, m := range u.Modalities {
		if !slices.Contains(validModalities, m) {
			return Errorf(CodeInvalidEvent, "unsupported modality %q", m).WithData("param", "session.modalities")
		}
	}
	if u.Modalities != nil && len(u.Modalities) == 0 {
		return NewError(CodeInvalidEvent, "modalities must not be empty").WithData("param", "session.modalities")
	}
	for name, f := range map[string]*string{
		"session.input_audio_format":  u.InputAudioFormat,
		"session.output_audio_format": u.OutputAudioFormat,
	} {
		if f != nil && !slices.Contains(validAudioFormats, *f) {
			return Errorf(CodeInvalidEvent, "unsupported audio format %q", *f).WithData("param", name)
		}
	}
	if u.ToolChoice != nil && !slices.Contains(validToolChoices, *u.ToolChoice) {
		return Errorf(CodeInvalidEvent, "unsupported tool_choice %q", *u.ToolChoice).WithData("param", "session.tool_choice")
	}
	if u.MaxResponseOutputTokens != nil && u.MaxResponseOutputTokens.Limit() > MaxOutputTokens {
		return Errorf(CodeInvalidEvent, "max_response_output_tokens must be at most %d", MaxOutputTokens).
			WithData("param", "session.max_response_output_tokens")
	}
	for i, t := range u.Tools {
		if strings.TrimSpace(t.Name) == "" {
			return Errorf(CodeInvalidEvent, "tools[%d].name is required", i).WithData("param", "session.tools")
		}
	}
	return nil
}

// Apply returns a copy of s with u merged in.
func (u SessionUpdate) Apply(s Session, now time.Time) Session {
	out := s.Clone()
	if u.Model != nil {
		out.Model = *u.Model
	}
	if u.Modalities != nil {
		out.Modalities = slices.Clone(u.Modalities)
	}
	if u.Instructions != nil {
		out.Instructions = *u.Instructions
	}
	if u.Voice != nil {
		out.Voice = *u.Voice
	}
	if u.InputAudioFormat != nil {
		out.InputAudioFormat = *u.InputAudioFormat
	}
	if u.OutputAudioFormat != nil {
		out.OutputAudioFormat = *u.OutputAudioFormat
	}
	if u.InputAudioTranscription != nil {
		t := *u.InputAudioTranscription
		out.InputAudioTranscription = &t
	}
	if u.TurnDetection != nil {
		t := *u.TurnDetection
		out.TurnDetection = &t
	}
	if u.Tools != nil {
		out.Tools = slices.Clone(u.Tools)
	}
	if u.ToolChoice != nil {
		out.ToolChoice = *u.ToolChoice
	}
	if u.Temperature != nil {
		out.Temperature = *u.Temperature
	}
	if u.MaxResponseOutputTokens != nil {
		out.MaxResponseOutputTokens = *u.MaxResponseOutputTokens
	}
	if u.Status != nil {
		out.Status = *u.Status
	}
	if u.LastActivityAt != nil {
		out.LastActivityAt = u.LastActivityAt.UTC()
	} else {
		out.UpdatedAt = now.UTC()
	}
	return out
}

// IsEmpty reports whether u changes nothing.
func (u SessionUpdate) IsEmpty() bool {
	return u.Model == nil && u.Modalities == nil && u.Instructions == nil && u.Voice == nil &&
		u.InputAudioFormat == nil && u.OutputAudioFormat == nil && u.InputAudioTranscription == nil &&
		u.TurnDetection == nil && u.Tools == nil && u.ToolChoice == nil && u.Temperature == nil &&
		u.MaxResponseOutputTokens == nil && u.Status == nil && u.LastActivityAt == nil
}

// SessionSnapshot is the session as exposed on session.created and session.updated.
type SessionSnapshot struct {
	Session
	ExpiresAt int64 `json:"expires_at"`
}

// Snapshot exposes s with an expiry of now+ttl.
func Snapshot(s Session, now time.Time, ttl time.Duration) SessionSnapshot {
	return SessionSnapshot{Session: s.Clone(), ExpiresAt: now.Add(ttl).Unix()}
}

// ResponseOptions overrides session settings for one response.
type ResponseOptions struct {
	Modalities      []string   `json:"modalities,omitempty"`
	Instructions    string     `json:"instructions,omitempty"`
	Voice           string     `json:"voice,omitempty"`
	Temperature     *float64   `json:"temperature,omitempty"`
	MaxOutputTokens *MaxTokens `json:"max_output_tokens,omitempty"`
}

func (o ResponseOptions) Validate() error {
	if o.Temperature != nil && (*o.Temperature < 0 || *o.Temperature > 2) {
		return Errorf(CodeInvalidEvent, "temperature must be between 0 and 2, got %g", *o.Temperature).
			WithData("param", "response.temperature")
	}
	for _, m := range o.Modalities {
		if !slices.Contains(validModalities, m) {
			return Errorf(CodeInvalidEvent, "unsupported modality %q", m).WithData("param", "response.modalities")
		}
	}
	if o.MaxOutputTokens != nil && o.MaxOutputTokens.Limit() > MaxOutputTokens {
		return Errorf(CodeInvalidEvent, "max_output_tokens must be at most %d", MaxOutputTokens).
			WithData("param", "response.max_output_tokens")
	}
	return nil
}
