package types

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestParseRawEvent(t *testing.T) {
	raw, err := ParseRawEvent([]byte(`{"type":"response.create","event_id":"evt_1"}`))
	require.NoError(t, err)

	typ, ok := raw.Type()
	assert.True(t, ok)
	assert.Equal(t, "response.create", typ)
	assert.Equal(t, "evt_1", raw.EventID())

	for _, in := range []string{`[1,2]`, `"str"`, `null`, ``, `{bad`} {
		_, err := ParseRawEvent([]byte(in))
		var wsErr *WebSocketError
		require.ErrorAs(t, err, &wsErr, in)
		assert.Equal(t, CodeMalformedMessage, wsErr.Code, in)
	}
}

func TestRawEventMissingType(t *testing.T) {
	for _, in := range []string{`{}`, `{"type":""}`, `{"type":42}`, `{"type":"  "}`} {
		raw, err := ParseRawEvent([]byte(in))
		require.NoError(t, err)
		_, ok := raw.Type()
		assert.False(t, ok, in)
	}
}

func TestDecodeClientEvent(t *testing.T) {
	raw, err := ParseRawEvent([]byte(`{"type":"session.update","event_id":"e1","session":{"temperature":0.3}}`))
	require.NoError(t, err)

	ev, err := DecodeClientEvent(raw)
	require.NoError(t, err)
	upd, ok := ev.(SessionUpdateEvent)
	require.True(t, ok)
	assert.Equal(t, TypeSessionUpdate, upd.EventType())
	assert.Equal(t, "e1", upd.ID())
	require.NotNil(t, upd.Session.Temperature)
	assert.InDelta(t, 0.3, *upd.Session.Temperature, 1e-9)
	assert.Nil(t, upd.Session.Model)
}

func TestDecodeClientEventErrors(t *testing.T) {
	cases := []struct {
		in   string
		code Code
	}{
		{`{"type":"unknown.event"}`, CodeUnknownType},
		{`{"type":"session.update"}`, CodeInvalidEvent},
		{`{"type":"session.update","session":{"temperature":5}}`, CodeInvalidEvent},
		{`{"type":"session.update","session":{"modalities":["video"]}}`, CodeInvalidEvent},
		{`{"type":"input_audio_buffer.append","audio":""}`, CodeInvalidEvent},
		{`{"type":"conversation.item.truncate"}`, CodeInvalidEvent},
		{`{"type":"conversation.item.delete"}`, CodeInvalidEvent},
		{`{"type":"conversation.item.create","item":{"type":"message","role":"robot","content":[{"type":"input_text","text":"hi"}]}}`, CodeInvalidEvent},
		{`{"type":"conversation.item.create","item":{"type":"message","role":"user"}}`, CodeInvalidEvent},
		{`{"type":"response.create","response":{"temperature":-1}}`, CodeInvalidEvent},
		{`{"type":"session.update","session":"nope"}`, CodeInvalidEvent},
	}
	for _, tc := range cases {
		raw, err := ParseRawEvent([]byte(tc.in))
		require.NoError(t, err, tc.in)
		_, err = DecodeClientEvent(raw)
		var wsErr *WebSocketError
		require.ErrorAs(t, err, &wsErr, tc.in)
		assert.Equal(t, tc.code, wsErr.Code, tc.in)
	}
}

func TestSessionUpdateApplyKeepsOtherFields(t *testing.T) {
	s := NewSession(SessionDefaults{Model: "gemini-2.0-flash", Voice: "alloy", Temperature: 0.8}, "client_1", nil, testNow)
	s.Instructions = "be brief"

	temp := 0.3
	later := testNow.Add(time.Minute)
	out := SessionUpdate{Temperature: &temp}.Apply(s, later)

	assert.InDelta(t, 0.3, out.Temperature, 1e-9)
	assert.Equal(t, later, out.UpdatedAt)

	out.Temperature = s.Temperature
	out.UpdatedAt = s.UpdatedAt
	assert.Equal(t, s, out)
}

func TestSessionUpdateApplyDoesNotAlias(t *testing.T) {
	s := NewSession(SessionDefaults{Modalities: []string{ModalityText}}, "c", nil, testNow)
	out := SessionUpdate{Modalities: []string{ModalityText, ModalityAudio}}.Apply(s, testNow)

	out.Modalities[0] = "changed"
	assert.Equal(t, []string{ModalityText}, s.Modalities)
	assert.True(t, out.HasModality(ModalityAudio))
}

func TestSnapshotJSON(t *testing.T) {
	s := NewSession(SessionDefaults{Model: "m", Voice: "v", Temperature: 0.8}, "c", nil, testNow)
	snap := Snapshot(s, testNow, time.Hour)

	data, err := json.Marshal(snap)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, s.ID, out["id"])
	assert.Equal(t, "m", out["model"])
	assert.Equal(t, "inf", out["max_response_output_tokens"])
	assert.EqualValues(t, testNow.Add(time.Hour).Unix(), out["expires_at"])
}

func TestMaxTokensJSON(t *testing.T) {
	var m MaxTokens
	require.NoError(t, json.Unmarshal([]byte(`"inf"`), &m))
	assert.Equal(t, 0, m.Limit())

	require.NoError(t, json.Unmarshal([]byte(`256`), &m))
	assert.Equal(t, 256, m.Limit())

	assert.Error(t, json.Unmarshal([]byte(`"lots"`), &m))
	assert.Error(t, json.Unmarshal([]byte(`-3`), &m))

	data, err := json.Marshal(MaxTokens(256))
	require.NoError(t, err)
	assert.Equal(t, `256`, string(data))
}

func TestRateLimitCounter(t *testing.T) {
	c := NewCounter(LimitRequests, 10, time.Minute, testNow)
	assert.False(t, c.Expired(testNow.Add(59*time.Second)))
	assert.True(t, c.Expired(testNow.Add(time.Minute)))

	d := c.Decrement(3, testNow.Add(20*time.Second))
	assert.Equal(t, 7, d.Remaining)
	assert.Equal(t, c.Deadline(), d.Deadline())
	assert.InDelta(t, 40, d.ResetIn(testNow.Add(20*time.Second)), 1e-9)

	d = d.Decrement(50, testNow.Add(30*time.Second))
	assert.Equal(t, 0, d.Remaining)

	r := d.Reset(testNow.Add(2 * time.Minute))
	assert.Equal(t, 10, r.Remaining)
	assert.Equal(t, testNow.Add(3*time.Minute), r.Deadline())
	assert.Zero(t, r.ResetIn(testNow.Add(5*time.Minute)))
}

func TestWebSocketError(t *testing.T) {
	base := NewError(CodeRateLimitExceeded, "rate limit exceeded")
	withData := base.WithData("reset_in", 12.0)
	assert.Nil(t, base.Data)
	assert.Equal(t, 12.0, withData.Data["reset_in"])
	assert.False(t, withData.Fatal)
	assert.True(t, withData.AsFatal().Fatal)

	frame := withData.Frame("evt_9", testNow)
	assert.Equal(t, TypeError, frame.Type)
	assert.Equal(t, "evt_9", frame.EventID)
	assert.Equal(t, CodeRateLimitExceeded, frame.Code)

	cause := errors.New("boom")
	internal := AsWebSocketError(cause)
	assert.Equal(t, CodeInternal, internal.Code)
	assert.ErrorIs(t, internal, cause)
	assert.Same(t, base, AsWebSocketError(base))
}

func TestConversationItemText(t *testing.T) {
	it := NewTextItem(RoleAssistant, "hello", testNow)
	require.NoError(t, it.Validate())
	assert.Equal(t, "hello", it.Text())
	assert.Equal(t, "text", it.Content[0].Type)

	call := ConversationItem{Type: ItemFunctionCall, Name: "lookup", CallID: "c1", Arguments: `{"q":1}`}
	require.NoError(t, call.Validate())
	assert.Equal(t, `{"q":1}`, call.Text())

	assert.Error(t, ConversationItem{Type: "bogus"}.Validate())
}
