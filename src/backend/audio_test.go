package backend

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchestra-mcp/realtime/src/types"
)

func collect(t *testing.T, seq func(func(string, error) bool)) ([]string, error) {
	t.Helper()
	var out []string
	for s, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, s)
	}
	return out, nil
}

func TestTranscribeYieldsSegments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/audio/transcriptions", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "whisper-1", r.FormValue("model"))
		assert.Equal(t, "en", r.FormValue("language"))

		f, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		defer f.Close()
		data, _ := io.ReadAll(f)
		assert.Equal(t, "audio.wav", hdr.Filename)
		assert.Equal(t, "RIFF", string(data[:4]))
		assert.Len(t, data, 44+4)

		_ = json.NewEncoder(w).Encode(map[string]any{
			"text":     "hello there world",
			"segments": []map[string]string{{"text": " hello there"}, {"text": " "}, {"text": "world "}},
		})
	}))
	defer srv.Close()

	c := NewAudioClient(WithBaseURL(srv.URL+"/"), WithAPIKey("secret"))
	got, err := collect(t, c.Transcribe(context.Background(), []byte{1, 2, 3, 4}, TranscribeOptions{Language: "en"}))
	require.NoError(t, err)
	assert.Equal(t, []string{"hello there", "world"}, got)
}

func TestTranscribeFallsBackToText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"text":"  only text "}`))
	}))
	defer srv.Close()

	c := NewAudioClient(WithBaseURL(srv.URL))
	got, err := collect(t, c.Transcribe(context.Background(), []byte{0, 0}, TranscribeOptions{}))
	require.NoError(t, err)
	assert.Equal(t, []string{"only text"}, got)
}

func TestTranscribeErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"invalid api key"}}`))
	}))
	defer srv.Close()

	c := NewAudioClient(WithBaseURL(srv.URL))
	_, err := collect(t, c.Transcribe(context.Background(), []byte{0, 0}, TranscribeOptions{}))
	assert.EqualError(t, err, "audio: invalid api key")

	_, err = collect(t, c.Transcribe(context.Background(), nil, TranscribeOptions{}))
	assert.Error(t, err)
}

func TestSynthesizeCachesOnDisk(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/audio/speech", r.URL.Path)
		var req speechRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "tts-1", req.Model)
		assert.Equal(t, "echo", req.Voice)
		assert.Equal(t, "mp3", req.ResponseFormat)
		_, _ = w.Write([]byte("ID3-audio"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	c := NewAudioClient(WithBaseURL(srv.URL), WithCacheDir(filepath.Join(dir, "speech")))

	first, err := c.Synthesize(context.Background(), "hi", SpeechOptions{Voice: "echo"})
	require.NoError(t, err)
	assert.False(t, first.Cached)
	assert.Len(t, first.CacheKey, 64)

	data, err := os.ReadFile(first.FilePath)
	require.NoError(t, err)
	assert.Equal(t, "ID3-audio", string(data))
	_, err = os.Stat(filepath.Join(dir, "speech", first.CacheKey+".json"))
	require.NoError(t, err)

	second, err := c.Synthesize(context.Background(), "hi", SpeechOptions{Voice: "echo"})
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.CacheKey, second.CacheKey)
	assert.Equal(t, int32(1), calls.Load())

	third, err := c.Synthesize(context.Background(), "bye", SpeechOptions{Voice: "echo"})
	require.NoError(t, err)
	assert.NotEqual(t, first.CacheKey, third.CacheKey)
	assert.Equal(t, int32(2), calls.Load())
}

func TestUnavailable(t *testing.T) {
	var u Unavailable
	for _, err := range u.Generate(context.Background(), nil, GenerateOptions{}) {
		assert.ErrorIs(t, err, ErrUnavailable)
	}
	_, err := u.Synthesize(context.Background(), "x", SpeechOptions{})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestHistoryMessages(t *testing.T) {
	items := []types.ConversationItem{
		{Type: types.ItemMessage, Role: types.RoleUser, Content: []types.ContentPart{{Type: "input_text", Text: "hi"}}},
		{Type: types.ItemMessage, Role: types.RoleAssistant},
		{Type: types.ItemFunctionCall, CallID: "call_1", Name: "lookup", Arguments: `{"q":1}`},
		{Type: types.ItemFunctionCallOutput, CallID: "call_1", Output: "42"},
	}
	msgs := HistoryMessages(items)
	require.Len(t, msgs, 3)
	assert.Equal(t, Message{Role: types.RoleUser, Content: "hi"}, msgs[0])
	assert.Equal(t, &FunctionCall{CallID: "call_1", Name: "lookup", Arguments: `{"q":1}`}, msgs[1].FunctionCall)
	assert.Empty(t, msgs[1].Content)
	assert.Equal(t, &FunctionResult{CallID: "call_1", Name: "lookup", Output: "42"}, msgs[2].FunctionResult)
	assert.Empty(t, msgs[2].Content)
}
