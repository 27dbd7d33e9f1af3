package handlers

import (
	"context"
	"encoding/base64"
	"strings"
	"sync"

	"github.com/orchestra-mcp/realtime/src/backend"
	"github.com/orchestra-mcp/realtime/src/router"
	"github.com/orchestra-mcp/realtime/src/store"
	"github.com/orchestra-mcp/realtime/src/types"
)

// AudioHandler buffers input audio for the connection and transcribes it on commit.
type AudioHandler struct {
	base
	audio    backend.AudioBackend
	items    store.ConversationStore
	maxBytes int
	sttModel string

	mu     sync.Mutex
	buffer []byte
}

func newAudioHandler(d Deps) *AudioHandler {
	return &AudioHandler{
		base:     newBase(d, "audio-handler"),
		audio:    d.Audio,
		items:    d.Conversations,
		maxBytes: d.Config.MaxAudioBufferBytes,
		sttModel: d.Config.STTModel,
	}
}

func (h *AudioHandler) AppendAudio(_ context.Context, _ router.Request, ev types.InputAudioAppendEvent) error {
	chunk, err := base64.StdEncoding.DecodeString(ev.Audio)
	if err != nil {
		return types.WrapError(types.CodeInvalidEvent, "audio must be base64 encoded", err).WithData("param", "audio")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.maxBytes > 0 && len(h.buffer)+len(chunk) > h.maxBytes {
		return types.Errorf(types.CodeInvalidEvent, "audio buffer would exceed %d bytes", h.maxBytes).
			WithData("param", "audio")
	}
	h.buffer = append(h.buffer, chunk...)
	return nil
}

// CommitAudio transcribes the buffered audio into a user item. The buffer is
// emptied whether or not transcription succeeds.
func (h *AudioHandler) CommitAudio(ctx context.Context, req router.Request, _ types.InputAudioCommitEvent) error {
	audio := h.take()
	if len(audio) == 0 {
		return types.NewError(types.CodeInvalidEvent, "input audio buffer is empty")
	}

	opts := backend.TranscribeOptions{
		Model:  h.sttModel,
		Format: req.Session.InputAudioFormat,
	}
	if t := req.Session.InputAudioTranscription; t != nil {
		if t.Model != "" {
			opts.Model = t.Model
		}
		opts.Language = t.Language
	}

	var segments []string
	for seg, err := range h.audio.Transcribe(ctx, audio, opts) {
		if err != nil {
			return backendError("transcription failed", err)
		}
		segments = append(segments, seg)
	}
	transcript := strings.Join(segments, " ")

	item := types.ConversationItem{
		ID:        types.NewID("item"),
		Object:    "realtime.item",
		Type:      types.ItemMessage,
		Status:    "completed",
		Role:      types.RoleUser,
		Content:   []types.ContentPart{{Type: "input_audio", Transcript: transcript}},
		CreatedAt: h.now().UTC(),
	}
	if err := h.items.Append(ctx, req.SessionID, item); err != nil {
		return storeError("failed to store transcribed item", err)
	}

	h.emit(ctx, types.TypeInputAudioCommitted, audioCommitted{ItemID: item.ID, Bytes: len(audio)})
	h.emit(ctx, types.TypeAudioTranscribed, audioTranscribed{ItemID: item.ID, Transcript: transcript, Segments: segments})
	return nil
}

func (h *AudioHandler) ClearAudio(ctx context.Context, _ router.Request, _ types.InputAudioClearEvent) error {
	h.take()
	h.emit(ctx, types.TypeInputAudioCleared, struct{}{})
	return nil
}

func (h *AudioHandler) Cleanup(context.Context) error {
	h.take()
	return nil
}

// Buffered reports the number of bytes waiting for commit.
func (h *AudioHandler) Buffered() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.buffer)
}

func (h *AudioHandler) take() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	b := h.buffer
	h.buffer = nil
	return b
}
