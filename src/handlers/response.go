package handlers

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/orchestra-mcp/realtime/src/backend"
	"github.com/orchestra-mcp/realtime/src/router"
	"github.com/orchestra-mcp/realtime/src/store"
	"github.com/orchestra-mcp/realtime/src/types"
)

// ResponseHandler runs at most one generation per connection. Generation
// runs on its own goroutine so response.cancel can reach it.
type ResponseHandler struct {
	base
	completion backend.CompletionBackend
	audio      backend.AudioBackend
	items      store.ConversationStore
	tokens     TokenMeter
	cfg        Config

	mu     sync.Mutex
	active *inflight
	wg     sync.WaitGroup
}

type inflight struct {
	id        string
	cancel    context.CancelFunc
	cancelled bool
}

func newResponseHandler(d Deps) *ResponseHandler {
	return &ResponseHandler{
		base:       newBase(d, "response-handler"),
		completion: d.Completion,
		audio:      d.Audio,
		items:      d.Conversations,
		tokens:     d.Tokens,
		cfg:        d.Config,
	}
}

// CreateResponse starts generation and returns once response.created is sent.
func (h *ResponseHandler) CreateResponse(ctx context.Context, req router.Request, ev types.ResponseCreateEvent) error {
	h.mu.Lock()
	if h.active != nil {
		id := h.active.id
		h.mu.Unlock()
		return types.NewError(types.CodeConflict, "a response is already in progress").WithData("response_id", id)
	}
	// Detached from the connection; bounded by the response timeout.
	genCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.cfg.ResponseTimeout)
	run := &inflight{id: types.NewID("resp"), cancel: cancel}
	h.active = run
	h.wg.Add(1)
	h.mu.Unlock()

	h.emit(ctx, types.TypeResponseCreated, responseEnvelope{Response: responseInfo{
		ID: run.id, Object: "realtime.response", Status: "in_progress",
	}})

	go func() {
		defer h.wg.Done()
		defer h.finish(run)
		h.generate(genCtx, run, req, ev.Response)
	}()
	return nil
}

// CancelResponse stops the in-flight response. The generating goroutine
// reports response.cancelled.
func (h *ResponseHandler) CancelResponse(_ context.Context, _ router.Request, ev types.ResponseCancelEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.active == nil {
		return types.NewError(types.CodeConflict, "no response in progress")
	}
	if ev.ResponseID != "" && ev.ResponseID != h.active.id {
		return types.Errorf(types.CodeConflict, "response %s is not in progress", ev.ResponseID).
			WithData("response_id", h.active.id)
	}
	h.active.cancelled = true
	h.active.cancel()
	return nil
}

// Cleanup waits up to the cleanup timeout for an in-flight response, then
// cancels it.
func (h *ResponseHandler) Cleanup(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(h.cfg.CleanupTimeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	h.mu.Lock()
	run := h.active
	if run != nil {
		run.cancel()
	}
	h.mu.Unlock()
	<-done
	if run == nil {
		return nil
	}
	return fmt.Errorf("response %s cancelled during cleanup", run.id)
}

// InFlight returns the id of the running response, if any.
func (h *ResponseHandler) InFlight() (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.active == nil {
		return "", false
	}
	return h.active.id, true
}

func (h *ResponseHandler) finish(run *inflight) {
	run.cancel()
	h.mu.Lock()
	if h.active == run {
		h.active = nil
	}
	h.mu.Unlock()
}

func (h *ResponseHandler) wasCancelled(run *inflight) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return run.cancelled
}

func (h *ResponseHandler) generate(ctx context.Context, run *inflight, req router.Request, o types.ResponseOptions) {
	// Frames are still delivered after cancellation.
	sendCtx := context.WithoutCancel(ctx)
	logger := h.logger.With().Str("session_id", req.SessionID).Str("response_id", run.id).Logger()

	history, err := h.items.List(ctx, req.SessionID, h.cfg.HistoryLimit)
	if err != nil {
		h.reportError(sendCtx, req.EventID, storeError("failed to load conversation", err))
		return
	}

	opts := generateOptions(req.Session, o)
	var (
		text   strings.Builder
		output []types.ConversationItem
		usage  *backend.Usage
	)
	messageID := types.NewID("item")

	for chunk, err := range h.completion.Generate(ctx, backend.HistoryMessages(history), opts) {
		if err != nil {
			if h.wasCancelled(run) {
				h.emit(sendCtx, types.TypeResponseCancelled, responseEnvelope{Response: responseInfo{
					ID: run.id, Object: "realtime.response", Status: "cancelled",
				}})
				logger.Info().Msg("response cancelled")
				return
			}
			if errors.Is(err, context.DeadlineExceeded) {
				err = fmt.Errorf("response timed out after %s: %w", h.cfg.ResponseTimeout, err)
			}
			h.reportError(sendCtx, req.EventID, backendError("completion failed", err))
			return
		}
		switch {
		case chunk.Text != "":
			text.WriteString(chunk.Text)
			h.emit(sendCtx, types.TypeResponseContentPartAdded, contentPartAdded{
				ResponseID: run.id,
				ItemID:     messageID,
				Part:       types.ContentPart{Type: "text", Text: chunk.Text},
			})
		case chunk.FunctionCall != nil:
			fc := chunk.FunctionCall
			item := types.ConversationItem{
				ID:        types.NewID("item"),
				Object:    "realtime.item",
				Type:      types.ItemFunctionCall,
				Status:    "completed",
				CallID:    fc.CallID,
				Name:      fc.Name,
				Arguments: fc.Arguments,
				CreatedAt: h.now().UTC(),
			}
			if err := h.items.Append(sendCtx, req.SessionID, item); err != nil {
				logger.Warn().Err(err).Msg("failed to store function call")
			}
			output = append(output, item)
			h.emit(sendCtx, types.TypeResponseFunctionCallArgs, functionCallDone{
				ResponseID: run.id,
				ItemID:     item.ID,
				CallID:     fc.CallID,
				Name:       fc.Name,
				Arguments:  fc.Arguments,
			})
		case chunk.Usage != nil:
			usage = chunk.Usage
		}
	}
	if h.wasCancelled(run) {
		h.emit(sendCtx, types.TypeResponseCancelled, responseEnvelope{Response: responseInfo{
			ID: run.id, Object: "realtime.response", Status: "cancelled",
		}})
		return
	}

	if text.Len() > 0 {
		item := types.NewTextItem(types.RoleAssistant, text.String(), h.now())
		item.ID = messageID
		if err := h.items.Append(sendCtx, req.SessionID, item); err != nil {
			h.reportError(sendCtx, req.EventID, storeError("failed to store response", err))
			return
		}
		output = append([]types.ConversationItem{item}, output...)

		if wantsAudio(req.Session, o) {
			h.speak(ctx, sendCtx, run, req, item, o)
		}
	}

	var usageOut *responseUsage
	if usage != nil {
		usageOut = &responseUsage{InputTokens: usage.InputTokens, OutputTokens: usage.OutputTokens, TotalTokens: usage.TotalTokens}
		h.metrics.Tokens(usage.TotalTokens)
		counters, err := h.tokens.Consume(sendCtx, req.SessionID, types.LimitTokens, usage.TotalTokens)
		if err != nil {
			logger.Warn().Err(err).Msg("failed to record token usage")
		} else {
			h.emit(sendCtx, types.TypeRateLimitsUpdated, rateLimitsUpdated{RateLimits: counters})
		}
	}

	h.emit(sendCtx, types.TypeResponseDone, responseEnvelope{Response: responseInfo{
		ID: run.id, Object: "realtime.response", Status: "completed", Output: output, Usage: usageOut,
	}})
	logger.Debug().Int("output_items", len(output)).Msg("response completed")
}

func (h *ResponseHandler) speak(ctx, sendCtx context.Context, run *inflight, req router.Request, item types.ConversationItem, o types.ResponseOptions) {
	voice := req.Session.Voice
	if o.Voice != "" {
		voice = o.Voice
	}
	speech, err := h.audio.Synthesize(ctx, item.Text(), backend.SpeechOptions{Model: h.cfg.TTSModel, Voice: voice})
	if err != nil {
		h.reportError(sendCtx, req.EventID, backendError("speech synthesis failed", err))
		return
	}
	h.emit(sendCtx, types.TypeSpeechGenerated, speechGenerated{
		ResponseID: run.id,
		ItemID:     item.ID,
		FilePath:   speech.FilePath,
		CacheKey:   speech.CacheKey,
		Cached:     speech.Cached,
	})
}

// generateOptions layers per-response overrides over the session config.
func generateOptions(s types.Session, o types.ResponseOptions) backend.GenerateOptions {
	opts := backend.GenerateOptions{
		Model:           s.Model,
		Instructions:    s.Instructions,
		Temperature:     s.Temperature,
		MaxOutputTokens: s.MaxResponseOutputTokens.Limit(),
		Tools:           s.Tools,
	}
	if o.Instructions != "" {
		opts.Instructions = o.Instructions
	}
	if o.Temperature != nil {
		opts.Temperature = *o.Temperature
	}
	if o.MaxOutputTokens != nil {
		opts.MaxOutputTokens = o.MaxOutputTokens.Limit()
	}
	if s.ToolChoice == "none" {
		opts.Tools = nil
	}
	return opts
}

func wantsAudio(s types.Session, o types.ResponseOptions) bool {
	if len(o.Modalities) > 0 {
		return slices.Contains(o.Modalities, types.ModalityAudio)
	}
	return s.HasModality(types.ModalityAudio)
}
