package router

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/orchestra-mcp/realtime/src/types"
)

// Cleaner releases per-connection handler resources. Cleanup must tolerate
// repeated calls.
type Cleaner interface {
	Cleanup(ctx context.Context) error
}

type SessionHandler interface {
	Cleaner
	UpdateSession(ctx context.Context, req Request, ev types.SessionUpdateEvent) error
}

type AudioHandler interface {
	Cleaner
	AppendAudio(ctx context.Context, req Request, ev types.InputAudioAppendEvent) error
	CommitAudio(ctx context.Context, req Request, ev types.InputAudioCommitEvent) error
	ClearAudio(ctx context.Context, req Request, ev types.InputAudioClearEvent) error
}

type ConversationHandler interface {
	Cleaner
	CreateItem(ctx context.Context, req Request, ev types.ItemCreateEvent) error
	TruncateItem(ctx context.Context, req Request, ev types.ItemTruncateEvent) error
	DeleteItem(ctx context.Context, req Request, ev types.ItemDeleteEvent) error
}

type ResponseHandler interface {
	Cleaner
	CreateResponse(ctx context.Context, req Request, ev types.ResponseCreateEvent) error
	CancelResponse(ctx context.Context, req Request, ev types.ResponseCancelEvent) error
}

// Handlers is the static type-to-handler mapping of one connection.
type Handlers struct {
	Session      SessionHandler
	Audio        AudioHandler
	Conversation ConversationHandler
	Response     ResponseHandler
}

// Validate reports a missing handler.
func (h Handlers) Validate() error {
	switch {
	case h.Session == nil:
		return errors.New("session handler is required")
	case h.Audio == nil:
		return errors.New("audio handler is required")
	case h.Conversation == nil:
		return errors.New("conversation handler is required")
	case h.Response == nil:
		return errors.New("response handler is required")
	}
	return nil
}

// Cleanup runs every handler's cleanup concurrently and joins their errors.
func (h Handlers) Cleanup(ctx context.Context) error {
	named := []struct {
		name string
		c    Cleaner
	}{
		{"session", h.Session},
		{"audio", h.Audio},
		{"conversation", h.Conversation},
		{"response", h.Response},
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, n := range named {
		if n.c == nil {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := n.c.Cleanup(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s handler cleanup: %w", n.name, err))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}
