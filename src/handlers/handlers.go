// Package handlers implements the per-connection domain handlers the router
// dispatches to: session configuration, input audio, conversation items and
// response generation.
package handlers

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/orchestra-mcp/realtime/src/backend"
	"github.com/orchestra-mcp/realtime/src/metrics"
	"github.com/orchestra-mcp/realtime/src/router"
	"github.com/orchestra-mcp/realtime/src/state"
	"github.com/orchestra-mcp/realtime/src/store"
	"github.com/orchestra-mcp/realtime/src/types"
)

// DefaultHistoryLimit is how many conversation items are sent as prompt history.
const DefaultHistoryLimit = 50

// Sessions applies session updates through the synchronizer.
type Sessions interface {
	Update(ctx context.Context, id string, u types.SessionUpdate) (types.Session, error)
}

// TokenMeter charges usage against a session's counters.
type TokenMeter interface {
	Consume(ctx context.Context, id, name string, n int) ([]types.RateLimitCounter, error)
}

// Config holds handler limits and defaults.
type Config struct {
	SessionTTL          time.Duration
	MaxAudioBufferBytes int
	HistoryLimit        int
	ResponseTimeout     time.Duration
	CleanupTimeout      time.Duration
	STTModel            string
	TTSModel            string
}

// Deps are the collaborators shared by the handlers of one connection.
type Deps struct {
	Sessions      Sessions
	Conversations store.ConversationStore
	Tokens        TokenMeter
	Completion    backend.CompletionBackend
	Audio         backend.AudioBackend
	Sender        types.Sender
	Metrics       *metrics.Metrics
	Config        Config
	Logger        zerolog.Logger
	Now           func() time.Time
}

// New builds the handler set for one connection.
func New(d Deps) router.Handlers {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Config.HistoryLimit <= 0 {
		d.Config.HistoryLimit = DefaultHistoryLimit
	}
	if d.Config.ResponseTimeout <= 0 {
		d.Config.ResponseTimeout = time.Minute
	}
	if d.Config.CleanupTimeout <= 0 {
		d.Config.CleanupTimeout = 5 * time.Second
	}
	if d.Completion == nil {
		d.Completion = backend.Unavailable{}
	}
	if d.Audio == nil {
		d.Audio = backend.Unavailable{}
	}

	return router.Handlers{
		Session:      &SessionHandler{base: newBase(d, "session-handler"), sessions: d.Sessions, ttl: d.Config.SessionTTL},
		Audio:        newAudioHandler(d),
		Conversation: &ConversationHandler{base: newBase(d, "conversation-handler"), items: d.Conversations},
		Response:     newResponseHandler(d),
	}
}

// base carries the outbound path shared by every handler.
type base struct {
	sender  types.Sender
	metrics *metrics.Metrics
	now     func() time.Time
	logger  zerolog.Logger
}

func newBase(d Deps, component string) base {
	return base{
		sender:  d.Sender,
		metrics: d.Metrics,
		now:     d.Now,
		logger:  d.Logger.With().Str("component", component).Logger(),
	}
}

// emit sends a server event. Delivery is best-effort: a failed send is logged
// and the handler carries on.
func (b base) emit(ctx context.Context, typ types.MessageType, data any) {
	b.send(ctx, types.NewServerEvent(typ, data, b.now()))
}

func (b base) send(ctx context.Context, frame any) {
	if err := b.sender.Send(ctx, frame); err != nil {
		b.logger.Warn().Err(err).Msg("failed to send event")
	}
}

// reportError logs err once and sends one error frame for eventID. It is
// used on paths that outlive the router call.
func (b base) reportError(ctx context.Context, eventID string, err error) {
	wsErr := types.AsWebSocketError(err)
	b.logger.Error().Err(err).Int("code", int(wsErr.Code)).Str("event_id", eventID).Msg("handler failed")
	b.metrics.Error(wsErr.Code.String())
	b.send(ctx, wsErr.Frame(eventID, b.now()))
}

// backendError maps a collaborator failure to a wire error.
func backendError(message string, err error) error {
	if errors.Is(err, backend.ErrUnavailable) {
		return types.WrapError(types.CodeBackendFailure, message+": backend not configured", err)
	}
	return types.WrapError(types.CodeBackendFailure, message, err)
}

// storeError maps a store failure to a wire error.
func storeError(message string, err error) error {
	if errors.Is(err, state.ErrSessionNotFound) {
		return types.WrapError(types.CodeSessionNotFound, "session not found", err)
	}
	return types.WrapError(types.CodeInternal, message, err)
}
