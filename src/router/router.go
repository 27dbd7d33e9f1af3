// Package router validates inbound frames, admits them through the rate
// limiter, enriches them with session context and dispatches each typed
// event to exactly one handler method.
package router

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/orchestra-mcp/realtime/src/metrics"
	"github.com/orchestra-mcp/realtime/src/state"
	"github.com/orchestra-mcp/realtime/src/types"
)

// Request is the enriched context handed to a handler. Handlers need no
// other lookup to serve it.
type Request struct {
	EventID    string
	Type       types.MessageType
	ClientID   string
	SessionID  string
	Session    types.Session
	ReceivedAt time.Time
}

// SessionReader resolves the current session state.
type SessionReader interface {
	Get(ctx context.Context, id string) (types.Session, error)
}

// Admitter decides whether a message for a session may proceed.
type Admitter interface {
	Check(ctx context.Context, id string) ([]types.RateLimitCounter, error)
}

// Router is built once per connection.
type Router struct {
	sessions SessionReader
	limiter  Admitter
	handlers Handlers
	clientID string
	now      func() time.Time
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithClock overrides the clock used to stamp requests.
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// WithMetrics records routed messages on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// New creates a Router for one client connection.
func New(sessions SessionReader, limiter Admitter, handlers Handlers, clientID string, logger zerolog.Logger, opts ...Option) *Router {
	r := &Router{
		sessions: sessions,
		limiter:  limiter,
		handlers: handlers,
		clientID: clientID,
		now:      time.Now,
		logger:   logger.With().Str("component", "router").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Handlers returns the handler set the router dispatches to.
func (r *Router) Handlers() Handlers { return r.handlers }

// Route processes one inbound frame for sessionID. The returned error is
// a *types.WebSocketError for protocol and admission faults; fatal ones
// terminate the connection.
func (r *Router) Route(ctx context.Context, sessionID string, raw types.RawEvent) (err error) {
	start := r.now()
	typ, ok := raw.Type()
	defer func() {
		status := "ok"
		if err != nil {
			status = "error"
		}
		label := typ
		if !types.IsClientType(types.MessageType(typ)) {
			label = "unknown"
		}
		r.metrics.Message(label, status, r.now().Sub(start))
	}()

	if !ok {
		return types.NewError(types.CodeMissingType, "message type is required")
	}
	if sessionID == "" {
		return types.NewError(types.CodeNoActiveSession, "no active session").AsFatal()
	}

	if _, err := r.limiter.Check(ctx, sessionID); err != nil {
		return err
	}

	ev, err := types.DecodeClientEvent(raw)
	if err != nil {
		return err
	}

	req, err := r.enrich(ctx, sessionID, ev, start)
	if err != nil {
		return err
	}

	r.logger.Debug().
		Str("client_id", r.clientID).
		Str("session_id", sessionID).
		Str("type", typ).
		Str("event_id", req.EventID).
		Msg("dispatching event")

	return r.dispatch(ctx, req, ev)
}

func (r *Router) enrich(ctx context.Context, sessionID string, ev types.ClientEvent, at time.Time) (Request, error) {
	sess, err := r.sessions.Get(ctx, sessionID)
	if errors.Is(err, state.ErrSessionNotFound) {
		return Request{}, types.Errorf(types.CodeSessionNotFound, "session %s not found", sessionID)
	}
	if err != nil {
		return Request{}, types.WrapError(types.CodeInternal, "failed to load session", err)
	}
	if sess.Status != types.SessionActive {
		return Request{}, types.Errorf(types.CodeSessionInactive, "session %s is %s", sessionID, sess.Status)
	}
	return Request{
		EventID:    ev.ID(),
		Type:       ev.EventType(),
		ClientID:   r.clientID,
		SessionID:  sessionID,
		Session:    sess,
		ReceivedAt: at,
	}, nil
}

func (r *Router) dispatch(ctx context.Context, req Request, ev types.ClientEvent) error {
	h := r.handlers
	switch e := ev.(type) {
	case types.SessionUpdateEvent:
		return h.Session.UpdateSession(ctx, req, e)
	case types.InputAudioAppendEvent:
		return h.Audio.AppendAudio(ctx, req, e)
	case types.InputAudioCommitEvent:
		return h.Audio.CommitAudio(ctx, req, e)
	case types.InputAudioClearEvent:
		return h.Audio.ClearAudio(ctx, req, e)
	case types.ItemCreateEvent:
		return h.Conversation.CreateItem(ctx, req, e)
	case types.ItemTruncateEvent:
		return h.Conversation.TruncateItem(ctx, req, e)
	case types.ItemDeleteEvent:
		return h.Conversation.DeleteItem(ctx, req, e)
	case types.ResponseCreateEvent:
		return h.Response.CreateResponse(ctx, req, e)
	case types.ResponseCancelEvent:
		return h.Response.CancelResponse(ctx, req, e)
	}
	return types.Errorf(types.CodeUnknownType, "unknown event type: %s", ev.EventType())
}
