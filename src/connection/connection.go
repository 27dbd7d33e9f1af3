// Package connection owns the life of one realtime client connection:
// session bootstrap, the receive loop, heartbeats and exactly-once cleanup.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/orchestra-mcp/realtime/src/metrics"
	"github.com/orchestra-mcp/realtime/src/router"
	"github.com/orchestra-mcp/realtime/src/types"
)

// ErrClosed is returned when sending on a connection that has been cleaned up.
var ErrClosed = errors.New("connection closed")

// SessionService is the synchronizer surface the connection needs.
type SessionService interface {
	router.SessionReader
	Create(ctx context.Context, s types.Session) (types.Session, error)
	Touch(ctx context.Context, id string) error
	Close(ctx context.Context, id string) error
}

// Limiter admits messages and seeds counters for new sessions.
type Limiter interface {
	router.Admitter
	Seed(ctx context.Context, id string) ([]types.RateLimitCounter, error)
}

// HandlerFactory builds the domain handlers of one connection.
type HandlerFactory func(sender types.Sender, clientID string) router.Handlers

// Config holds lifecycle timings.
type Config struct {
	HeartbeatInterval time.Duration
	WriteTimeout      time.Duration
	SessionTTL        time.Duration
	InitAttempts      int
	InitBackoff       time.Duration
	CleanupTimeout    time.Duration
	Defaults          types.SessionDefaults
}

// Deps are the process-wide collaborators shared by every connection.
type Deps struct {
	Sessions SessionService
	Limiter  Limiter
	Handlers HandlerFactory
	Metrics  *metrics.Metrics
	Config   Config
	Logger   zerolog.Logger
	Now      func() time.Time
}

// Meta describes the client at upgrade time.
type Meta struct {
	UserAgent  string
	RemoteAddr string
}

// Connection is one client connection.
type Connection struct {
	id       string
	conn     types.Conn
	meta     Meta
	cfg      Config
	sessions SessionService
	limiter  Limiter
	handlers router.Handlers
	router   *router.Router
	metrics  *metrics.Metrics
	now      func() time.Time
	logger   zerolog.Logger

	state       atomic.Int32
	opened      atomic.Bool
	sessionID   atomic.Value
	subprotocol string // set in New, read-only afterwards
	connectedAt time.Time

	sendMu sync.Mutex

	hbMu     sync.Mutex
	hbCancel context.CancelFunc
	hbDone   chan struct{}

	done        chan struct{}
	cleanupOnce sync.Once
}

// New wraps an upgraded transport connection. It fails when the handler
// factory leaves a message type without a handler.
func New(conn types.Conn, meta Meta, d Deps) (*Connection, error) {
	now := d.Now
	if now == nil {
		now = time.Now
	}
	cfg := d.Config
	if cfg.InitAttempts < 1 {
		cfg.InitAttempts = 1
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.CleanupTimeout <= 0 {
		cfg.CleanupTimeout = 5 * time.Second
	}

	id := "client_" + uuid.NewString()
	c := &Connection{
		id:          id,
		conn:        conn,
		meta:        meta,
		cfg:         cfg,
		sessions:    d.Sessions,
		limiter:     d.Limiter,
		metrics:     d.Metrics,
		now:         now,
		connectedAt: now(),
		done:        make(chan struct{}),
		logger:      d.Logger.With().Str("component", "connection").Str("client_id", id).Logger(),
	}
	c.sessionID.Store("")
	if conn != nil {
		c.subprotocol = conn.Subprotocol()
	}
	c.handlers = d.Handlers(c, id)
	if err := c.handlers.Validate(); err != nil {
		return nil, fmt.Errorf("connection %s: %w", id, err)
	}
	c.router = router.New(d.Sessions, d.Limiter, c.handlers, id, d.Logger,
		router.WithClock(now), router.WithMetrics(d.Metrics))
	return c, nil
}

// ID returns the client identifier.
func (c *Connection) ID() string { return c.id }

// SessionID returns the bound session, or "" before bootstrap.
func (c *Connection) SessionID() string { return c.sessionID.Load().(string) }

// State returns the current lifecycle state.
func (c *Connection) State() State { return State(c.state.Load()) }

// Info returns metadata about this connection.
func (c *Connection) Info() types.ConnectionInfo {
	info := types.ConnectionInfo{
		ID:          c.id,
		SessionID:   c.SessionID(),
		Subprotocol: c.subprotocol,
		State:       c.State().String(),
		ConnectedAt: c.connectedAt,
		UserAgent:   c.meta.UserAgent,
		RemoteAddr:  c.meta.RemoteAddr,
	}
	if a, ok := c.handlers.Audio.(audioBuffer); ok {
		info.AudioBuffered = a.Buffered()
	}
	if r, ok := c.handlers.Response.(responseTracker); ok {
		info.ActiveResponse, _ = r.InFlight()
	}
	return info
}

type audioBuffer interface {
	Buffered() int
}

type responseTracker interface {
	InFlight() (string, bool)
}

// Serve runs the connection to completion: accept, bootstrap, the active
// loop, then cleanup. It returns the error that ended the connection, or
// nil on a clean client disconnect.
func (c *Connection) Serve(ctx context.Context) error {
	defer c.Cleanup()

	if err := c.Accept(); err != nil {
		c.metrics.ConnectionRejected("handshake")
		return err
	}
	c.opened.Store(true)
	c.metrics.ConnectionOpened()

	if err := c.InitializeSession(ctx); err != nil {
		c.logger.Error().Err(err).Msg("session initialization failed")
		c.Close(types.CodeInternalClose, "session initialization failed")
		return err
	}

	err := c.RunActive(ctx)
	var (
		wsErr   *types.WebSocketError
		connErr *types.ConnectionError
	)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		c.Close(types.CodeGoingAway, "server shutting down")
		return nil
	case errors.As(err, &wsErr):
		c.Close(wsErr.Code, wsErr.Message)
		return err
	case errors.As(err, &connErr):
		c.logger.Debug().Err(err).Msg("client disconnected")
		return nil
	default:
		c.logger.Error().Err(err).Msg("active loop failed")
		c.Close(types.CodeInternalClose, "internal error")
		return err
	}
}

// Accept moves the connection out of Connecting. The transport has already
// completed the handshake and negotiated the subprotocol.
func (c *Connection) Accept() error {
	if c.conn == nil {
		return &types.ConnectionError{Op: "accept", Err: errors.New("no transport")}
	}
	if !c.transition(StateConnecting, StateAccepted) {
		return &types.ConnectionError{Op: "accept", Err: fmt.Errorf("invalid state %s", c.State())}
	}
	c.logger.Info().Str("subprotocol", c.subprotocol).Str("remote_addr", c.meta.RemoteAddr).Msg("connection accepted")
	return nil
}

// InitializeSession creates the session with a fixed backoff between
// attempts, seeds its rate limit counters and sends session.created.
func (c *Connection) InitializeSession(ctx context.Context) error {
	if !c.transition(StateAccepted, StateSessionInitializing) {
		return fmt.Errorf("initialize session: invalid state %s", c.State())
	}

	metadata := map[string]string{}
	if c.meta.UserAgent != "" {
		metadata["user_agent"] = c.meta.UserAgent
	}
	if c.meta.RemoteAddr != "" {
		metadata["remote_addr"] = c.meta.RemoteAddr
	}

	var (
		sess types.Session
		err  error
	)
	for attempt := 1; attempt <= c.cfg.InitAttempts; attempt++ {
		sess, err = c.sessions.Create(ctx, types.NewSession(c.cfg.Defaults, c.id, metadata, c.now()))
		c.metrics.SessionInit(err == nil)
		if err == nil {
			break
		}
		c.logger.Warn().Err(err).Int("attempt", attempt).Msg("session create failed")
		if attempt == c.cfg.InitAttempts {
			break
		}
		select {
		case <-time.After(c.cfg.InitBackoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return fmt.Errorf("create session after %d attempts: %w", c.cfg.InitAttempts, err)
	}

	if _, err := c.limiter.Seed(ctx, sess.ID); err != nil {
		// Counters are seeded again lazily on the first check.
		c.logger.Warn().Err(err).Str("session_id", sess.ID).Msg("failed to seed rate limits")
	}

	c.sessionID.Store(sess.ID)
	c.logger = c.logger.With().Str("session_id", sess.ID).Logger()
	if !c.transition(StateSessionInitializing, StateActive) {
		return fmt.Errorf("initialize session: invalid state %s", c.State())
	}

	now := c.now()
	if err := c.Send(ctx, types.NewSessionEvent(types.TypeSessionCreated, types.Snapshot(sess, now, c.cfg.SessionTTL), now)); err != nil {
		return err
	}
	c.logger.Info().Msg("session created")
	return nil
}

type inbound struct {
	data []byte
	err  error
}

// RunActive starts the heartbeat and processes inbound frames in order
// until the client disconnects, a fatal error occurs or ctx ends.
func (c *Connection) RunActive(ctx context.Context) error {
	if c.State() != StateActive {
		return fmt.Errorf("run: invalid state %s", c.State())
	}
	c.startHeartbeat(ctx)

	frames := make(chan inbound)
	go c.readPump(frames)

	timer := time.NewTimer(c.cfg.HeartbeatInterval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return &types.ConnectionError{Op: "read", Err: ErrClosed}
		case <-timer.C:
			// Idle receive window; keep waiting.
		case in := <-frames:
			if in.err != nil {
				return &types.ConnectionError{Op: "read", Err: in.err}
			}
			if err := c.handle(ctx, in.data); err != nil {
				return err
			}
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(c.cfg.HeartbeatInterval)
	}
}

// readPump reads frames from the transport until it fails or the
// connection is cleaned up.
func (c *Connection) readPump(out chan<- inbound) {
	for {
		_, data, err := c.conn.ReadMessage()
		select {
		case out <- inbound{data: data, err: err}:
		case <-c.done:
			return
		}
		if err != nil {
			return
		}
	}
}

// handle routes one frame. Only fatal errors are returned; anything else is
// reported to the client and the loop continues.
func (c *Connection) handle(ctx context.Context, data []byte) (err error) {
	var eventID string
	defer func() {
		if r := recover(); r != nil {
			c.reportError(ctx, eventID, fmt.Errorf("panic while handling message: %v", r))
			err = nil
		}
	}()

	raw, perr := types.ParseRawEvent(data)
	if perr != nil {
		c.reportError(ctx, "", perr)
		return nil
	}
	eventID = raw.EventID()

	rerr := c.router.Route(ctx, c.SessionID(), raw)
	if rerr == nil {
		return nil
	}
	wsErr := c.reportError(ctx, eventID, rerr)
	if wsErr.Fatal {
		return wsErr
	}
	return nil
}

func (c *Connection) reportError(ctx context.Context, eventID string, err error) *types.WebSocketError {
	wsErr := types.AsWebSocketError(err)
	ev := c.logger.Warn()
	if wsErr.Code >= types.CodeInternal {
		ev = c.logger.Error()
	}
	ev.Err(err).Int("code", int(wsErr.Code)).Str("event_id", eventID).Msg("message failed")
	c.metrics.Error(wsErr.Code.String())
	if serr := c.Send(ctx, wsErr.Frame(eventID, c.now())); serr != nil {
		c.logger.Warn().Err(serr).Msg("failed to send error frame")
	}
	return wsErr
}

// Send writes one frame. Writes are serialized and bounded by the write timeout.
func (c *Connection) Send(ctx context.Context, frame any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.State() == StateClosed {
		return &types.ConnectionError{Op: "send", Err: ErrClosed}
	}
	if c.cfg.WriteTimeout > 0 {
		_ = c.conn.SetWriteDeadline(c.now().Add(c.cfg.WriteTimeout))
	}
	if err := c.conn.WriteJSON(frame); err != nil {
		return &types.ConnectionError{Op: "send", Err: err}
	}
	return nil
}

// Close sends a close frame with code and closes the transport. The
// receive loop then ends and Serve runs cleanup.
func (c *Connection) Close(code types.Code, reason string) {
	c.sendMu.Lock()
	if c.State() != StateClosed {
		msg := websocket.FormatCloseMessage(int(code), reason)
		if err := c.conn.WriteControl(websocket.CloseMessage, msg, c.now().Add(time.Second)); err != nil {
			c.logger.Debug().Err(err).Msg("failed to write close frame")
		}
	}
	c.sendMu.Unlock()
	_ = c.conn.Close()
}

// Shutdown closes the connection with 1001 going away.
func (c *Connection) Shutdown() {
	c.Close(types.CodeGoingAway, "server shutting down")
}

func (c *Connection) startHeartbeat(ctx context.Context) {
	c.hbMu.Lock()
	defer c.hbMu.Unlock()
	if c.hbCancel != nil {
		return
	}
	select {
	case <-c.done:
		return
	default:
	}
	hbCtx, cancel := context.WithCancel(ctx)
	c.hbCancel = cancel
	c.hbDone = make(chan struct{})
	go c.heartbeat(hbCtx, c.hbDone)
}

func (c *Connection) stopHeartbeat() {
	c.hbMu.Lock()
	cancel, done := c.hbCancel, c.hbDone
	c.hbMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// heartbeat sends a liveness frame every interval. It stops on the first
// failed send.
func (c *Connection) heartbeat(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if c.State() != StateActive {
			continue
		}
		sid := c.SessionID()
		if err := c.Send(ctx, types.NewHeartbeat(sid, c.now())); err != nil {
			c.logger.Warn().Err(err).Msg("heartbeat send failed, stopping heartbeat")
			return
		}
		if err := c.sessions.Touch(ctx, sid); err != nil {
			c.logger.Debug().Err(err).Msg("failed to record session activity")
		}
	}
}

// Cleanup releases everything the connection owns. It is safe to call more
// than once and from any goroutine; only the first call has effect.
func (c *Connection) Cleanup() {
	c.cleanupOnce.Do(c.cleanup)
}

func (c *Connection) cleanup() {
	c.state.Store(int32(StateClosing))
	close(c.done)
	c.stopHeartbeat()

	ctx, cancel := context.WithTimeout(context.Background(), 2*c.cfg.CleanupTimeout)
	defer cancel()

	if err := c.handlers.Cleanup(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("handler cleanup failed")
	}
	if sid := c.SessionID(); sid != "" {
		if err := c.sessions.Close(ctx, sid); err != nil {
			c.logger.Warn().Err(err).Msg("failed to mark session closed")
		}
	}

	c.sendMu.Lock()
	c.state.Store(int32(StateClosed))
	c.sendMu.Unlock()
	_ = c.conn.Close()

	d := c.now().Sub(c.connectedAt)
	if c.opened.Load() {
		outcome := "closed"
		if c.SessionID() == "" {
			outcome = "bootstrap_failed"
		}
		c.metrics.ConnectionClosed(outcome, d)
	}
	c.logger.Info().Dur("duration", d).Msg("connection closed")
}

func (c *Connection) transition(from, to State) bool {
	return c.state.CompareAndSwap(int32(from), int32(to))
}
