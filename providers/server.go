// Package providers exposes the realtime service over HTTP: the websocket
// endpoint, the Fiber info routes and Prometheus metrics.
package providers

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/fasthttp/websocket"
	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"github.com/orchestra-mcp/realtime/config"
	"github.com/orchestra-mcp/realtime/src/service"
)

// Server is the HTTP front of one realtime service.
type Server struct {
	svc      *service.Service
	cfg      *config.RealtimeConfig
	upgrader websocket.FastHTTPUpgrader
	app      *fiber.App
	server   *fasthttp.Server
	logger   zerolog.Logger

	mu  sync.RWMutex
	ctx context.Context
}

// NewServer builds the HTTP surface for svc.
func NewServer(svc *service.Service) *Server {
	cfg := svc.Config()
	s := &Server{
		svc: svc,
		cfg: cfg,
		upgrader: websocket.FastHTTPUpgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
		},
		app:    fiber.New(),
		logger: svc.Logger().With().Str("component", "http").Logger(),
		ctx:    context.Background(),
	}
	s.registerRoutes(s.app)
	s.server = &fasthttp.Server{
		Name:    "realtimed",
		Handler: s.Handler(),
		Logger:  &s.logger,
	}
	return s
}

// Handler routes the websocket path and /metrics directly and everything
// else through Fiber.
func (s *Server) Handler() fasthttp.RequestHandler {
	ws := s.UpgradeHandler()
	metrics := fasthttpadaptor.NewFastHTTPHandler(s.svc.Metrics().Handler())
	app := s.app.Handler()
	return func(ctx *fasthttp.RequestCtx) {
		switch string(ctx.Path()) {
		case s.cfg.Path:
			ws(ctx)
		case "/metrics":
			metrics(ctx)
		default:
			app(ctx)
		}
	}
}

// ListenAndServe listens on the configured address until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx ends, then closes every live
// connection and stops the listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() { errCh <- s.server.Serve(ln) }()
	s.logger.Info().Str("addr", ln.Addr().String()).Str("path", s.cfg.Path).Msg("realtime server listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info().Int("clients", s.svc.Hub().ClientCount()).Msg("shutting down")
	if err := s.svc.Hub().Drain(2 * s.cfg.CleanupTimeout); err != nil {
		s.logger.Warn().Err(err).Int("clients", s.svc.Hub().ClientCount()).Msg("connections still open after drain")
	}
	if err := s.server.Shutdown(); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-errCh
}

func (s *Server) baseContext() context.Context {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ctx
}
