package providers

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/gofiber/fiber/v3"
	"github.com/valyala/fasthttp"

	"github.com/orchestra-mcp/realtime/src/connection"
	"github.com/orchestra-mcp/realtime/src/state"
	"github.com/orchestra-mcp/realtime/src/types"
)

const lookupTimeout = 5 * time.Second

// registerRoutes registers the HTTP routes served next to the websocket
// endpoint. The upgrade itself is handled by UpgradeHandler since Fiber v3
// does not expose *fasthttp.RequestCtx.
func (s *Server) registerRoutes(app *fiber.App) {
	app.Get("/ws/info", s.handleInfo)
	app.Get("/healthz", s.handleHealth)
	app.Get(s.cfg.Path+"/sessions/:id", s.handleSession)
}

func (s *Server) handleInfo(c fiber.Ctx) error {
	h := s.svc.Hub()
	ids := h.ConnectedClients()
	conns := make([]types.ConnectionInfo, 0, len(ids))
	for _, id := range ids {
		if info, ok := h.ClientInfo(id); ok {
			conns = append(conns, info)
		}
	}
	return c.JSON(fiber.Map{
		"websocket":       true,
		"endpoint":        s.cfg.Path,
		"clients":         len(conns),
		"max_connections": h.MaxConnections(),
		"connections":     conns,
	})
}

func (s *Server) handleHealth(c fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":             "ok",
		"redis":              s.svc.RedisConnected(),
		"cache_invalidation": s.svc.InvalidationActive(),
	})
}

func (s *Server) handleSession(c fiber.Ctx) error {
	id := c.Params("id")
	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()

	sess, err := s.svc.Sessions().Get(ctx, id)
	if errors.Is(err, state.ErrSessionNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":   "session_not_found",
			"message": "session " + id + " not found",
		})
	}
	if err != nil {
		s.logger.Error().Err(err).Str("session_id", id).Msg("session lookup failed")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":   "internal_error",
			"message": "session lookup failed",
		})
	}
	_, connected := s.svc.Hub().SessionClient(id)
	return c.JSON(fiber.Map{
		"session":   types.Snapshot(sess, s.svc.Now(), s.cfg.SessionTTL),
		"connected": connected,
	})
}

// UpgradeHandler returns the raw fasthttp handler for websocket upgrades.
func (s *Server) UpgradeHandler() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		upgrade := string(ctx.Request.Header.Peek("Upgrade"))
		if !strings.EqualFold(upgrade, "websocket") {
			ctx.SetStatusCode(fasthttp.StatusUpgradeRequired)
			ctx.SetContentType("application/json")
			ctx.SetBodyString(`{"error":"upgrade_required","message":"WebSocket upgrade required"}`)
			return
		}
		if s.svc.Hub().Full() {
			s.svc.Metrics().ConnectionRejected("capacity")
			ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
			ctx.SetContentType("application/json")
			ctx.SetBodyString(`{"error":"at_capacity","message":"connection limit reached"}`)
			return
		}

		upgrader := s.upgrader
		if offered := offeredSubprotocols(ctx); len(offered) > 0 {
			upgrader.Subprotocols = offered[:1]
		}
		meta := connection.Meta{
			UserAgent:  string(ctx.UserAgent()),
			RemoteAddr: ctx.RemoteAddr().String(),
		}

		err := upgrader.Upgrade(ctx, func(ws *websocket.Conn) {
			s.serveConn(ws, meta)
		})
		if err != nil {
			s.svc.Metrics().ConnectionRejected("handshake")
			s.logger.Error().Err(err).Msg("websocket upgrade failed")
		}
	}
}

func (s *Server) serveConn(ws *websocket.Conn, meta connection.Meta) {
	ws.SetReadLimit(s.cfg.MaxMessageBytes)
	conn, err := s.svc.NewConnection(ws, meta)
	if err != nil {
		s.svc.Metrics().ConnectionRejected("handlers")
		s.logger.Error().Err(err).Msg("failed to build connection")
		s.closeTransport(ws, websocket.CloseInternalServerErr, "internal error")
		return
	}

	h := s.svc.Hub()
	if err := h.Register(conn); err != nil {
		s.svc.Metrics().ConnectionRejected("capacity")
		s.closeTransport(ws, websocket.CloseTryAgainLater, "connection limit reached")
		return
	}
	defer h.Unregister(conn)

	if err := conn.Serve(s.baseContext()); err != nil {
		s.logger.Debug().Err(err).Str("client_id", conn.ID()).Msg("connection ended with error")
	}
}

func (s *Server) closeTransport(ws *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.cfg.WriteTimeout))
	_ = ws.Close()
}

// offeredSubprotocols parses Sec-WebSocket-Protocol in client preference order.
func offeredSubprotocols(ctx *fasthttp.RequestCtx) []string {
	var out []string
	for _, p := range strings.Split(string(ctx.Request.Header.Peek("Sec-WebSocket-Protocol")), ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
