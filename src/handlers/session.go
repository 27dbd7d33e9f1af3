package handlers

import (
	"context"
	"time"

	"github.com/orchestra-mcp/realtime/src/router"
	"github.com/orchestra-mcp/realtime/src/types"
)

// SessionHandler applies session.update events.
type SessionHandler struct {
	base
	sessions Sessions
	ttl      time.Duration
}

// UpdateSession merges the partial update through the synchronizer and
// answers with the full snapshot.
func (h *SessionHandler) UpdateSession(ctx context.Context, req router.Request, ev types.SessionUpdateEvent) error {
	sess, err := h.sessions.Update(ctx, req.SessionID, ev.Session)
	if err != nil {
		return storeError("failed to update session", err)
	}
	now := h.now()
	h.logger.Info().Str("session_id", sess.ID).Msg("session updated")
	h.send(ctx, types.NewSessionEvent(types.TypeSessionUpdated, types.Snapshot(sess, now, h.ttl), now))
	return nil
}

func (h *SessionHandler) Cleanup(context.Context) error { return nil }
