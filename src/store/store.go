// Package store holds the durable collaborators of the realtime engine:
// session records, rate limit counters and conversation history.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/orchestra-mcp/realtime/src/types"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("store: not found")

// SessionStore persists session records.
type SessionStore interface {
	Create(ctx context.Context, s types.Session) (types.Session, error)
	Get(ctx context.Context, id string) (types.Session, error)
	Update(ctx context.Context, id string, u types.SessionUpdate) (types.Session, error)
}

// RateLimitStore persists rate limit counters per session.
type RateLimitStore interface {
	GetCounters(ctx context.Context, id string) ([]types.RateLimitCounter, error)
	PutCounter(ctx context.Context, id string, c types.RateLimitCounter) error
	Reset(ctx context.Context, id, name string) (types.RateLimitCounter, error)
	Decrement(ctx context.Context, id, name string, n int) (types.RateLimitCounter, error)
}

// ConversationStore keeps the ordered item history of each session.
type ConversationStore interface {
	Append(ctx context.Context, sessionID string, item types.ConversationItem) error
	// List returns the last limit items in order, or all of them when limit <= 0.
	List(ctx context.Context, sessionID string, limit int) ([]types.ConversationItem, error)
	// TruncateFrom removes itemID and every later item.
	TruncateFrom(ctx context.Context, sessionID, itemID string) (int, error)
	Delete(ctx context.Context, sessionID, itemID string) error
	Clear(ctx context.Context, sessionID string) error
}

// Store is a durable backend for sessions and rate limits.
type Store interface {
	SessionStore
	RateLimitStore
	Close() error
}

// Option configures a store.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock sets the clock used to stamp updates and counter changes.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func applyOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// cutFrom returns items with the item id and its successors removed.
func cutFrom(items []types.ConversationItem, id string) ([]types.ConversationItem, int, bool) {
	for i, it := range items {
		if it.ID == id {
			return items[:i], len(items) - i, true
		}
	}
	return items, 0, false
}

// lastN returns the final n items, or all when n <= 0.
func lastN(items []types.ConversationItem, n int) []types.ConversationItem {
	if n > 0 && len(items) > n {
		items = items[len(items)-n:]
	}
	out := make([]types.ConversationItem, len(items))
	copy(out, items)
	return out
}
