// Package state reconciles the session cache with the durable session store.
// The store is the source of truth; the cache only accelerates reads.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/orchestra-mcp/realtime/src/cache"
	"github.com/orchestra-mcp/realtime/src/metrics"
	"github.com/orchestra-mcp/realtime/src/store"
	"github.com/orchestra-mcp/realtime/src/types"
)

// DefaultTTL bounds how long a cached session is trusted.
const DefaultTTL = time.Hour

// ErrSessionNotFound is returned when neither tier holds the session.
var ErrSessionNotFound = errors.New("session not found")

// Synchronizer is the only path through which sessions are read or mutated.
type Synchronizer struct {
	store   store.SessionStore
	cache   cache.Cache
	ttl     time.Duration
	now     func() time.Time
	metrics *metrics.Metrics
	logger  zerolog.Logger

	// writes serializes store write plus cache overwrite per session.
	writes [lockStripes]sync.Mutex
}

const lockStripes = 64

// Option configures a Synchronizer.
type Option func(*Synchronizer)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(s *Synchronizer) { s.ttl = ttl }
}

// WithClock overrides the clock used for activity stamps.
func WithClock(now func() time.Time) Option {
	return func(s *Synchronizer) { s.now = now }
}

// WithMetrics records cache lookups on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Synchronizer) { s.metrics = m }
}

// New creates a Synchronizer over st and c.
func New(st store.SessionStore, c cache.Cache, logger zerolog.Logger, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		store:  st,
		cache:  c,
		ttl:    DefaultTTL,
		now:    time.Now,
		logger: logger.With().Str("component", "session-state").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Key returns the cache key for a session.
func Key(id string) string { return "session:" + id }

// Get returns the session, reading through the cache.
// Cache failures degrade to a durable read.
func (s *Synchronizer) Get(ctx context.Context, id string) (types.Session, error) {
	key := Key(id)
	data, err := s.cache.Get(ctx, key)
	switch {
	case err == nil:
		var sess types.Session
		jerr := json.Unmarshal(data, &sess)
		if jerr == nil {
			s.metrics.CacheLookup("hit")
			return sess, nil
		}
		s.logger.Warn().Err(jerr).Str("session_id", id).Msg("discarding undecodable cache entry")
		_ = s.cache.Delete(ctx, key)
	case errors.Is(err, cache.ErrMiss):
		s.metrics.CacheLookup("miss")
	default:
		s.metrics.CacheLookup("error")
		s.logger.Warn().Err(err).Str("session_id", id).Msg("session cache read failed")
	}

	sess, err := s.store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return types.Session{}, ErrSessionNotFound
	}
	if err != nil {
		return types.Session{}, fmt.Errorf("load session %s: %w", id, err)
	}
	s.fill(ctx, sess)
	return sess, nil
}

// Create persists a new session and warms the cache with it.
func (s *Synchronizer) Create(ctx context.Context, sess types.Session) (types.Session, error) {
	created, err := s.store.Create(ctx, sess)
	if err != nil {
		return types.Session{}, fmt.Errorf("create session: %w", err)
	}
	s.populate(ctx, created)
	return created, nil
}

// Update writes u to the durable store, then overwrites the cached copy
// with the written record. A reader that loaded the previous record cannot
// put it back: read-path fills only succeed on an absent key.
func (s *Synchronizer) Update(ctx context.Context, id string, u types.SessionUpdate) (types.Session, error) {
	mu := s.lock(id)
	mu.Lock()
	defer mu.Unlock()

	updated, err := s.store.Update(ctx, id, u)
	if errors.Is(err, store.ErrNotFound) {
		return types.Session{}, ErrSessionNotFound
	}
	if err != nil {
		return types.Session{}, fmt.Errorf("update session %s: %w", id, err)
	}
	if err := s.write(ctx, updated); err != nil {
		s.logger.Warn().Err(err).Str("session_id", id).Msg("session cache write failed, invalidating")
		if err := s.cache.Delete(ctx, Key(id)); err != nil {
			// The entry expires on its own; readers may see the old value until then.
			s.logger.Warn().Err(err).Str("session_id", id).Msg("session cache invalidation failed")
		}
	}
	return updated, nil
}

// Touch records activity on the session.
func (s *Synchronizer) Touch(ctx context.Context, id string) error {
	at := s.now().UTC()
	_, err := s.Update(ctx, id, types.SessionUpdate{LastActivityAt: &at})
	return err
}

// Close marks the session closed.
func (s *Synchronizer) Close(ctx context.Context, id string) error {
	status := types.SessionClosed
	_, err := s.Update(ctx, id, types.SessionUpdate{Status: &status})
	return err
}

func (s *Synchronizer) lock(id string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &s.writes[h.Sum32()%lockStripes]
}

// populate overwrites the cached copy with sess.
func (s *Synchronizer) populate(ctx context.Context, sess types.Session) {
	if err := s.write(ctx, sess); err != nil {
		s.logger.Warn().Err(err).Str("session_id", sess.ID).Msg("session cache write failed")
	}
}

func (s *Synchronizer) write(ctx context.Context, sess types.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	return s.cache.Set(ctx, Key(sess.ID), data, s.ttl)
}

// fill caches a record loaded on a miss, unless a writer got there first.
func (s *Synchronizer) fill(ctx context.Context, sess types.Session) {
	data, err := json.Marshal(sess)
	if err != nil {
		s.logger.Error().Err(err).Str("session_id", sess.ID).Msg("failed to encode session for cache")
		return
	}
	stored, err := s.cache.SetNX(ctx, Key(sess.ID), data, s.ttl)
	if err != nil {
		s.logger.Warn().Err(err).Str("session_id", sess.ID).Msg("session cache write failed")
		return
	}
	if !stored {
		s.logger.Debug().Str("session_id", sess.ID).Msg("session cache already refreshed by a writer")
	}
}
