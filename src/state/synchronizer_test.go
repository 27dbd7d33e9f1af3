package state

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchestra-mcp/realtime/src/cache"
	"github.com/orchestra-mcp/realtime/src/store"
	"github.com/orchestra-mcp/realtime/src/types"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// countingStore counts durable reads.
type countingStore struct {
	*store.MemoryStore
	mu    sync.Mutex
	reads int
}

func (c *countingStore) Get(ctx context.Context, id string) (types.Session, error) {
	c.mu.Lock()
	c.reads++
	c.mu.Unlock()
	return c.MemoryStore.Get(ctx, id)
}

func (c *countingStore) Reads() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reads
}

// failingCache fails every call.
type failingCache struct{}

var errCacheDown = errors.New("cache down")

func (failingCache) Get(context.Context, string) ([]byte, error) { return nil, errCacheDown }
func (failingCache) Set(context.Context, string, []byte, time.Duration) error {
	return errCacheDown
}
func (failingCache) SetNX(context.Context, string, []byte, time.Duration) (bool, error) {
	return false, errCacheDown
}
func (failingCache) Delete(context.Context, ...string) error { return errCacheDown }

// gatedStore parks the next Get between its durable read and its return.
type gatedStore struct {
	*store.MemoryStore
	armed   chan struct{}
	loaded  chan struct{}
	release chan struct{}
}

func newGatedStore() *gatedStore {
	return &gatedStore{
		MemoryStore: store.NewMemoryStore(),
		armed:       make(chan struct{}, 1),
		loaded:      make(chan struct{}),
		release:     make(chan struct{}),
	}
}

func (g *gatedStore) Get(ctx context.Context, id string) (types.Session, error) {
	sess, err := g.MemoryStore.Get(ctx, id)
	select {
	case <-g.armed:
		close(g.loaded)
		<-g.release
	default:
	}
	return sess, err
}

func newSession() types.Session {
	return types.NewSession(types.SessionDefaults{Model: "m", Voice: "alloy", Temperature: 0.8}, "client_1", nil, t0)
}

func TestGetReadsThroughCache(t *testing.T) {
	ctx := context.Background()
	st := &countingStore{MemoryStore: store.NewMemoryStore()}
	c := cache.NewMemoryCache()
	s := New(st, c, zerolog.Nop())

	sess := newSession()
	_, err := st.Create(ctx, sess)
	require.NoError(t, err)

	got, err := s.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)
	assert.Equal(t, 1, st.Reads())

	_, err = c.Get(ctx, Key(sess.ID))
	require.NoError(t, err, "miss should repopulate the cache")

	_, err = s.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Reads(), "second read should be served from cache")
}

func TestGetNotFound(t *testing.T) {
	s := New(store.NewMemoryStore(), cache.NewMemoryCache(), zerolog.Nop())
	_, err := s.Get(context.Background(), "sess_missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestUpdateReadAfterWrite(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	c := cache.NewMemoryCache()
	s := New(st, c, zerolog.Nop())

	sess, err := s.Create(ctx, newSession())
	require.NoError(t, err)
	_, err = s.Get(ctx, sess.ID)
	require.NoError(t, err)

	temp := 0.3
	_, err = s.Update(ctx, sess.ID, types.SessionUpdate{Temperature: &temp})
	require.NoError(t, err)

	raw, err := c.Get(ctx, Key(sess.ID))
	require.NoError(t, err, "update must overwrite the cached entry")
	var cached types.Session
	require.NoError(t, json.Unmarshal(raw, &cached))
	assert.InDelta(t, 0.3, cached.Temperature, 1e-9)

	got, err := s.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.3, got.Temperature, 1e-9)
	assert.Equal(t, sess.Model, got.Model)
	assert.Equal(t, sess.Voice, got.Voice)
	assert.Equal(t, sess.Modalities, got.Modalities)
}

func TestSlowReaderCannotRestoreStaleSession(t *testing.T) {
	ctx := context.Background()
	st := newGatedStore()
	c := cache.NewMemoryCache()
	s := New(st, c, zerolog.Nop())

	sess, err := s.Create(ctx, newSession())
	require.NoError(t, err)
	require.NoError(t, c.Delete(ctx, Key(sess.ID)))

	st.armed <- struct{}{}
	done := make(chan types.Session, 1)
	go func() {
		got, err := s.Get(ctx, sess.ID)
		assert.NoError(t, err)
		done <- got
	}()
	<-st.loaded

	temp := 0.3
	_, err = s.Update(ctx, sess.ID, types.SessionUpdate{Temperature: &temp})
	require.NoError(t, err)
	close(st.release)

	stale := <-done
	assert.InDelta(t, 0.8, stale.Temperature, 1e-9)

	got, err := s.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.3, got.Temperature, 1e-9)

	raw, err := c.Get(ctx, Key(sess.ID))
	require.NoError(t, err)
	var cached types.Session
	require.NoError(t, json.Unmarshal(raw, &cached))
	assert.InDelta(t, 0.3, cached.Temperature, 1e-9)
}

func TestConcurrentReadersSeeUpdate(t *testing.T) {
	ctx := context.Background()
	s := New(store.NewMemoryStore(), cache.NewMemoryCache(), zerolog.Nop())
	sess, err := s.Create(ctx, newSession())
	require.NoError(t, err)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					_, _ = s.Get(ctx, sess.ID)
				}
			}
		}()
	}

	for i := range 20 {
		temp := float64(i) / 10
		_, err := s.Update(ctx, sess.ID, types.SessionUpdate{Temperature: &temp})
		require.NoError(t, err)
	}
	close(stop)
	wg.Wait()

	temp := 1.5
	_, err = s.Update(ctx, sess.ID, types.SessionUpdate{Temperature: &temp})
	require.NoError(t, err)
	got, err := s.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.InDelta(t, 1.5, got.Temperature, 1e-9)
}

func TestCacheFailureFallsBackToStore(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	s := New(st, failingCache{}, zerolog.Nop())

	sess, err := s.Create(ctx, newSession())
	require.NoError(t, err)

	got, err := s.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)

	temp := 0.5
	updated, err := s.Update(ctx, sess.ID, types.SessionUpdate{Temperature: &temp})
	require.NoError(t, err, "cache invalidation failure must not fail a durable write")
	assert.InDelta(t, 0.5, updated.Temperature, 1e-9)

	durable, err := st.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, durable.Temperature, 1e-9)
}

func TestUndecodableCacheEntryIsIgnored(t *testing.T) {
	ctx := context.Background()
	c := cache.NewMemoryCache()
	s := New(store.NewMemoryStore(), c, zerolog.Nop())
	sess, err := s.Create(ctx, newSession())
	require.NoError(t, err)

	require.NoError(t, c.Set(ctx, Key(sess.ID), []byte("not json"), time.Hour))
	got, err := s.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)
}

func TestTouchAndClose(t *testing.T) {
	ctx := context.Background()
	now := t0.Add(5 * time.Minute)
	s := New(store.NewMemoryStore(), cache.NewMemoryCache(), zerolog.Nop(), WithClock(func() time.Time { return now }))
	sess, err := s.Create(ctx, newSession())
	require.NoError(t, err)

	require.NoError(t, s.Touch(ctx, sess.ID))
	got, err := s.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, now, got.LastActivityAt)
	assert.Equal(t, types.SessionActive, got.Status)

	require.NoError(t, s.Close(ctx, sess.ID))
	got, err = s.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionClosed, got.Status)

	assert.ErrorIs(t, s.Touch(ctx, "sess_missing"), ErrSessionNotFound)
}
