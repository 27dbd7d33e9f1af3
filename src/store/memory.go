package store

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/orchestra-mcp/realtime/src/types"
)

// MemoryStore keeps sessions and counters in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]types.Session
	counters map[string]map[string]types.RateLimitCounter

	now func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore(opts ...Option) *MemoryStore {
	o := applyOptions(opts)
	return &MemoryStore{
		sessions: make(map[string]types.Session),
		counters: make(map[string]map[string]types.RateLimitCounter),
		now:      o.now,
	}
}

func (m *MemoryStore) Create(_ context.Context, s types.Session) (types.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return types.Session{}, fmt.Errorf("session %s already exists", s.ID)
	}
	m.sessions[s.ID] = s.Clone()
	return s.Clone(), nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (types.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return types.Session{}, ErrNotFound
	}
	return s.Clone(), nil
}

func (m *MemoryStore) Update(_ context.Context, id string, u types.SessionUpdate) (types.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return types.Session{}, ErrNotFound
	}
	s = u.Apply(s, m.now())
	m.sessions[id] = s
	return s.Clone(), nil
}

func (m *MemoryStore) GetCounters(_ context.Context, id string) ([]types.RateLimitCounter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byName := m.counters[id]
	out := make([]types.RateLimitCounter, 0, len(byName))
	for _, c := range byName {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b types.RateLimitCounter) int { return cmp.Compare(a.Name, b.Name) })
	return out, nil
}

func (m *MemoryStore) PutCounter(_ context.Context, id string, c types.RateLimitCounter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counters[id] == nil {
		m.counters[id] = make(map[string]types.RateLimitCounter)
	}
	m.counters[id][c.Name] = c
	return nil
}

func (m *MemoryStore) Reset(_ context.Context, id, name string) (types.RateLimitCounter, error) {
	return m.mutateCounter(id, name, func(c types.RateLimitCounter, now time.Time) types.RateLimitCounter {
		return c.Reset(now)
	})
}

func (m *MemoryStore) Decrement(_ context.Context, id, name string, n int) (types.RateLimitCounter, error) {
	return m.mutateCounter(id, name, func(c types.RateLimitCounter, now time.Time) types.RateLimitCounter {
		return c.Decrement(n, now)
	})
}

func (m *MemoryStore) mutateCounter(id, name string, fn func(types.RateLimitCounter, time.Time) types.RateLimitCounter) (types.RateLimitCounter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.counters[id][name]
	if !ok {
		return types.RateLimitCounter{}, ErrNotFound
	}
	c = fn(c, m.now())
	m.counters[id][name] = c
	return c, nil
}

func (m *MemoryStore) Close() error { return nil }

// MemoryConversations is an in-process ConversationStore.
type MemoryConversations struct {
	mu    sync.Mutex
	items map[string][]types.ConversationItem
}

// NewMemoryConversations creates an empty MemoryConversations.
func NewMemoryConversations() *MemoryConversations {
	return &MemoryConversations{items: make(map[string][]types.ConversationItem)}
}

func (m *MemoryConversations) Append(_ context.Context, sessionID string, item types.ConversationItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[sessionID] = append(m.items[sessionID], item)
	return nil
}

func (m *MemoryConversations) List(_ context.Context, sessionID string, limit int) ([]types.ConversationItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return lastN(m.items[sessionID], limit), nil
}

func (m *MemoryConversations) TruncateFrom(_ context.Context, sessionID, itemID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept, removed, ok := cutFrom(m.items[sessionID], itemID)
	if !ok {
		return 0, ErrNotFound
	}
	m.items[sessionID] = slices.Clone(kept)
	return removed, nil
}

func (m *MemoryConversations) Delete(_ context.Context, sessionID, itemID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.items[sessionID]
	i := slices.IndexFunc(items, func(it types.ConversationItem) bool { return it.ID == itemID })
	if i < 0 {
		return ErrNotFound
	}
	m.items[sessionID] = slices.Delete(slices.Clone(items), i, i+1)
	return nil
}

func (m *MemoryConversations) Clear(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, sessionID)
	return nil
}
