package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchestra-mcp/realtime/src/cache"
	"github.com/orchestra-mcp/realtime/src/state"
	"github.com/orchestra-mcp/realtime/src/store"
	"github.com/orchestra-mcp/realtime/src/types"
)

// recorder implements every handler interface and records the order of calls.
type recorder struct {
	mu       sync.Mutex
	calls    []types.MessageType
	requests []Request
	cleanups int
	fail     error
	cleanErr error
}

func (r *recorder) record(req Request) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, req.Type)
	r.requests = append(r.requests, req)
	return r.fail
}

func (r *recorder) Calls() []types.MessageType {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.MessageType(nil), r.calls...)
}

func (r *recorder) UpdateSession(_ context.Context, req Request, _ types.SessionUpdateEvent) error {
	return r.record(req)
}
func (r *recorder) AppendAudio(_ context.Context, req Request, _ types.InputAudioAppendEvent) error {
	return r.record(req)
}
func (r *recorder) CommitAudio(_ context.Context, req Request, _ types.InputAudioCommitEvent) error {
	return r.record(req)
}
func (r *recorder) ClearAudio(_ context.Context, req Request, _ types.InputAudioClearEvent) error {
	return r.record(req)
}
func (r *recorder) CreateItem(_ context.Context, req Request, _ types.ItemCreateEvent) error {
	return r.record(req)
}
func (r *recorder) TruncateItem(_ context.Context, req Request, _ types.ItemTruncateEvent) error {
	return r.record(req)
}
func (r *recorder) DeleteItem(_ context.Context, req Request, _ types.ItemDeleteEvent) error {
	return r.record(req)
}
func (r *recorder) CreateResponse(_ context.Context, req Request, _ types.ResponseCreateEvent) error {
	return r.record(req)
}
func (r *recorder) CancelResponse(_ context.Context, req Request, _ types.ResponseCancelEvent) error {
	return r.record(req)
}
func (r *recorder) Cleanup(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cleanups++
	return r.cleanErr
}

func (r *recorder) handlers() Handlers {
	return Handlers{Session: r, Audio: r, Conversation: r, Response: r}
}

type fakeLimiter struct {
	mu     sync.Mutex
	checks int
	err    error
}

func (f *fakeLimiter) Check(context.Context, string) ([]types.RateLimitCounter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks++
	return nil, f.err
}

type fixture struct {
	router  *Router
	rec     *recorder
	limiter *fakeLimiter
	sync    *state.Synchronizer
	session types.Session
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	syncer := state.New(store.NewMemoryStore(), cache.NewMemoryCache(), zerolog.Nop())
	sess, err := syncer.Create(context.Background(),
		types.NewSession(types.SessionDefaults{Model: "m", Temperature: 0.8}, "client_1", nil, time.Now()))
	require.NoError(t, err)

	rec := &recorder{}
	lim := &fakeLimiter{}
	return &fixture{
		router:  New(syncer, lim, rec.handlers(), "client_1", zerolog.Nop()),
		rec:     rec,
		limiter: lim,
		sync:    syncer,
		session: sess,
	}
}

func raw(t *testing.T, s string) types.RawEvent {
	t.Helper()
	r, err := types.ParseRawEvent([]byte(s))
	require.NoError(t, err)
	return r
}

func wsCode(t *testing.T, err error) types.Code {
	t.Helper()
	var wsErr *types.WebSocketError
	require.ErrorAs(t, err, &wsErr)
	return wsErr.Code
}

func TestRouteEnrichesAndDispatches(t *testing.T) {
	f := newFixture(t)
	err := f.router.Route(context.Background(), f.session.ID, raw(t, `{"type":"session.update","event_id":"evt_1","session":{"voice":"echo"}}`))
	require.NoError(t, err)

	require.Len(t, f.rec.requests, 1)
	req := f.rec.requests[0]
	assert.Equal(t, "evt_1", req.EventID)
	assert.Equal(t, types.TypeSessionUpdate, req.Type)
	assert.Equal(t, "client_1", req.ClientID)
	assert.Equal(t, f.session.ID, req.SessionID)
	assert.Equal(t, f.session.ID, req.Session.ID)
	assert.Equal(t, "m", req.Session.Model)
}

func TestRouteEveryClientType(t *testing.T) {
	f := newFixture(t)
	frames := []string{
		`{"type":"session.update","session":{}}`,
		`{"type":"input_audio_buffer.append","audio":"AAAA"}`,
		`{"type":"input_audio_buffer.commit"}`,
		`{"type":"input_audio_buffer.clear"}`,
		`{"type":"conversation.item.create","item":{"type":"message","role":"user","content":[{"type":"input_text","text":"hi"}]}}`,
		`{"type":"conversation.item.truncate","before_id":"item_1"}`,
		`{"type":"conversation.item.delete","item_id":"item_1"}`,
		`{"type":"response.create"}`,
		`{"type":"response.cancel"}`,
	}
	for _, fr := range frames {
		require.NoError(t, f.router.Route(context.Background(), f.session.ID, raw(t, fr)), fr)
	}
	assert.Equal(t, []types.MessageType{
		types.TypeSessionUpdate,
		types.TypeInputAudioAppend,
		types.TypeInputAudioCommit,
		types.TypeInputAudioClear,
		types.TypeConversationItemCreate,
		types.TypeConversationItemTrunc,
		types.TypeConversationItemDelete,
		types.TypeResponseCreate,
		types.TypeResponseCancel,
	}, f.rec.Calls())
}

func TestRouteUnknownTypeThenValid(t *testing.T) {
	f := newFixture(t)
	err := f.router.Route(context.Background(), f.session.ID, raw(t, `{"type":"unknown.event"}`))
	assert.Equal(t, types.CodeUnknownType, wsCode(t, err))
	assert.Empty(t, f.rec.Calls())

	require.NoError(t, f.router.Route(context.Background(), f.session.ID, raw(t, `{"type":"response.create"}`)))
	assert.Equal(t, []types.MessageType{types.TypeResponseCreate}, f.rec.Calls())
}

func TestRouteMissingType(t *testing.T) {
	f := newFixture(t)
	err := f.router.Route(context.Background(), f.session.ID, raw(t, `{"event_id":"e"}`))
	assert.Equal(t, types.CodeMissingType, wsCode(t, err))
	assert.Zero(t, f.limiter.checks)
}

func TestRouteWithoutSessionIsFatal(t *testing.T) {
	f := newFixture(t)
	err := f.router.Route(context.Background(), "", raw(t, `{"type":"response.create"}`))
	var wsErr *types.WebSocketError
	require.ErrorAs(t, err, &wsErr)
	assert.Equal(t, types.CodeNoActiveSession, wsErr.Code)
	assert.True(t, wsErr.Fatal)
	assert.Empty(t, f.rec.Calls())
}

func TestRouteRateLimitedNeverReachesHandler(t *testing.T) {
	f := newFixture(t)
	f.limiter.err = types.NewError(types.CodeRateLimitExceeded, "rate limit exceeded")
	err := f.router.Route(context.Background(), f.session.ID, raw(t, `{"type":"response.create"}`))
	assert.Equal(t, types.CodeRateLimitExceeded, wsCode(t, err))
	assert.Empty(t, f.rec.Calls())
}

func TestRouteSessionNotFound(t *testing.T) {
	f := newFixture(t)
	err := f.router.Route(context.Background(), "sess_missing", raw(t, `{"type":"response.create"}`))
	assert.Equal(t, types.CodeSessionNotFound, wsCode(t, err))
}

func TestRouteInactiveSession(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.sync.Close(context.Background(), f.session.ID))
	err := f.router.Route(context.Background(), f.session.ID, raw(t, `{"type":"response.create"}`))
	assert.Equal(t, types.CodeSessionInactive, wsCode(t, err))
}

func TestRouteHandlerErrorPassesThrough(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("backend down")
	f.rec.fail = boom
	err := f.router.Route(context.Background(), f.session.ID, raw(t, `{"type":"response.create"}`))
	assert.ErrorIs(t, err, boom)
}

func TestHandlersCleanupJoinsErrors(t *testing.T) {
	ok := &recorder{}
	bad := &recorder{cleanErr: errors.New("leak")}
	h := Handlers{Session: ok, Audio: bad, Conversation: ok, Response: ok}
	require.NoError(t, h.Validate())

	err := h.Cleanup(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "audio handler cleanup: leak")
	assert.Equal(t, 3, ok.cleanups)
	assert.Equal(t, 1, bad.cleanups)

	assert.Error(t, Handlers{Session: ok}.Validate())
}
