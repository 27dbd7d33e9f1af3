package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchestra-mcp/realtime/src/store"
	"github.com/orchestra-mcp/realtime/src/types"
)

type clock struct{ t time.Time }

func (c *clock) Now() time.Time          { return c.t }
func (c *clock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newLimiter(requests int) (*Limiter, *store.MemoryStore, *clock) {
	clk := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	st := store.NewMemoryStore(store.WithClock(clk.Now))
	l := New(st, []Policy{
		{Name: types.LimitRequests, Limit: requests, Window: time.Minute},
		{Name: types.LimitTokens, Limit: 100, Window: time.Minute},
	}, zerolog.Nop(), WithClock(clk.Now))
	return l, st, clk
}

func counter(t *testing.T, cs []types.RateLimitCounter, name string) types.RateLimitCounter {
	t.Helper()
	for _, c := range cs {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("counter %s not found", name)
	return types.RateLimitCounter{}
}

func TestCheckSeedsAndDecrements(t *testing.T) {
	l, _, _ := newLimiter(3)
	cs, err := l.Check(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, counter(t, cs, types.LimitRequests).Remaining)
	assert.Equal(t, 100, counter(t, cs, types.LimitTokens).Remaining)
}

func TestCheckRejectsWhenExhausted(t *testing.T) {
	ctx := context.Background()
	l, st, _ := newLimiter(2)

	for range 2 {
		_, err := l.Check(ctx, "s1")
		require.NoError(t, err)
	}
	_, err := l.Check(ctx, "s1")
	var wsErr *types.WebSocketError
	require.ErrorAs(t, err, &wsErr)
	assert.Equal(t, types.CodeRateLimitExceeded, wsErr.Code)
	assert.Equal(t, types.LimitRequests, wsErr.Data["limit"])
	assert.Equal(t, 60.0, wsErr.Data["reset_seconds"])

	cs, err := st.GetCounters(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 0, counter(t, cs, types.LimitRequests).Remaining, "rejected message must not decrement")
}

func TestExpiredCounterResetsBeforeEvaluation(t *testing.T) {
	ctx := context.Background()
	l, st, clk := newLimiter(10)

	exhausted := types.NewCounter(types.LimitRequests, 10, time.Minute, clk.Now().Add(-2*time.Minute))
	exhausted.Remaining = 0
	require.NoError(t, st.PutCounter(ctx, "s1", exhausted))
	require.NoError(t, st.PutCounter(ctx, "s1", types.NewCounter(types.LimitTokens, 100, time.Minute, clk.Now())))
	require.True(t, exhausted.Expired(clk.Now()))

	cs, err := l.Check(ctx, "s1")
	require.NoError(t, err)
	req := counter(t, cs, types.LimitRequests)
	assert.Equal(t, 9, req.Remaining)
	assert.Equal(t, clk.Now().Add(time.Minute), req.Deadline())
}

func TestWindowRollover(t *testing.T) {
	ctx := context.Background()
	l, _, clk := newLimiter(1)

	_, err := l.Check(ctx, "s1")
	require.NoError(t, err)
	_, err = l.Check(ctx, "s1")
	require.Error(t, err)

	clk.Advance(59 * time.Second)
	_, err = l.Check(ctx, "s1")
	require.Error(t, err)

	clk.Advance(time.Second)
	_, err = l.Check(ctx, "s1")
	require.NoError(t, err)
}

func TestRemainingNeverNegative(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newLimiter(5)
	_, err := l.Seed(ctx, "s1")
	require.NoError(t, err)

	cs, err := l.Consume(ctx, "s1", types.LimitTokens, 500)
	require.NoError(t, err)
	assert.Equal(t, 0, counter(t, cs, types.LimitTokens).Remaining)

	_, err = l.Check(ctx, "s1")
	var wsErr *types.WebSocketError
	require.ErrorAs(t, err, &wsErr)
	assert.Equal(t, types.LimitTokens, wsErr.Data["limit"])

	for _, c := range cs {
		assert.GreaterOrEqual(t, c.Remaining, 0)
	}
}

func TestConsumeSeedsMissingCounters(t *testing.T) {
	l, _, _ := newLimiter(5)
	cs, err := l.Consume(context.Background(), "s2", types.LimitTokens, 40)
	require.NoError(t, err)
	assert.Equal(t, 60, counter(t, cs, types.LimitTokens).Remaining)
	assert.Equal(t, 5, counter(t, cs, types.LimitRequests).Remaining)
}

func TestDecrementKeepsDeadline(t *testing.T) {
	ctx := context.Background()
	l, _, clk := newLimiter(5)
	seeded, err := l.Seed(ctx, "s1")
	require.NoError(t, err)
	deadline := counter(t, seeded, types.LimitRequests).Deadline()

	clk.Advance(10 * time.Second)
	cs, err := l.Check(ctx, "s1")
	require.NoError(t, err)
	req := counter(t, cs, types.LimitRequests)
	assert.Equal(t, deadline, req.Deadline())
	assert.InDelta(t, 50, req.ResetSeconds, 1e-9)
}
