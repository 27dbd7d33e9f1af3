// Package ratelimit admits or rejects inbound messages per session.
//
// Counters reset lazily: an expired counter is restored to its limit the next
// time it is checked, before it is evaluated. Check-then-decrement is not
// atomic across concurrent callers; a small overshoot near the boundary is
// tolerated.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/orchestra-mcp/realtime/src/metrics"
	"github.com/orchestra-mcp/realtime/src/store"
	"github.com/orchestra-mcp/realtime/src/types"
)

// Policy is the configured limit for one counter name.
type Policy struct {
	Name   string
	Limit  int
	Window time.Duration
}

// DefaultPolicies mirrors the default REALTIME_RATE_LIMIT_* settings.
func DefaultPolicies() []Policy {
	return []Policy{
		{Name: types.LimitRequests, Limit: 1000, Window: time.Minute},
		{Name: types.LimitTokens, Limit: 50000, Window: time.Minute},
	}
}

// Limiter evaluates per-session counters held in a RateLimitStore.
type Limiter struct {
	store    store.RateLimitStore
	policies []Policy
	now      func() time.Time
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the clock used to evaluate deadlines.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithMetrics records rejections on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Limiter) { l.metrics = m }
}

// New creates a Limiter enforcing policies.
func New(st store.RateLimitStore, policies []Policy, logger zerolog.Logger, opts ...Option) *Limiter {
	l := &Limiter{
		store:    st,
		policies: policies,
		now:      time.Now,
		logger:   logger.With().Str("component", "rate-limiter").Logger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Seed writes every policy's counter at full limit for id.
func (l *Limiter) Seed(ctx context.Context, id string) ([]types.RateLimitCounter, error) {
	now := l.now()
	out := make([]types.RateLimitCounter, 0, len(l.policies))
	for _, p := range l.policies {
		c := types.NewCounter(p.Name, p.Limit, p.Window, now)
		if err := l.store.PutCounter(ctx, id, c); err != nil {
			return nil, fmt.Errorf("seed %s counter: %w", p.Name, err)
		}
		out = append(out, c)
	}
	return out, nil
}

// Check admits one message for id. Expired counters are reset first; if any
// counter is then exhausted the message is rejected with CodeRateLimitExceeded.
// On admission the requests counter is decremented by one.
func (l *Limiter) Check(ctx context.Context, id string) ([]types.RateLimitCounter, error) {
	counters, err := l.store.GetCounters(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("read counters: %w", err)
	}
	counters, err = l.seedMissing(ctx, id, counters)
	if err != nil {
		return nil, err
	}

	now := l.now()
	for i, c := range counters {
		if !c.Expired(now) {
			continue
		}
		reset, err := l.store.Reset(ctx, id, c.Name)
		if err != nil {
			return nil, fmt.Errorf("reset %s counter: %w", c.Name, err)
		}
		l.logger.Debug().Str("session_id", id).Str("limit", c.Name).Msg("counter reset")
		counters[i] = reset
	}

	for _, c := range counters {
		if c.Remaining > 0 {
			continue
		}
		l.metrics.RateLimitHit(c.Name)
		return counters, types.Errorf(types.CodeRateLimitExceeded, "rate limit exceeded for %s", c.Name).
			WithData("limit", c.Name).
			WithData("reset_seconds", c.ResetIn(now))
	}

	for i, c := range counters {
		if c.Name != types.LimitRequests {
			continue
		}
		dec, err := l.store.Decrement(ctx, id, c.Name, 1)
		if err != nil {
			return nil, fmt.Errorf("decrement %s counter: %w", c.Name, err)
		}
		counters[i] = dec
	}
	return counters, nil
}

// Consume takes n units from the named counter, clamped at zero, and returns
// every counter for id.
func (l *Limiter) Consume(ctx context.Context, id, name string, n int) ([]types.RateLimitCounter, error) {
	if n > 0 {
		_, err := l.store.Decrement(ctx, id, name, n)
		if errors.Is(err, store.ErrNotFound) {
			if _, err := l.Seed(ctx, id); err != nil {
				return nil, err
			}
			_, err = l.store.Decrement(ctx, id, name, n)
		}
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("consume %s: %w", name, err)
		}
	}
	return l.store.GetCounters(ctx, id)
}

// seedMissing creates counters for policies that have none yet.
func (l *Limiter) seedMissing(ctx context.Context, id string, counters []types.RateLimitCounter) ([]types.RateLimitCounter, error) {
	have := make(map[string]struct{}, len(counters))
	for _, c := range counters {
		have[c.Name] = struct{}{}
	}
	now := l.now()
	for _, p := range l.policies {
		if _, ok := have[p.Name]; ok {
			continue
		}
		c := types.NewCounter(p.Name, p.Limit, p.Window, now)
		if err := l.store.PutCounter(ctx, id, c); err != nil {
			return nil, fmt.Errorf("seed %s counter: %w", p.Name, err)
		}
		counters = append(counters, c)
	}
	return counters, nil
}
