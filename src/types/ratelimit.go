package types

import (
	"math"
	"time"
)

// Counter names.
const (
	LimitRequests = "requests"
	LimitTokens   = "tokens"
)

// RateLimitCounter is one named limit for a session.
// The reset deadline is UpdatedAt plus ResetSeconds.
type RateLimitCounter struct {
	Name         string        `json:"name"`
	Limit        int           `json:"limit"`
	Remaining    int           `json:"remaining"`
	ResetSeconds float64       `json:"reset_seconds"`
	Window       time.Duration `json:"-"`
	UpdatedAt    time.Time     `json:"-"`
}

// NewCounter returns a full counter whose window starts at now.
func NewCounter(name string, limit int, window time.Duration, now time.Time) RateLimitCounter {
	return RateLimitCounter{
		Name:         name,
		Limit:        limit,
		Remaining:    limit,
		ResetSeconds: window.Seconds(),
		Window:       window,
		UpdatedAt:    now.UTC(),
	}
}

// Deadline is the instant the counter resets.
func (c RateLimitCounter) Deadline() time.Time {
	return c.UpdatedAt.Add(time.Duration(c.ResetSeconds * float64(time.Second)))
}

// Expired reports whether the deadline has passed at now.
func (c RateLimitCounter) Expired(now time.Time) bool {
	return !now.Before(c.Deadline())
}

// ResetIn returns the whole seconds until the deadline, never negative.
func (c RateLimitCounter) ResetIn(now time.Time) float64 {
	d := c.Deadline().Sub(now).Seconds()
	if d < 0 {
		return 0
	}
	return math.Ceil(d)
}

// Reset restores the counter to its limit with a fresh window.
func (c RateLimitCounter) Reset(now time.Time) RateLimitCounter {
	c.Remaining = c.Limit
	c.ResetSeconds = c.Window.Seconds()
	c.UpdatedAt = now.UTC()
	return c
}

// Decrement takes n units, clamping at zero. The deadline is unchanged.
func (c RateLimitCounter) Decrement(n int, now time.Time) RateLimitCounter {
	deadline := c.Deadline()
	c.Remaining -= n
	if c.Remaining < 0 {
		c.Remaining = 0
	}
	now = now.UTC()
	c.ResetSeconds = deadline.Sub(now).Seconds()
	if c.ResetSeconds < 0 {
		c.ResetSeconds = 0
	}
	c.UpdatedAt = now
	return c
}
