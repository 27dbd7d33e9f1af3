package cache

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// Tiered serves reads from a short-lived local cache in front of a shared
// remote cache. Deletes are announced on the bus so peers drop local copies.
type Tiered struct {
	local    *MemoryCache
	remote   Cache
	bus      *InvalidationBus
	localTTL time.Duration
	logger   zerolog.Logger
}

// NewTiered creates a Tiered cache. A nil bus disables peer eviction.
func NewTiered(remote Cache, bus *InvalidationBus, localTTL time.Duration, logger zerolog.Logger) *Tiered {
	return &Tiered{
		local:    NewMemoryCache(),
		remote:   remote,
		bus:      bus,
		localTTL: localTTL,
		logger:   logger.With().Str("component", "tiered-cache").Logger(),
	}
}

// Start subscribes to peer evictions.
func (t *Tiered) Start() error {
	if t.bus == nil {
		return nil
	}
	return t.bus.Start(func(keys []string) {
		_ = t.local.Delete(context.Background(), keys...)
	})
}

// Stop unsubscribes from peer evictions.
func (t *Tiered) Stop() {
	if t.bus != nil {
		t.bus.Stop()
	}
}

func (t *Tiered) Get(ctx context.Context, key string) ([]byte, error) {
	if v, err := t.local.Get(ctx, key); err == nil {
		return v, nil
	}
	v, err := t.remote.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	_ = t.local.Set(ctx, key, v, t.localTTL)
	return v, nil
}

// Set overwrites key everywhere. Peers drop their local copies.
func (t *Tiered) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := t.remote.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	t.announce(ctx, key)
	return t.local.Set(ctx, key, value, t.localTTLFor(ttl))
}

// SetNX stores value only when the shared tier has no entry for key.
func (t *Tiered) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := t.remote.SetNX(ctx, key, value, ttl)
	if err != nil {
		return false, err
	}
	if !ok {
		_ = t.local.Delete(ctx, key)
		return false, nil
	}
	return true, t.local.Set(ctx, key, value, t.localTTLFor(ttl))
}

func (t *Tiered) localTTLFor(ttl time.Duration) time.Duration {
	if ttl > 0 && ttl < t.localTTL {
		return ttl
	}
	return t.localTTL
}

func (t *Tiered) announce(ctx context.Context, keys ...string) {
	if t.bus == nil {
		return
	}
	if err := t.bus.Publish(ctx, keys...); err != nil {
		t.logger.Warn().Err(err).Strs("keys", keys).Msg("failed to publish eviction")
	}
}

func (t *Tiered) Delete(ctx context.Context, keys ...string) error {
	_ = t.local.Delete(ctx, keys...)
	err := t.remote.Delete(ctx, keys...)
	if t.bus != nil {
		if pubErr := t.bus.Publish(ctx, keys...); pubErr != nil {
			t.logger.Warn().Err(pubErr).Strs("keys", keys).Msg("failed to publish eviction")
			err = errors.Join(err, pubErr)
		}
	}
	return err
}
