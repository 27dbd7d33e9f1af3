package cache

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// invalidation wraps evicted keys with the originating instance ID
// so that a node can skip its own published evictions.
type invalidation struct {
	InstanceID string   `json:"instance_id"`
	Keys       []string `json:"keys"`
}

// InvalidationBus relays cache evictions between server instances via Redis pub/sub.
type InvalidationBus struct {
	client     *redis.Client
	channel    string
	instanceID string
	logger     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex
	active bool
}

// NewInvalidationBus creates a bus publishing on prefix+"invalidate".
func NewInvalidationBus(client *redis.Client, prefix string, logger zerolog.Logger) *InvalidationBus {
	ctx, cancel := context.WithCancel(context.Background())
	return &InvalidationBus{
		client:     client,
		channel:    prefix + "invalidate",
		instanceID: uuid.New().String(),
		logger:     logger.With().Str("component", "cache-invalidation").Logger(),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start subscribes to the channel and calls onEvict for evictions from other instances.
func (b *InvalidationBus) Start(onEvict func(keys []string)) error {
	sub := b.client.Subscribe(b.ctx, b.channel)

	// Wait for subscription confirmation.
	if _, err := sub.Receive(b.ctx); err != nil {
		sub.Close()
		return err
	}

	b.mu.Lock()
	b.active = true
	b.mu.Unlock()

	b.wg.Add(1)
	go b.listen(sub, onEvict)

	b.logger.Info().
		Str("instance_id", b.instanceID).
		Str("channel", b.channel).
		Msg("cache invalidation started")
	return nil
}

// Publish announces evicted keys to all other instances.
func (b *InvalidationBus) Publish(ctx context.Context, keys ...string) error {
	data, err := json.Marshal(invalidation{InstanceID: b.instanceID, Keys: keys})
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, data).Err()
}

// Stop unsubscribes. The Redis client is owned by the caller.
func (b *InvalidationBus) Stop() {
	b.mu.Lock()
	b.active = false
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
}

// Available reports whether the bus is subscribed.
func (b *InvalidationBus) Available() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.active
}

func (b *InvalidationBus) listen(sub *redis.PubSub, onEvict func(keys []string)) {
	defer b.wg.Done()
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.handle(msg, onEvict)
		case <-b.ctx.Done():
			return
		}
	}
}

func (b *InvalidationBus) handle(msg *redis.Message, onEvict func(keys []string)) {
	var inv invalidation
	if err := json.Unmarshal([]byte(msg.Payload), &inv); err != nil {
		b.logger.Error().Err(err).Msg("failed to decode invalidation")
		return
	}
	if inv.InstanceID == b.instanceID {
		return
	}
	b.logger.Debug().
		Str("from_instance", inv.InstanceID).
		Strs("keys", inv.Keys).
		Msg("evicting keys from peer")
	onEvict(inv.Keys)
}
