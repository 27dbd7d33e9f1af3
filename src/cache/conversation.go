package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/orchestra-mcp/realtime/src/store"
	"github.com/orchestra-mcp/realtime/src/types"
)

// ConversationTTL bounds how long an idle conversation is kept.
const ConversationTTL = 24 * time.Hour

// RedisConversations stores each session's items as a JSON list.
type RedisConversations struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisConversations wraps client. Lists live under prefix+"conversation:".
func NewRedisConversations(client *redis.Client, prefix string) *RedisConversations {
	return &RedisConversations{client: client, prefix: prefix + "conversation:", ttl: ConversationTTL}
}

func (r *RedisConversations) key(sessionID string) string { return r.prefix + sessionID }

func (r *RedisConversations) Append(ctx context.Context, sessionID string, item types.ConversationItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode item: %w", err)
	}
	key := r.key(sessionID)
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.RPush(ctx, key, data)
		p.Expire(ctx, key, r.ttl)
		return nil
	})
	return err
}

func (r *RedisConversations) List(ctx context.Context, sessionID string, limit int) ([]types.ConversationItem, error) {
	start := int64(0)
	if limit > 0 {
		start = -int64(limit)
	}
	raw, err := r.client.LRange(ctx, r.key(sessionID), start, -1).Result()
	if err != nil {
		return nil, err
	}
	return decodeItems(raw)
}

func (r *RedisConversations) TruncateFrom(ctx context.Context, sessionID, itemID string) (int, error) {
	key := r.key(sessionID)
	raw, err := r.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return 0, err
	}
	items, err := decodeItems(raw)
	if err != nil {
		return 0, err
	}
	for i, it := range items {
		if it.ID != itemID {
			continue
		}
		if i == 0 {
			err = r.client.Del(ctx, key).Err()
		} else {
			err = r.client.LTrim(ctx, key, 0, int64(i-1)).Err()
		}
		return len(items) - i, err
	}
	return 0, store.ErrNotFound
}

func (r *RedisConversations) Delete(ctx context.Context, sessionID, itemID string) error {
	key := r.key(sessionID)
	raw, err := r.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return err
	}
	for _, s := range raw {
		var it types.ConversationItem
		if err := json.Unmarshal([]byte(s), &it); err != nil {
			continue
		}
		if it.ID == itemID {
			return r.client.LRem(ctx, key, 1, s).Err()
		}
	}
	return store.ErrNotFound
}

func (r *RedisConversations) Clear(ctx context.Context, sessionID string) error {
	return r.client.Del(ctx, r.key(sessionID)).Err()
}

func decodeItems(raw []string) ([]types.ConversationItem, error) {
	out := make([]types.ConversationItem, 0, len(raw))
	for _, s := range raw {
		var it types.ConversationItem
		if err := json.Unmarshal([]byte(s), &it); err != nil {
			return nil, fmt.Errorf("decode item: %w", err)
		}
		out = append(out, it)
	}
	return out, nil
}
