package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// PendingPrefix is the Redis key prefix for per-identity pending hashes.
	PendingPrefix = "notifications:"

	// PendingTTL bounds how long an undelivered notification is kept.
	PendingTTL = 7 * 24 * time.Hour
)

// RedisStore keeps undelivered notifications in one hash per identity,
// field = notification id, value = JSON.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a store on an existing Redis client. The client is
// shared and is not closed by Close.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Save(ctx context.Context, n *Notification) error {
	raw, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("notify: marshal: %w", err)
	}

	key := PendingPrefix + n.To
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, n.ID, raw)
	pipe.Expire(ctx, key, PendingTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("notify: save %s: %w", n.ID, err)
	}
	return nil
}

func (s *RedisStore) Pending(ctx context.Context, identity string) ([]*Notification, error) {
	vals, err := s.client.HGetAll(ctx, PendingPrefix+identity).Result()
	if err != nil {
		return nil, fmt.Errorf("notify: pending %s: %w", identity, err)
	}

	out := make([]*Notification, 0, len(vals))
	for id, raw := range vals {
		var n Notification
		if err := json.Unmarshal([]byte(raw), &n); err != nil {
			return nil, fmt.Errorf("notify: decode %s: %w", id, err)
		}
		out = append(out, &n)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *RedisStore) MarkDelivered(ctx context.Context, identity string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.client.HDel(ctx, PendingPrefix+identity, ids...).Err(); err != nil {
		return fmt.Errorf("notify: mark delivered %s: %w", identity, err)
	}
	return nil
}

func (s *RedisStore) Close() error { return nil }
