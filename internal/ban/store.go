// Package ban keeps the identity blocklist consulted by the connection
// gateway. Ban records are plain Redis keys with TTL-based expiry:
//
//	Key:   ban:<identity>
//	Value: <reason>
//	TTL:   ban duration
package ban

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// BanPrefix is the Redis key prefix for ban records.
	BanPrefix = "ban:"

	// OffensesPrefix is the Redis key prefix for the escalation counter.
	OffensesPrefix = "offenses:"

	// Escalating ban durations.
	Ban15Min  = 15 * time.Minute // 1st offense
	Ban1Hour  = 1 * time.Hour    // 2nd offense
	Ban24Hour = 24 * time.Hour   // 3rd+ offense

	// OffensesTTL is how long the offense counter lives in Redis.
	// After 24h without new offenses the counter resets to zero.
	OffensesTTL = 24 * time.Hour
)

// Store manages ban records in Redis.
type Store struct {
	client *redis.Client
}

// NewStore creates a new ban store using the provided Redis client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// IsBanned checks if an identity is currently banned.
// Returns (isBanned, remainingSeconds, reason, error). Redis errors are
// returned so callers can decide how to handle them; the gateway fails open.
func (s *Store) IsBanned(ctx context.Context, identity string) (bool, int, string, error) {
	key := BanPrefix + identity

	reason, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return false, 0, "", nil
	}
	if err != nil {
		return false, 0, "", err
	}

	ttl, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		// The ban exists but the TTL is unreadable. Report banned with 0
		// remaining rather than swallowing the ban.
		return true, 0, reason, nil
	}

	remaining := 0
	if ttl > 0 {
		remaining = int(ttl.Seconds())
	}

	return true, remaining, reason, nil
}

// Ban bans an identity for the given duration.
func (s *Store) Ban(ctx context.Context, identity string, duration time.Duration, reason string) error {
	key := BanPrefix + identity
	return s.client.Set(ctx, key, reason, duration).Err()
}

// Unban removes a ban immediately. The offense counter is left alone.
func (s *Store) Unban(ctx context.Context, identity string) error {
	key := BanPrefix + identity
	return s.client.Del(ctx, key).Err()
}

// escalationDuration returns the ban duration for a given offense count.
func escalationDuration(offenseCount int) time.Duration {
	switch {
	case offenseCount <= 1:
		return Ban15Min
	case offenseCount == 2:
		return Ban1Hour
	default:
		return Ban24Hour
	}
}

// Escalate increments the offense counter for an identity and bans it for a
// duration that grows with the number of offenses:
//
//	1st offense  -> 15 minutes
//	2nd offense  -> 1 hour
//	3rd+ offense -> 24 hours
//
// Returns the ban duration that was applied.
func (s *Store) Escalate(ctx context.Context, identity string, reason string) (time.Duration, error) {
	key := OffensesPrefix + identity

	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("ban: escalate incr: %w", err)
	}

	// TTL only on first increment so the window doesn't slide.
	if count == 1 {
		if err := s.client.Expire(ctx, key, OffensesTTL).Err(); err != nil {
			return 0, fmt.Errorf("ban: escalate expire: %w", err)
		}
	}

	duration := escalationDuration(int(count))
	if err := s.Ban(ctx, identity, duration, reason); err != nil {
		return 0, fmt.Errorf("ban: escalate ban: %w", err)
	}

	return duration, nil
}
