// Package session mirrors the local presence registry into Redis so that
// other relay instances and operators can see who is online where.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// PresencePrefix is the Redis key prefix for per-identity presence hashes.
	PresencePrefix = "presence:"

	// ServerPrefix is the Redis key prefix for the per-server identity sets.
	ServerPrefix = "presence-server:"

	// PresenceTTL bounds how long a mirror entry outlives a crashed server.
	PresenceTTL = 1 * time.Hour
)

// Record is the mirrored presence state of one identity.
type Record struct {
	Identity string `redis:"identity"`
	Name     string `redis:"name"`
	ConnID   string `redis:"conn_id"` // authoritative connection on Server
	Server   string `redis:"server"`  // which relay instance
	Since    int64  `redis:"since"`   // unix timestamp
}

// offlineScript deletes the presence hash only when it still names the given
// connection, so a late offline from a replaced connection cannot remove the
// entry written by its successor.
var offlineScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], "conn_id") == ARGV[1] then
	redis.call("DEL", KEYS[1])
	redis.call("SREM", KEYS[2], ARGV[2])
	return 1
end
return 0
`)

// Store manages mirrored presence in Redis.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this relay instance
}

// NewStore creates a new presence mirror connected to Redis.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	// Verify connection.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return &Store{client: client, serverName: serverName}, nil
}

// Online records identity as reachable through connID on this server.
func (s *Store) Online(ctx context.Context, identity, name, connID string) error {
	key := PresencePrefix + identity
	setKey := ServerPrefix + s.serverName

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"identity": identity,
		"name":     name,
		"conn_id":  connID,
		"server":   s.serverName,
		"since":    time.Now().Unix(),
	})
	pipe.Expire(ctx, key, PresenceTTL)
	pipe.SAdd(ctx, setKey, identity)
	pipe.Expire(ctx, setKey, PresenceTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: online %s: %w", identity, err)
	}
	return nil
}

// Offline removes the entry for identity if it still belongs to connID. It
// reports whether an entry was removed.
func (s *Store) Offline(ctx context.Context, identity, connID string) (bool, error) {
	keys := []string{PresencePrefix + identity, ServerPrefix + s.serverName}
	n, err := offlineScript.Run(ctx, s.client, keys, connID, identity).Int()
	if err != nil {
		return false, fmt.Errorf("session: offline %s: %w", identity, err)
	}
	return n == 1, nil
}

// Get retrieves the mirrored record for identity. Returns nil if not found.
func (s *Store) Get(ctx context.Context, identity string) (*Record, error) {
	var rec Record
	if err := s.client.HGetAll(ctx, PresencePrefix+identity).Scan(&rec); err != nil {
		return nil, fmt.Errorf("session: get %s: %w", identity, err)
	}
	if rec.Identity == "" {
		return nil, nil // not found
	}
	return &rec, nil
}

// Count returns the number of identities mirrored by the named server.
func (s *Store) Count(ctx context.Context, server string) (int64, error) {
	n, err := s.client.SCard(ctx, ServerPrefix+server).Result()
	if err != nil {
		return 0, fmt.Errorf("session: count %s: %w", server, err)
	}
	return n, nil
}

// Purge removes every entry this server mirrored. It is called on shutdown.
func (s *Store) Purge(ctx context.Context) error {
	setKey := ServerPrefix + s.serverName
	members, err := s.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return fmt.Errorf("session: purge: %w", err)
	}

	pipe := s.client.Pipeline()
	for _, identity := range members {
		pipe.Del(ctx, PresencePrefix+identity)
	}
	pipe.Del(ctx, setKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: purge: %w", err)
	}
	return nil
}

// ServerName returns the identifier of this relay instance.
func (s *Store) ServerName() string {
	return s.serverName
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
