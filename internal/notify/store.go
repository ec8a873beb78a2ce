package notify

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Store kinds accepted by Open.
const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

// StoreOptions selects and configures a Store.
type StoreOptions struct {
	Kind        string
	Redis       *redis.Client // required for StoreRedis
	DatabaseURL string        // required for StorePostgres
}

// Open builds the Store named by opts.Kind.
func Open(ctx context.Context, opts StoreOptions) (Store, error) {
	switch opts.Kind {
	case "", StoreMemory:
		return NewMemoryStore(), nil
	case StoreRedis:
		if opts.Redis == nil {
			return nil, fmt.Errorf("notify: redis store requires a redis client")
		}
		return NewRedisStore(opts.Redis), nil
	case StorePostgres:
		if opts.DatabaseURL == "" {
			return nil, fmt.Errorf("notify: postgres store requires a database url")
		}
		return OpenPostgres(ctx, opts.DatabaseURL)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStore, opts.Kind)
	}
}
