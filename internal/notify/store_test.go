package notify

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exerciseStore runs the behaviour every Store must share.
func exerciseStore(t *testing.T, s Store, identity string) {
	t.Helper()
	ctx := context.Background()

	base := time.Now().Truncate(time.Millisecond)
	for i := 0; i < 3; i++ {
		n := &Notification{
			ID:        fmt.Sprintf("%s-n%d", identity, i),
			From:      "alice",
			To:        identity,
			Message:   fmt.Sprintf("msg %d", i),
			Type:      "info",
			CreatedAt: base.Add(time.Duration(i) * time.Second),
			State:     Undeliverable,
		}
		require.NoError(t, s.Save(ctx, n))
	}

	pending, err := s.Pending(ctx, identity)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	for i, n := range pending {
		assert.Equal(t, fmt.Sprintf("%s-n%d", identity, i), n.ID)
		assert.Equal(t, "alice", n.From)
	}

	require.NoError(t, s.MarkDelivered(ctx, identity, []string{pending[0].ID, pending[2].ID}))
	pending, err = s.Pending(ctx, identity)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, identity+"-n1", pending[0].ID)

	require.NoError(t, s.MarkDelivered(ctx, identity, []string{identity + "-n1"}))
	require.NoError(t, s.MarkDelivered(ctx, identity, nil))
	pending, err = s.Pending(ctx, identity)
	require.NoError(t, err)
	assert.Empty(t, pending)

	pending, err = s.Pending(ctx, "nobody-"+identity)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore(), "bob")
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	n := New("alice", "bob", "hey", "info")
	require.NoError(t, s.Save(ctx, n))

	n.Message = "changed"
	pending, err := s.Pending(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "hey", pending[0].Message)
}

func TestRedisStore(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("skipping: Redis not available at localhost:6379: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	identity := fmt.Sprintf("test-redis-%d", time.Now().UnixNano())
	t.Cleanup(func() { client.Del(context.Background(), PendingPrefix+identity) })

	exerciseStore(t, NewRedisStore(client), identity)
}

func TestPostgresStore(t *testing.T) {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("skipping: TEST_DATABASE_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s, err := OpenPostgres(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	// Re-running migrations is a no-op.
	require.NoError(t, Migrate(ctx, s.db))

	identity := fmt.Sprintf("test-pg-%d", time.Now().UnixNano())
	exerciseStore(t, s, identity)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, StoreOptions{})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	_, err = Open(ctx, StoreOptions{Kind: StoreRedis})
	assert.Error(t, err)

	_, err = Open(ctx, StoreOptions{Kind: StorePostgres})
	assert.Error(t, err)

	_, err = Open(ctx, StoreOptions{Kind: "cassandra"})
	assert.True(t, errors.Is(err, ErrUnknownStore))
}
