package session

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	server := fmt.Sprintf("test-relay-%d", time.Now().UnixNano())
	s, err := NewStore("localhost:6379", server)
	if err != nil {
		t.Skipf("skipping: Redis not available at localhost:6379: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Purge(context.Background())
		s.Close()
	})
	return s
}

func TestOnlineOffline(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := fmt.Sprintf("alice-%d", time.Now().UnixNano())

	require.NoError(t, s.Online(ctx, id, "Alice", "c1"))

	rec, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "Alice", rec.Name)
	assert.Equal(t, "c1", rec.ConnID)
	assert.Equal(t, s.ServerName(), rec.Server)

	n, err := s.Count(ctx, s.ServerName())
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	removed, err := s.Offline(ctx, id, "c1")
	require.NoError(t, err)
	assert.True(t, removed)

	rec, err = s.Get(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, rec)

	n, err = s.Count(ctx, s.ServerName())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestOffline_IgnoresReplacedConnection(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := fmt.Sprintf("bob-%d", time.Now().UnixNano())

	require.NoError(t, s.Online(ctx, id, "Bob", "old"))
	require.NoError(t, s.Online(ctx, id, "Bob", "new"))

	removed, err := s.Offline(ctx, id, "old")
	require.NoError(t, err)
	assert.False(t, removed)

	rec, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "new", rec.ConnID)
}

func TestPurge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := fmt.Sprintf("a-%d", time.Now().UnixNano())
	b := fmt.Sprintf("b-%d", time.Now().UnixNano())

	require.NoError(t, s.Online(ctx, a, "", "c1"))
	require.NoError(t, s.Online(ctx, b, "", "c2"))
	require.NoError(t, s.Purge(ctx))

	for _, id := range []string{a, b} {
		rec, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Nil(t, rec)
	}
}
