package presence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/presence-relay/internal/auth"
)

func ident(id string) auth.Identity {
	return auth.Identity{ID: id, Name: id}
}

func ids(entries []Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Identity.ID)
	}
	return out
}

func TestRegister_SnapshotInInsertionOrder(t *testing.T) {
	r := NewRegistry()
	r.Register(ident("carol"), "c1")
	r.Register(ident("alice"), "a1")
	r.Register(ident("bob"), "b1")

	assert.Equal(t, []string{"carol", "alice", "bob"}, ids(r.Snapshot()))
	assert.Equal(t, 3, r.Len())
}

func TestRegisterDeregister_RestoresSnapshot(t *testing.T) {
	r := NewRegistry()
	r.Register(ident("alice"), "a1")
	r.Register(ident("bob"), "b1")
	before := ids(r.Snapshot())

	assert.Nil(t, r.Register(ident("carol"), "c1"))
	removed := r.Deregister("carol")
	require.NotNil(t, removed)
	assert.Equal(t, "c1", removed.ConnID)

	assert.Equal(t, before, ids(r.Snapshot()))
}

func TestRegister_ReplacesExistingEntry(t *testing.T) {
	r := NewRegistry()
	r.Register(ident("alice"), "a1")
	r.Register(ident("bob"), "b1")

	prev := r.Register(ident("alice"), "a2")
	require.NotNil(t, prev)
	assert.Equal(t, "a1", prev.ConnID)

	assert.Equal(t, 2, r.Len())
	assert.Equal(t, []string{"alice", "bob"}, ids(r.Snapshot()))

	conn, ok := r.ConnOf("alice")
	require.True(t, ok)
	assert.Equal(t, "a2", conn)
}

func TestDeregister_Unknown(t *testing.T) {
	r := NewRegistry()
	assert.Nil(t, r.Deregister("nobody"))

	_, ok := r.Lookup("nobody")
	assert.False(t, ok)
}

func TestSnapshot_IsACopy(t *testing.T) {
	r := NewRegistry()
	r.Register(ident("alice"), "a1")

	snap := r.Snapshot()
	snap[0].ConnID = "mutated"

	e, ok := r.Lookup("alice")
	require.True(t, ok)
	assert.Equal(t, "a1", e.ConnID)
}

func TestReset(t *testing.T) {
	r := NewRegistry()
	r.Register(ident("alice"), "a1")
	r.Register(ident("bob"), "b1")

	r.Reset()
	assert.Zero(t, r.Len())
	assert.Empty(t, r.Snapshot())
}
