package notify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/presence-relay/internal/protocol"
)

type pushed struct {
	to      string
	payload protocol.NotificationReceived
}

type fakeRelay struct {
	online map[string]string
	pushes []pushed
}

func (f *fakeRelay) ConnOf(id string) (string, bool) {
	c, ok := f.online[id]
	return c, ok
}

func (f *fakeRelay) PushNotification(identityID string, p protocol.NotificationReceived) {
	f.pushes = append(f.pushes, pushed{to: identityID, payload: p})
}

func TestDeliver_TargetOnline(t *testing.T) {
	relay := &fakeRelay{online: map[string]string{"bob": "c2"}}
	d := NewDelivery(relay, relay, nil)

	n := New("alice", "bob", "hey", "mention")
	state := d.Deliver(n)

	assert.Equal(t, Delivered, state)
	assert.Equal(t, Delivered, n.State)
	require.Len(t, relay.pushes, 1)
	assert.Equal(t, "bob", relay.pushes[0].to)
	assert.Equal(t, n.ID, relay.pushes[0].payload.ID)
	assert.Equal(t, "alice", relay.pushes[0].payload.FromIdentity)
	assert.Equal(t, "mention", relay.pushes[0].payload.Type)
}

func TestDeliver_TargetOffline(t *testing.T) {
	relay := &fakeRelay{online: map[string]string{}}
	store := NewMemoryStore()
	d := NewDelivery(relay, relay, nil)

	n := New("alice", "bob", "hey", "info")
	state := d.Deliver(n)

	assert.Equal(t, Undeliverable, state)
	assert.Empty(t, relay.pushes)

	// The caller persists what could not be delivered.
	require.NoError(t, store.Save(context.Background(), n))
	pending, err := store.Pending(context.Background(), "bob")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, n.ID, pending[0].ID)
}

func TestFlush_CreationOrder(t *testing.T) {
	relay := &fakeRelay{}
	d := NewDelivery(relay, relay, nil)

	base := time.Now()
	older := &Notification{ID: "n1", To: "bob", CreatedAt: base}
	newer := &Notification{ID: "n2", To: "bob", CreatedAt: base.Add(time.Second)}

	ids := d.Flush("bob", []*Notification{newer, older})

	assert.Equal(t, []string{"n1", "n2"}, ids)
	require.Len(t, relay.pushes, 2)
	assert.Equal(t, "n1", relay.pushes[0].payload.ID)
	assert.Equal(t, "bob", relay.pushes[1].to)
	assert.Equal(t, Delivered, older.State)
}

func TestFlush_Empty(t *testing.T) {
	relay := &fakeRelay{}
	d := NewDelivery(relay, relay, nil)

	assert.Nil(t, d.Flush("bob", nil))
	assert.Empty(t, relay.pushes)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "pending", Pending.String())
	assert.Equal(t, "delivered", Delivered.String())
	assert.Equal(t, "undeliverable", Undeliverable.String())
	assert.Equal(t, "unknown", State(42).String())
}
