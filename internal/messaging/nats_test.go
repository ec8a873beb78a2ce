package messaging

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) *NATSClient {
	t.Helper()

	cfg := DefaultNATSConfig()
	cfg.MaxReconnects = 0
	c, err := NewNATSClient(cfg, nil)
	if err != nil {
		t.Skipf("skipping: NATS not available at %s: %v", cfg.URL, err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestPublishPresence(t *testing.T) {
	c := newTestClient(t)

	got := make(chan PresenceEvent, 1)
	require.NoError(t, c.Subscribe(SubjectPresence, func(msg *nats.Msg) {
		var ev PresenceEvent
		if json.Unmarshal(msg.Data, &ev) == nil {
			got <- ev
		}
	}))
	require.NoError(t, c.conn.Flush())

	want := PresenceEvent{Server: "relay-1", Identity: "alice", Status: "online", At: 1}
	require.NoError(t, c.PublishPresence(want))

	select {
	case ev := <-got:
		assert.Equal(t, want, ev)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for presence event")
	}
}

func TestSubscribeDeliver_DropsMalformed(t *testing.T) {
	c := newTestClient(t)

	got := make(chan NotificationEvent, 2)
	require.NoError(t, c.SubscribeDeliver(func(ev NotificationEvent) { got <- ev }))
	require.NoError(t, c.conn.Flush())

	require.NoError(t, c.Publish(SubjectDeliver, []byte("not json")))
	data, err := json.Marshal(NotificationEvent{From: "billing", To: "bob", Message: "paid", Type: "info"})
	require.NoError(t, err)
	require.NoError(t, c.Publish(SubjectDeliver, data))

	select {
	case ev := <-got:
		assert.Equal(t, "bob", ev.To)
		assert.Equal(t, "paid", ev.Message)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for deliver event")
	}
}

func TestUnsubscribe_Unknown(t *testing.T) {
	c := newTestClient(t)
	assert.Error(t, c.Unsubscribe("nope"))
}
