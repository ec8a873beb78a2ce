package router

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/presence-relay/internal/auth"
	"github.com/whisper/presence-relay/internal/protocol"
)

type sent struct {
	conns []string
	env   protocol.Envelope
}

// recordingSender captures every fan-out in order.
type recordingSender struct {
	frames []sent
}

func (s *recordingSender) SendTo(connIDs []string, frame []byte) {
	env, err := protocol.ParseEnvelope(frame)
	if err != nil {
		panic(err)
	}
	s.frames = append(s.frames, sent{conns: append([]string(nil), connIDs...), env: env})
}

func alice() Source {
	return Source{ConnID: "c1", Identity: auth.Identity{ID: "alice", Name: "Alice"}}
}

func TestDispatch_BroadcastsByRoute(t *testing.T) {
	out := &recordingSender{}
	r := New(newDirectory(), out, nil)

	var got protocol.ClientEvent
	r.Register(protocol.EventMessageSend, func(src Source, ev protocol.ClientEvent) (*Outbound, error) {
		got = ev
		m := ev.(protocol.MessageSend)
		return &Outbound{
			Scope:   Scope{RoomID: m.RoomID},
			Payload: protocol.MessageReceived{FromIdentity: src.Identity.ID, Text: m.Text, RoomID: m.RoomID},
		}, nil
	})

	r.Dispatch(alice(), env(t, protocol.EventMessageSend, map[string]any{"text": "hi", "roomId": "general"}))

	assert.Equal(t, protocol.MessageSend{Text: "hi", RoomID: "general"}, got)
	require.Len(t, out.frames, 1)
	assert.Equal(t, []string{"c1", "c2"}, out.frames[0].conns)
	assert.Equal(t, protocol.EventMessageReceived, out.frames[0].env.Event)
}

func TestDispatch_ExceptSenderUsesSourceConn(t *testing.T) {
	out := &recordingSender{}
	r := New(newDirectory(), out, nil)
	r.Register(protocol.EventTypingSet, func(src Source, ev protocol.ClientEvent) (*Outbound, error) {
		return &Outbound{Payload: protocol.TypingChanged{Identity: src.Identity.ID, IsTyping: true}}, nil
	})

	r.Dispatch(alice(), env(t, protocol.EventTypingSet, map[string]any{"isTyping": true}))

	require.Len(t, out.frames, 1)
	assert.Equal(t, []string{"c2", "c3"}, out.frames[0].conns)
}

func TestDispatch_InvalidPayloadRepliesToSenderOnly(t *testing.T) {
	out := &recordingSender{}
	r := New(newDirectory(), out, nil)
	called := false
	r.Register(protocol.EventMessageSend, func(Source, protocol.ClientEvent) (*Outbound, error) {
		called = true
		return nil, nil
	})

	r.Dispatch(alice(), env(t, protocol.EventMessageSend, map[string]any{"text": ""}))

	assert.False(t, called)
	require.Len(t, out.frames, 1)
	assert.Equal(t, []string{"c1"}, out.frames[0].conns)
	assert.Equal(t, protocol.EventError, out.frames[0].env.Event)
	assert.Contains(t, string(out.frames[0].env.Data), CodeInvalidText)
}

func TestDispatch_UnregisteredEvent(t *testing.T) {
	out := &recordingSender{}
	r := New(newDirectory(), out, nil)

	r.Dispatch(alice(), env(t, protocol.EventPing, nil))

	require.Len(t, out.frames, 1)
	assert.Equal(t, protocol.EventError, out.frames[0].env.Event)
	assert.Contains(t, string(out.frames[0].env.Data), CodeUnsupportedEvent)
}

func TestDispatch_HandlerErrors(t *testing.T) {
	out := &recordingSender{}
	r := New(newDirectory(), out, nil)
	r.Register(protocol.EventRoomJoin, func(Source, protocol.ClientEvent) (*Outbound, error) {
		return nil, NewValidationError(protocol.EventRoomJoin, CodeNotInRoom, "nope")
	})
	r.Register(protocol.EventRoomLeave, func(Source, protocol.ClientEvent) (*Outbound, error) {
		return nil, errors.New("boom")
	})

	r.Dispatch(alice(), env(t, protocol.EventRoomJoin, map[string]any{"roomId": "general"}))
	r.Dispatch(alice(), env(t, protocol.EventRoomLeave, map[string]any{"roomId": "general"}))

	require.Len(t, out.frames, 2)
	assert.Contains(t, string(out.frames[0].env.Data), CodeNotInRoom)
	assert.Contains(t, string(out.frames[1].env.Data), CodeInternal)
	assert.NotContains(t, string(out.frames[1].env.Data), "boom")
	for _, f := range out.frames {
		assert.Equal(t, []string{"c1"}, f.conns)
	}
}

func TestDispatch_NilOutboundSendsNothing(t *testing.T) {
	out := &recordingSender{}
	r := New(newDirectory(), out, nil)
	r.Register(protocol.EventPing, func(Source, protocol.ClientEvent) (*Outbound, error) {
		return nil, nil
	})

	r.Dispatch(alice(), env(t, protocol.EventPing, nil))

	assert.Empty(t, out.frames)
}

func TestDispatch_ThenRunsAfterFanOut(t *testing.T) {
	out := &recordingSender{}
	r := New(newDirectory(), out, nil)

	var framesAtThen int
	r.Register(protocol.EventRoomLeave, func(Source, protocol.ClientEvent) (*Outbound, error) {
		return &Outbound{
			Scope:   Scope{RoomID: "general"},
			Payload: protocol.RoomEventMsg{Type: protocol.RoomLeft, Identity: "alice", RoomID: "general"},
			Then:    func() { framesAtThen = len(out.frames) },
		}, nil
	})

	r.Dispatch(alice(), env(t, protocol.EventRoomLeave, map[string]any{"roomId": "general"}))

	assert.Equal(t, 1, framesAtThen)
}

func TestBroadcast_NoRecipients(t *testing.T) {
	out := &recordingSender{}
	r := New(newDirectory(), out, nil)

	n := r.Broadcast(protocol.EventNotificationReceived, PolicyTarget, Scope{Target: "nobody"}, protocol.NotificationReceived{})

	assert.Zero(t, n)
	assert.Empty(t, out.frames)
}

func TestRegister_PanicsWithoutRoute(t *testing.T) {
	r := New(newDirectory(), &recordingSender{}, nil)
	assert.Panics(t, func() {
		r.Register(protocol.EventPong, func(Source, protocol.ClientEvent) (*Outbound, error) { return nil, nil })
	})
}
