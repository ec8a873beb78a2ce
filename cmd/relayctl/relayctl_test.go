package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/presence-relay/internal/protocol"
)

func TestParseLine(t *testing.T) {
	scope := "lobby"
	joined := []string{"lobby"}

	ev, err := parseLine("hello there", &scope, &joined)
	require.NoError(t, err)
	assert.Equal(t, protocol.MessageSend{Text: "hello there", RoomID: "lobby"}, ev)

	ev, err = parseLine("/join dev", &scope, &joined)
	require.NoError(t, err)
	assert.Equal(t, protocol.RoomJoin{RoomID: "dev"}, ev)
	assert.Equal(t, "dev", scope)
	assert.Equal(t, []string{"lobby", "dev"}, joined)

	ev, err = parseLine("/leave dev", &scope, &joined)
	require.NoError(t, err)
	assert.Equal(t, protocol.RoomLeave{RoomID: "dev"}, ev)
	assert.Equal(t, "", scope)
	assert.Equal(t, []string{"lobby"}, joined)

	ev, err = parseLine("/to", &scope, &joined)
	require.NoError(t, err)
	assert.Nil(t, ev)

	ev, err = parseLine("/notify bob mention look at this", &scope, &joined)
	require.NoError(t, err)
	assert.Equal(t, protocol.NotificationSend{ToIdentity: "bob", Type: "mention", Message: "look at this"}, ev)

	ev, err = parseLine("/who", &scope, &joined)
	require.NoError(t, err)
	assert.Equal(t, protocol.PresenceQuery{}, ev)

	_, err = parseLine("/notify bob", &scope, &joined)
	assert.Error(t, err)
	_, err = parseLine("/dance", &scope, &joined)
	assert.Error(t, err)

	ev, err = parseLine("   ", &scope, &joined)
	require.NoError(t, err)
	assert.Nil(t, ev)
}

func TestSplitRooms(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, splitRooms(" a,,b ,"))
	assert.Nil(t, splitRooms(""))
}

func TestBenchText(t *testing.T) {
	now := time.Unix(1700000000, 123456789)
	got, ok := parseBenchText(benchText(now))
	require.True(t, ok)
	assert.True(t, now.Equal(got))

	_, ok = parseBenchText("hello")
	assert.False(t, ok)
	_, ok = parseBenchText("bench:xyz")
	assert.False(t, ok)
}
