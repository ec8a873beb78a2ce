// Package protocol defines the realtime event vocabulary exchanged between the
// relay and its clients. Every frame is a JSON text frame with an event name
// and a data object; inbound data is decoded into one typed variant per event.
package protocol

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// ---------------------------------------------------------------------------
// Event names
// ---------------------------------------------------------------------------

// Client -> Server events.
const (
	EventMessageSend      = "message:send"
	EventTypingSet        = "typing:set"
	EventRoomJoin         = "room:join"
	EventRoomLeave        = "room:leave"
	EventPresenceQuery    = "presence:query"
	EventNotificationSend = "notification:send"
	EventPing             = "ping"
)

// Server -> Client events.
const (
	EventConnect              = "connect"
	EventDisconnect           = "disconnect"
	EventMessageReceived      = "message:received"
	EventTypingChanged        = "typing:changed"
	EventRoomEvent            = "room:event"
	EventRoomHistory          = "room:history"
	EventPresenceChanged      = "presence:changed"
	EventPresenceList         = "presence:list"
	EventNotificationReceived = "notification:received"
	EventNotificationStatus   = "notification:status"
	EventRateLimited          = "rate_limited"
	EventError                = "error"
	EventPong                 = "pong"
)

// Room event types carried by RoomEventMsg.
const (
	RoomJoined = "joined"
	RoomLeft   = "left"
)

// Presence statuses.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Disconnect reasons sent by the server before it closes a connection.
const (
	ReasonReplaced = "replaced"
	ReasonShutdown = "server shutdown"
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:@-]{0,63}$`)

// ValidID reports whether s is usable as an identity or room id.
func ValidID(s string) bool {
	return idPattern.MatchString(s)
}

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope is the outer frame. Data is kept raw so it can be decoded into the
// variant that matches Event.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ParseEnvelope decodes a raw frame and checks that it names an event.
func ParseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("protocol: missing or empty \"event\" field")
	}
	return env, nil
}

// ---------------------------------------------------------------------------
// Client -> Server variants
// ---------------------------------------------------------------------------

// ClientEvent is implemented by every inbound payload variant.
type ClientEvent interface {
	EventName() string
}

// MessageSend posts text to a room, or to everyone when RoomID is empty.
type MessageSend struct {
	Text   string `json:"text"`
	RoomID string `json:"roomId,omitempty"`
}

// TypingSet announces that the sender started or stopped typing.
type TypingSet struct {
	IsTyping bool   `json:"isTyping"`
	RoomID   string `json:"roomId,omitempty"`
}

// RoomJoin asks to join a room.
type RoomJoin struct {
	RoomID string `json:"roomId"`
}

// RoomLeave asks to leave a room.
type RoomLeave struct {
	RoomID string `json:"roomId"`
}

// PresenceQuery asks for the full list of online identities.
type PresenceQuery struct{}

// NotificationSend asks the relay to deliver a notification to one identity.
type NotificationSend struct {
	ToIdentity string `json:"toIdentity"`
	Message    string `json:"message"`
	Type       string `json:"type"`
}

// Ping is an application-level keepalive.
type Ping struct{}

func (MessageSend) EventName() string      { return EventMessageSend }
func (TypingSet) EventName() string        { return EventTypingSet }
func (RoomJoin) EventName() string         { return EventRoomJoin }
func (RoomLeave) EventName() string        { return EventRoomLeave }
func (PresenceQuery) EventName() string    { return EventPresenceQuery }
func (NotificationSend) EventName() string { return EventNotificationSend }
func (Ping) EventName() string             { return EventPing }

// ---------------------------------------------------------------------------
// Server -> Client payloads
// ---------------------------------------------------------------------------

// ConnectMsg confirms that the connection is registered and active.
type ConnectMsg struct {
	ConnectionID string `json:"connectionId"`
	Identity     string `json:"identity"`
	Name         string `json:"name,omitempty"`
}

// DisconnectMsg tells the client why the server is closing its connection.
type DisconnectMsg struct {
	Reason string `json:"reason"`
}

// MessageReceived is a chat message fanned out to a scope.
type MessageReceived struct {
	ID           string `json:"id"`
	FromIdentity string `json:"fromIdentity"`
	Text         string `json:"text"`
	Timestamp    int64  `json:"timestamp"`
	RoomID       string `json:"roomId,omitempty"`
}

// TypingChanged relays another identity's typing state.
type TypingChanged struct {
	Identity string `json:"identity"`
	IsTyping bool   `json:"isTyping"`
	RoomID   string `json:"roomId,omitempty"`
}

// RoomEventMsg reports a join or leave in a room.
type RoomEventMsg struct {
	Type     string `json:"type"`
	Identity string `json:"identity"`
	RoomID   string `json:"roomId"`
}

// RoomHistory carries the recent messages of a room to a new member.
type RoomHistory struct {
	RoomID   string            `json:"roomId"`
	Messages []MessageReceived `json:"messages"`
}

// PresenceChanged announces that an identity came online or went offline.
type PresenceChanged struct {
	Identity string `json:"identity"`
	Name     string `json:"name,omitempty"`
	Status   string `json:"status"`
}

// PresenceUser is one row of a presence list.
type PresenceUser struct {
	Identity string `json:"identity"`
	Name     string `json:"name,omitempty"`
	Status   string `json:"status"`
}

// PresenceList is the full presence state, in registration order.
type PresenceList struct {
	Users []PresenceUser `json:"users"`
}

// NotificationReceived is pushed to the target of a notification.
type NotificationReceived struct {
	ID           string `json:"id"`
	FromIdentity string `json:"fromIdentity"`
	Message      string `json:"message"`
	Type         string `json:"type"`
	Timestamp    int64  `json:"timestamp"`
}

// NotificationStatus tells the sender what happened to its notification.
type NotificationStatus struct {
	ID         string `json:"id"`
	ToIdentity string `json:"toIdentity"`
	State      string `json:"state"`
}

// RateLimitedMsg is sent when the client exceeded a rate limit for an event.
type RateLimitedMsg struct {
	Event      string `json:"event"`
	RetryAfter int    `json:"retryAfter"`
}

// ErrorMsg reports a rejected event to its sender.
type ErrorMsg struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Event   string `json:"event,omitempty"`
}

// PongMsg answers a Ping.
type PongMsg struct{}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// DecodeClientEvent decodes the data of an envelope into the typed variant for
// its event. Unknown events and server-only events are errors.
func DecodeClientEvent(env Envelope) (ClientEvent, error) {
	var (
		ev  ClientEvent
		err error
	)

	switch env.Event {
	case EventMessageSend:
		var m MessageSend
		err = decodeData(env.Data, &m)
		ev = m
	case EventTypingSet:
		var m TypingSet
		err = decodeData(env.Data, &m)
		ev = m
	case EventRoomJoin:
		var m RoomJoin
		err = decodeData(env.Data, &m)
		ev = m
	case EventRoomLeave:
		var m RoomLeave
		err = decodeData(env.Data, &m)
		ev = m
	case EventPresenceQuery:
		ev = PresenceQuery{}
	case EventNotificationSend:
		var m NotificationSend
		err = decodeData(env.Data, &m)
		ev = m
	case EventPing:
		ev = Ping{}
	default:
		return nil, fmt.Errorf("protocol: unknown client event: %q", env.Event)
	}

	if err != nil {
		return nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Event, err)
	}
	return ev, nil
}

// ParseClientMessage parses raw frame bytes into the event name and its typed
// variant.
func ParseClientMessage(data []byte) (string, ClientEvent, error) {
	env, err := ParseEnvelope(data)
	if err != nil {
		return "", nil, err
	}
	ev, err := DecodeClientEvent(env)
	if err != nil {
		return env.Event, nil, err
	}
	return env.Event, ev, nil
}

// NewServerMessage encodes a server frame for the given event and payload.
func NewServerMessage(event string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	out, err := json.Marshal(Envelope{Event: event, Data: raw})
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

// NewClientMessage encodes a client frame. It is the mirror of
// NewServerMessage and is used by the client supervisor.
func NewClientMessage(ev ClientEvent) ([]byte, error) {
	return NewServerMessage(ev.EventName(), ev)
}

// decodeData treats a missing data object as an empty one.
func decodeData(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, v)
}
