package router

import (
	"sort"

	"github.com/whisper/presence-relay/internal/protocol"
)

// Policy selects which connections receive the response to an event.
type Policy int

const (
	// PolicyAll sends to every active connection.
	PolicyAll Policy = iota + 1
	// PolicyRoom sends to the members of the scope's room. The empty room is
	// the global scope, which every active connection belongs to.
	PolicyRoom
	// PolicyRoomExceptSender is PolicyRoom without the sending connection.
	PolicyRoomExceptSender
	// PolicyTarget sends to the connection of a single identity.
	PolicyTarget
	// PolicySender replies to the sending connection only.
	PolicySender
)

func (p Policy) String() string {
	switch p {
	case PolicyAll:
		return "all"
	case PolicyRoom:
		return "room"
	case PolicyRoomExceptSender:
		return "room_except_sender"
	case PolicyTarget:
		return "target"
	case PolicySender:
		return "sender"
	default:
		return "unknown"
	}
}

// Route binds an inbound event to its broadcast policy and response event.
type Route struct {
	Event    string
	Policy   Policy
	Response string
}

var table = map[string]Route{
	protocol.EventMessageSend:      {protocol.EventMessageSend, PolicyRoom, protocol.EventMessageReceived},
	protocol.EventTypingSet:        {protocol.EventTypingSet, PolicyRoomExceptSender, protocol.EventTypingChanged},
	protocol.EventRoomJoin:         {protocol.EventRoomJoin, PolicyRoom, protocol.EventRoomEvent},
	protocol.EventRoomLeave:        {protocol.EventRoomLeave, PolicyRoom, protocol.EventRoomEvent},
	protocol.EventPresenceQuery:    {protocol.EventPresenceQuery, PolicySender, protocol.EventPresenceList},
	protocol.EventNotificationSend: {protocol.EventNotificationSend, PolicyTarget, protocol.EventNotificationReceived},
	protocol.EventPing:             {protocol.EventPing, PolicySender, protocol.EventPong},
}

// Lookup returns the route for an inbound event.
func Lookup(event string) (Route, bool) {
	r, ok := table[event]
	return r, ok
}

// Routes returns every route, sorted by event name.
func Routes() []Route {
	out := make([]Route, 0, len(table))
	for _, r := range table {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Event < out[j].Event })
	return out
}

// Scope carries the per-event inputs a policy needs.
type Scope struct {
	Sender string // connection id of the acting connection
	RoomID string
	Target string // identity id for PolicyTarget
}

// Directory answers the membership questions policies ask.
type Directory interface {
	All() []string
	Members(roomID string) []string
	ConnOf(identityID string) (string, bool)
}

// Recipients resolves a policy to the connection ids that must receive the
// response.
func Recipients(p Policy, d Directory, s Scope) []string {
	switch p {
	case PolicyAll:
		return d.All()
	case PolicyRoom:
		return roomScope(d, s.RoomID)
	case PolicyRoomExceptSender:
		members := roomScope(d, s.RoomID)
		out := make([]string, 0, len(members))
		for _, id := range members {
			if id != s.Sender {
				out = append(out, id)
			}
		}
		return out
	case PolicyTarget:
		if conn, ok := d.ConnOf(s.Target); ok {
			return []string{conn}
		}
		return nil
	case PolicySender:
		if s.Sender == "" {
			return nil
		}
		return []string{s.Sender}
	default:
		return nil
	}
}

func roomScope(d Directory, roomID string) []string {
	if roomID == "" {
		return d.All()
	}
	return d.Members(roomID)
}
