package relay

import (
	"time"

	"github.com/google/uuid"

	"github.com/whisper/presence-relay/internal/notify"
	"github.com/whisper/presence-relay/internal/protocol"
	"github.com/whisper/presence-relay/internal/router"
)

func (h *Hub) registerHandlers() {
	h.router.Register(protocol.EventMessageSend, h.handleMessage)
	h.router.Register(protocol.EventTypingSet, h.handleTyping)
	h.router.Register(protocol.EventRoomJoin, h.handleJoin)
	h.router.Register(protocol.EventRoomLeave, h.handleLeave)
	h.router.Register(protocol.EventPresenceQuery, h.handlePresenceQuery)
	h.router.Register(protocol.EventNotificationSend, h.handleNotification)
	h.router.Register(protocol.EventPing, h.handlePing)

	h.typing.onExpire = h.typingExpired
}

// requireMember rejects events aimed at a named room the sender is not in.
func (h *Hub) requireMember(event, connID, roomID string) error {
	if roomID == "" || h.rooms.IsMember(connID, roomID) {
		return nil
	}
	return router.NewValidationError(event, router.CodeNotInRoom, "not a member of room "+roomID)
}

func (h *Hub) handleMessage(src router.Source, ev protocol.ClientEvent) (*router.Outbound, error) {
	m := ev.(protocol.MessageSend)
	if err := h.requireMember(protocol.EventMessageSend, src.ConnID, m.RoomID); err != nil {
		return nil, err
	}

	msg := protocol.MessageReceived{
		ID:           uuid.NewString(),
		FromIdentity: src.Identity.ID,
		Text:         m.Text,
		Timestamp:    time.Now().UnixMilli(),
		RoomID:       m.RoomID,
	}
	if m.RoomID != "" {
		h.rooms.History().Add(m.RoomID, msg)
	}

	return &router.Outbound{
		Scope:   router.Scope{RoomID: m.RoomID},
		Payload: msg,
	}, nil
}

func (h *Hub) handleTyping(src router.Source, ev protocol.ClientEvent) (*router.Outbound, error) {
	m := ev.(protocol.TypingSet)
	if err := h.requireMember(protocol.EventTypingSet, src.ConnID, m.RoomID); err != nil {
		return nil, err
	}

	if m.IsTyping {
		h.typing.start(src.ConnID, m.RoomID)
	} else {
		h.typing.stop(src.ConnID, m.RoomID)
	}

	return &router.Outbound{
		Scope:   router.Scope{RoomID: m.RoomID},
		Payload: protocol.TypingChanged{Identity: src.Identity.ID, IsTyping: m.IsTyping, RoomID: m.RoomID},
	}, nil
}

// typingExpired tells the room that a typist went quiet without saying so.
func (h *Hub) typingExpired(connID, roomID string) {
	p, ok := h.peers[connID]
	if !ok {
		return
	}
	h.router.Broadcast(protocol.EventTypingChanged, router.PolicyRoomExceptSender,
		router.Scope{Sender: connID, RoomID: roomID},
		protocol.TypingChanged{Identity: p.identity.ID, IsTyping: false, RoomID: roomID})
}

func (h *Hub) handleJoin(src router.Source, ev protocol.ClientEvent) (*router.Outbound, error) {
	m := ev.(protocol.RoomJoin)
	if !h.rooms.Join(src.ConnID, m.RoomID) {
		return nil, nil // already a member
	}
	h.updateGauges()

	return &router.Outbound{
		Scope:   router.Scope{RoomID: m.RoomID},
		Payload: protocol.RoomEventMsg{Type: protocol.RoomJoined, Identity: src.Identity.ID, RoomID: m.RoomID},
		Then: func() {
			h.router.Reply(src.ConnID, protocol.EventRoomHistory, protocol.RoomHistory{
				RoomID:   m.RoomID,
				Messages: h.rooms.History().Get(m.RoomID),
			})
		},
	}, nil
}

func (h *Hub) handleLeave(src router.Source, ev protocol.ClientEvent) (*router.Outbound, error) {
	m := ev.(protocol.RoomLeave)
	if !h.rooms.IsMember(src.ConnID, m.RoomID) {
		return nil, nil // not a member
	}

	// The leaver is still a member when recipients are resolved, so it sees
	// its own departure; the leave itself happens afterwards.
	return &router.Outbound{
		Scope:   router.Scope{RoomID: m.RoomID},
		Payload: protocol.RoomEventMsg{Type: protocol.RoomLeft, Identity: src.Identity.ID, RoomID: m.RoomID},
		Then: func() {
			h.typing.stop(src.ConnID, m.RoomID)
			h.rooms.Leave(src.ConnID, m.RoomID)
			h.updateGauges()
		},
	}, nil
}

func (h *Hub) handlePresenceQuery(src router.Source, _ protocol.ClientEvent) (*router.Outbound, error) {
	entries := h.registry.Snapshot()
	users := make([]protocol.PresenceUser, 0, len(entries))
	for _, e := range entries {
		users = append(users, protocol.PresenceUser{
			Identity: e.Identity.ID,
			Name:     e.Identity.Name,
			Status:   protocol.StatusOnline,
		})
	}
	return &router.Outbound{Payload: protocol.PresenceList{Users: users}}, nil
}

// handleNotification pushes to the target itself through Delivery, so it
// returns no Outbound; the sender gets a status reply instead.
func (h *Hub) handleNotification(src router.Source, ev protocol.ClientEvent) (*router.Outbound, error) {
	m := ev.(protocol.NotificationSend)

	n := notify.New(src.Identity.ID, m.ToIdentity, m.Message, m.Type)
	state := h.deliver(n)

	h.router.Reply(src.ConnID, protocol.EventNotificationStatus, protocol.NotificationStatus{
		ID:         n.ID,
		ToIdentity: n.To,
		State:      state.String(),
	})
	return nil, nil
}

func (h *Hub) handlePing(router.Source, protocol.ClientEvent) (*router.Outbound, error) {
	return &router.Outbound{Payload: protocol.PongMsg{}}, nil
}
