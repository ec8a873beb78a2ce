package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/whisper/presence-relay/internal/messaging"
	"github.com/whisper/presence-relay/internal/notify"
	"github.com/whisper/presence-relay/internal/protocol"
	"github.com/whisper/presence-relay/internal/router"
)

// ErrMissingSender rejects an external notification without a From.
var ErrMissingSender = errors.New("relay: external notification has no sender")

// DeliverExternal validates a notification published by another service
// under the same rules as a client notification:send and injects it.
func (h *Hub) DeliverExternal(ev messaging.NotificationEvent) error {
	if ev.From == "" {
		return ErrMissingSender
	}

	data, err := json.Marshal(protocol.NotificationSend{ToIdentity: ev.To, Message: ev.Message, Type: ev.Type})
	if err != nil {
		return fmt.Errorf("relay: encode external notification: %w", err)
	}
	if _, verr := router.Validate(protocol.Envelope{Event: protocol.EventNotificationSend, Data: data}); verr != nil {
		return verr
	}

	n := notify.New(ev.From, ev.To, ev.Message, ev.Type)
	if ev.ID != "" {
		n.ID = ev.ID
	}
	if ev.CreatedAt > 0 {
		n.CreatedAt = time.UnixMilli(ev.CreatedAt)
	}
	h.Inject(n)
	return nil
}
