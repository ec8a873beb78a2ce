// Package notify delivers notifications to online identities and hands the
// ones that could not be delivered to a persistence store for later flushing.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/whisper/presence-relay/internal/protocol"
)

// State is the delivery state of a notification.
type State int

const (
	Pending State = iota
	Delivered
	Undeliverable
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Delivered:
		return "delivered"
	case Undeliverable:
		return "undeliverable"
	default:
		return "unknown"
	}
}

// ErrUnknownStore is returned by Open for an unrecognised store kind.
var ErrUnknownStore = errors.New("notify: unknown store kind")

// Notification is a message targeted at one identity.
type Notification struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Message   string    `json:"message"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"createdAt"`
	State     State     `json:"state"`
}

// New builds a pending notification with a fresh id.
func New(from, to, message, typ string) *Notification {
	return &Notification{
		ID:        uuid.NewString(),
		From:      from,
		To:        to,
		Message:   message,
		Type:      typ,
		CreatedAt: time.Now(),
		State:     Pending,
	}
}

// Payload is the wire form pushed to the target.
func (n *Notification) Payload() protocol.NotificationReceived {
	return protocol.NotificationReceived{
		ID:           n.ID,
		FromIdentity: n.From,
		Message:      n.Message,
		Type:         n.Type,
		Timestamp:    n.CreatedAt.UnixMilli(),
	}
}

// Store persists undeliverable notifications until their target connects.
type Store interface {
	Save(ctx context.Context, n *Notification) error
	// Pending returns the undelivered notifications for identity, oldest first.
	Pending(ctx context.Context, identity string) ([]*Notification, error)
	MarkDelivered(ctx context.Context, identity string, ids []string) error
	Close() error
}
