package notify

import (
	"sort"

	"go.uber.org/zap"

	"github.com/whisper/presence-relay/internal/metrics"
	"github.com/whisper/presence-relay/internal/protocol"
)

// Locator resolves an identity to its active connection.
type Locator interface {
	ConnOf(identityID string) (string, bool)
}

// Pusher writes a notification frame to the connection of an identity.
type Pusher interface {
	PushNotification(identityID string, payload protocol.NotificationReceived)
}

// Delivery decides between direct push and persistence. It must be called
// from the goroutine that owns the presence registry, so that the lookup and
// the push see the same registry state.
type Delivery struct {
	locator Locator
	pusher  Pusher
	logger  *zap.Logger
}

// NewDelivery creates a Delivery.
func NewDelivery(locator Locator, pusher Pusher, logger *zap.Logger) *Delivery {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Delivery{
		locator: locator,
		pusher:  pusher,
		logger:  logger.Named("notify"),
	}
}

// Deliver pushes n to its target if the target is registered, and marks it
// Delivered. Otherwise n is marked Undeliverable and the caller is expected
// to hand it to a Store.
func (d *Delivery) Deliver(n *Notification) State {
	if _, ok := d.locator.ConnOf(n.To); !ok {
		n.State = Undeliverable
		metrics.NotificationsTotal.WithLabelValues(Undeliverable.String()).Inc()
		d.logger.Debug("target offline",
			zap.String("id", n.ID),
			zap.String("identity", n.To))
		return n.State
	}

	d.pusher.PushNotification(n.To, n.Payload())
	n.State = Delivered
	metrics.NotificationsTotal.WithLabelValues(Delivered.String()).Inc()
	return n.State
}

// Flush pushes stored notifications to the registered identity in creation
// order and returns the ids that were pushed.
func (d *Delivery) Flush(identityID string, pending []*Notification) []string {
	if len(pending) == 0 {
		return nil
	}
	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	ids := make([]string, 0, len(pending))
	for _, n := range pending {
		d.pusher.PushNotification(identityID, n.Payload())
		n.State = Delivered
		ids = append(ids, n.ID)
	}
	metrics.NotificationsTotal.WithLabelValues("flushed").Add(float64(len(ids)))
	d.logger.Debug("flushed pending notifications",
		zap.String("identity", identityID),
		zap.Int("count", len(ids)))
	return ids
}
