// Package relay owns the single dispatcher that serializes every change to
// presence, room membership and typing state, and every broadcast derived
// from them. Transports and persistence hand work to it as tasks.
package relay

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/whisper/presence-relay/internal/auth"
	"github.com/whisper/presence-relay/internal/messaging"
	"github.com/whisper/presence-relay/internal/metrics"
	"github.com/whisper/presence-relay/internal/notify"
	"github.com/whisper/presence-relay/internal/presence"
	"github.com/whisper/presence-relay/internal/protocol"
	"github.com/whisper/presence-relay/internal/ratelimit"
	"github.com/whisper/presence-relay/internal/room"
	"github.com/whisper/presence-relay/internal/router"
)

// Conn is the hub's view of a transport connection. Close may report back
// to the hub through Hub.Close, so the hub never calls it on its own
// goroutine.
type Conn interface {
	ID() string
	Send(frame []byte) error
	Close() error
}

// Mirror publishes local presence to a shared store. session.Store
// satisfies it.
type Mirror interface {
	Online(ctx context.Context, identity, name, connID string) error
	Offline(ctx context.Context, identity, connID string) (bool, error)
}

// Publisher announces relay events to other services. messaging.NATSClient
// satisfies it.
type Publisher interface {
	PublishPresence(ev messaging.PresenceEvent) error
	PublishUndeliverable(ev messaging.NotificationEvent) error
}

// Limiter throttles inbound events. ratelimit.Limiter satisfies it.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	RetryAfter(ctx context.Context, identifier string, rule ratelimit.Rule) time.Duration
}

// Config holds hub tuning parameters.
type Config struct {
	ServerName      string
	TypingTTL       time.Duration // server-side typing expiry
	MaxQueuedFrames int           // frames buffered per connection before activation
	TaskQueueSize   int
	WorkQueueSize   int
	IOTimeout       time.Duration // per persistence or mirror call
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ServerName:      "relay-1",
		TypingTTL:       5 * time.Second,
		MaxQueuedFrames: 64,
		TaskQueueSize:   4096,
		WorkQueueSize:   1024,
		IOTimeout:       5 * time.Second,
	}
}

// peer is the dispatcher's record of one connection.
type peer struct {
	conn     Conn
	identity auth.Identity
	active   bool                // registered and announced
	queue    []protocol.Envelope // frames received before activation
}

// Hub is the single dispatcher. All fields below tasks are touched only
// from the goroutine running Run.
type Hub struct {
	cfg       Config
	registry  *presence.Registry
	rooms     *room.Manager
	store     notify.Store
	mirror    Mirror
	publisher Publisher
	limiter   Limiter
	logger    *zap.Logger

	tasks chan func()
	work  chan func(ctx context.Context)
	done  chan struct{}

	router   *router.Router
	delivery *notify.Delivery
	peers    map[string]*peer
	typing   *typingTracker

	// Per identity: connections still loading their pending notifications,
	// notifications that arrived meanwhile, and ids flushed but not yet
	// marked delivered in the store.
	opening  map[string]int
	parked   map[string][]*notify.Notification
	inflight map[string]map[string]struct{}
}

// NewHub creates a Hub over an injected registry and room manager. A nil
// store means undeliverable notifications are kept in memory.
func NewHub(cfg Config, registry *presence.Registry, rooms *room.Manager, store notify.Store, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	if store == nil {
		store = notify.NewMemoryStore()
	}
	if cfg.MaxQueuedFrames <= 0 {
		cfg.MaxQueuedFrames = DefaultConfig().MaxQueuedFrames
	}
	if cfg.IOTimeout <= 0 {
		cfg.IOTimeout = DefaultConfig().IOTimeout
	}

	h := &Hub{
		cfg:      cfg,
		registry: registry,
		rooms:    rooms,
		store:    store,
		logger:   logger.Named("relay"),
		tasks:    make(chan func(), cfg.TaskQueueSize),
		work:     make(chan func(ctx context.Context), cfg.WorkQueueSize),
		done:     make(chan struct{}),
		peers:    make(map[string]*peer),
		opening:  make(map[string]int),
		parked:   make(map[string][]*notify.Notification),
		inflight: make(map[string]map[string]struct{}),
	}
	h.router = router.New(h, h, logger)
	h.delivery = notify.NewDelivery(registry, h, logger)
	h.typing = newTypingTracker(cfg.TypingTTL, h.Submit)
	h.registerHandlers()
	return h
}

// SetMirror enables presence mirroring.
func (h *Hub) SetMirror(m Mirror) { h.mirror = m }

// SetPublisher enables publishing presence and undeliverable notifications.
func (h *Hub) SetPublisher(p Publisher) { h.publisher = p }

// SetLimiter enables per-identity event rate limits.
func (h *Hub) SetLimiter(l Limiter) { h.limiter = l }

// Run processes tasks until ctx is cancelled, then disconnects every client
// and clears presence. It must be called exactly once.
func (h *Hub) Run(ctx context.Context) error {
	workerDone := make(chan struct{})
	go h.runWorker(workerDone)

	h.logger.Info("dispatcher started", zap.String("server", h.cfg.ServerName))
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			close(h.done)
			close(h.work)
			<-workerDone
			h.logger.Info("dispatcher stopped")
			return nil
		case task := <-h.tasks:
			task()
		}
	}
}

// Submit queues fn to run on the dispatcher. It returns false once the hub
// has stopped.
func (h *Hub) Submit(fn func()) bool {
	select {
	case <-h.done:
		return false
	default:
	}
	select {
	case h.tasks <- fn:
		return true
	case <-h.done:
		return false
	}
}

// Open admits an authenticated connection. The connection is activated
// once its pending notifications have been loaded.
func (h *Hub) Open(c Conn, identity auth.Identity) {
	h.Submit(func() { h.open(c, identity) })
}

// Close reports that a connection's transport is gone.
func (h *Hub) Close(c Conn) {
	connID := c.ID()
	h.Submit(func() { h.close(connID) })
}

// HandleFrame parses an inbound frame and applies rate limits on the
// calling goroutine, then hands the event to the dispatcher.
func (h *Hub) HandleFrame(c Conn, identity auth.Identity, data []byte) {
	connID := c.ID()

	env, err := protocol.ParseEnvelope(data)
	if err != nil {
		metrics.EventsTotal.WithLabelValues("unknown", "invalid").Inc()
		h.Submit(func() {
			h.router.ReplyError(connID, router.NewValidationError("", router.CodeInvalidPayload, "invalid message format"))
		})
		return
	}

	if h.limiter != nil {
		if rule, ok := ratelimit.RuleFor(env.Event); ok {
			ctx, cancel := context.WithTimeout(context.Background(), h.cfg.IOTimeout)
			allowed, _ := h.limiter.Allow(ctx, identity.ID, rule)
			var retry time.Duration
			if !allowed {
				retry = h.limiter.RetryAfter(ctx, identity.ID, rule)
			}
			cancel()
			if !allowed {
				metrics.EventsTotal.WithLabelValues(env.Event, "rate_limited").Inc()
				h.Submit(func() {
					h.router.Reply(connID, protocol.EventRateLimited, protocol.RateLimitedMsg{
						Event:      env.Event,
						RetryAfter: int((retry + time.Second - 1) / time.Second),
					})
				})
				return
			}
		}
	}

	h.Submit(func() { h.frame(connID, env) })
}

// Inject delivers a notification that did not originate from a client, such
// as one received over NATS.
func (h *Hub) Inject(n *notify.Notification) {
	h.Submit(func() { h.deliver(n) })
}

// Online returns the number of registered identities. Safe from any
// goroutine.
func (h *Hub) Online() int { return h.registry.Len() }

// Rooms returns the number of non-empty rooms. Safe from any goroutine.
func (h *Hub) Rooms() int { return h.rooms.Len() }

// ---------------------------------------------------------------------------
// Dispatcher tasks
// ---------------------------------------------------------------------------

func (h *Hub) open(c Conn, identity auth.Identity) {
	connID := c.ID()
	h.peers[connID] = &peer{conn: c, identity: identity}
	h.opening[identity.ID]++

	h.enqueue(func(ctx context.Context) {
		pending, err := h.store.Pending(ctx, identity.ID)
		if err != nil {
			h.logger.Warn("load pending notifications",
				zap.String("identity", identity.ID), zap.Error(err))
			pending = nil
		}
		h.Submit(func() { h.activate(connID, pending) })
	})
}

// activate registers the connection's identity and announces it. Order:
// evict any older connection, register, confirm to the client, flush stored
// notifications, broadcast presence, replay early frames.
func (h *Hub) activate(connID string, pending []*notify.Notification) {
	p, ok := h.peers[connID]
	if !ok {
		return // closed while loading
	}
	identity := p.identity
	pending = h.claim(identity.ID, pending)
	h.doneOpening(identity.ID)

	if prev, ok := h.registry.ConnOf(identity.ID); ok && prev != connID {
		h.evict(prev)
	}

	h.registry.Register(identity, connID)
	p.active = true

	h.router.Reply(connID, protocol.EventConnect, protocol.ConnectMsg{
		ConnectionID: connID,
		Identity:     identity.ID,
		Name:         identity.Name,
	})

	if ids := h.delivery.Flush(identity.ID, pending); len(ids) > 0 {
		h.hold(identity.ID, ids)
		h.enqueue(func(ctx context.Context) {
			if err := h.store.MarkDelivered(ctx, identity.ID, ids); err != nil {
				h.logger.Warn("mark delivered", zap.String("identity", identity.ID), zap.Error(err))
			}
			h.Submit(func() { h.release(identity.ID, ids) })
		})
	}

	h.router.Broadcast(protocol.EventPresenceChanged, router.PolicyAll, router.Scope{Sender: connID},
		protocol.PresenceChanged{Identity: identity.ID, Name: identity.Name, Status: protocol.StatusOnline})
	h.announce(identity, connID, protocol.StatusOnline)
	h.updateGauges()

	h.logger.Debug("connection active",
		zap.String("conn", connID),
		zap.String("identity", identity.ID),
		zap.Int("flushed", len(pending)),
		zap.Int("queued", len(p.queue)))

	queued := p.queue
	p.queue = nil
	for _, env := range queued {
		if _, still := h.peers[connID]; !still {
			return
		}
		h.dispatch(p, connID, env)
	}
}

func (h *Hub) frame(connID string, env protocol.Envelope) {
	p, ok := h.peers[connID]
	if !ok {
		return
	}
	if !p.active {
		if len(p.queue) >= h.cfg.MaxQueuedFrames {
			h.router.ReplyError(connID, router.NewValidationError(env.Event, router.CodeNotReady, "connection not ready"))
			return
		}
		p.queue = append(p.queue, env)
		return
	}
	h.dispatch(p, connID, env)
}

func (h *Hub) dispatch(p *peer, connID string, env protocol.Envelope) {
	h.router.Dispatch(router.Source{ConnID: connID, Identity: p.identity}, env)
}

func (h *Hub) close(connID string) {
	p, ok := h.peers[connID]
	if !ok {
		return // already evicted
	}
	delete(h.peers, connID)
	h.unwind(connID, p)

	if !p.active {
		h.doneOpening(p.identity.ID)
		return
	}
	// A replacement may already own the entry.
	if current, ok := h.registry.ConnOf(p.identity.ID); ok && current == connID {
		h.registry.Deregister(p.identity.ID)
		h.router.Broadcast(protocol.EventPresenceChanged, router.PolicyAll, router.Scope{},
			protocol.PresenceChanged{Identity: p.identity.ID, Name: p.identity.Name, Status: protocol.StatusOffline})
		h.announce(p.identity, connID, protocol.StatusOffline)
	}
	h.updateGauges()

	h.logger.Debug("connection closed",
		zap.String("conn", connID),
		zap.String("identity", p.identity.ID))
}

// evict replaces an older connection of the same identity. It is told why,
// unwound from its rooms and closed. The registry entry is left for the
// caller to overwrite.
func (h *Hub) evict(connID string) {
	p, ok := h.peers[connID]
	if !ok {
		return
	}
	h.router.Reply(connID, protocol.EventDisconnect, protocol.DisconnectMsg{Reason: protocol.ReasonReplaced})
	delete(h.peers, connID)
	h.unwind(connID, p)
	go p.conn.Close()

	h.logger.Info("connection replaced",
		zap.String("conn", connID),
		zap.String("identity", p.identity.ID))
}

// unwind cancels typing timers without broadcasting, then leaves every room,
// telling the remaining members once per room. connID must already be gone
// from peers so it receives nothing.
func (h *Hub) unwind(connID string, p *peer) {
	h.typing.cancelConn(connID)
	for _, roomID := range h.rooms.LeaveAll(connID) {
		h.router.Broadcast(protocol.EventRoomEvent, router.PolicyRoom, router.Scope{RoomID: roomID},
			protocol.RoomEventMsg{Type: protocol.RoomLeft, Identity: p.identity.ID, RoomID: roomID})
	}
}

// deliver runs a notification through Delivery and persists it if the
// target is offline.
func (h *Hub) deliver(n *notify.Notification) notify.State {
	state := h.delivery.Deliver(n)
	if state != notify.Undeliverable {
		return state
	}

	// A connection of the target is loading its stored notifications; the
	// save lands after that lookup, so hand n to the activation directly.
	if h.opening[n.To] > 0 {
		h.parked[n.To] = append(h.parked[n.To], n)
	}

	saved := *n
	h.enqueue(func(ctx context.Context) {
		if err := h.store.Save(ctx, &saved); err != nil {
			h.logger.Error("save notification", zap.String("id", saved.ID), zap.Error(err))
		}
		if h.publisher != nil {
			err := h.publisher.PublishUndeliverable(messaging.NotificationEvent{
				ID:        saved.ID,
				From:      saved.From,
				To:        saved.To,
				Message:   saved.Message,
				Type:      saved.Type,
				CreatedAt: saved.CreatedAt.UnixMilli(),
			})
			if err != nil {
				h.logger.Warn("publish undeliverable", zap.String("id", saved.ID), zap.Error(err))
			}
		}
	})
	return state
}

// announce mirrors a presence transition and publishes it, off the
// dispatcher.
func (h *Hub) announce(identity auth.Identity, connID, status string) {
	if h.mirror == nil && h.publisher == nil {
		return
	}
	at := time.Now().Unix()
	h.enqueue(func(ctx context.Context) {
		if h.mirror != nil {
			var err error
			if status == protocol.StatusOnline {
				err = h.mirror.Online(ctx, identity.ID, identity.Name, connID)
			} else {
				_, err = h.mirror.Offline(ctx, identity.ID, connID)
			}
			if err != nil {
				h.logger.Warn("presence mirror", zap.String("identity", identity.ID), zap.Error(err))
			}
		}
		if h.publisher != nil {
			err := h.publisher.PublishPresence(messaging.PresenceEvent{
				Server:   h.cfg.ServerName,
				Identity: identity.ID,
				Name:     identity.Name,
				Status:   status,
				At:       at,
			})
			if err != nil {
				h.logger.Warn("publish presence", zap.String("identity", identity.ID), zap.Error(err))
			}
		}
	})
}

func (h *Hub) shutdown() {
	h.typing.cancelAll()

	ids := make([]string, 0, len(h.peers))
	for id := range h.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		p := h.peers[id]
		h.router.Reply(id, protocol.EventDisconnect, protocol.DisconnectMsg{Reason: protocol.ReasonShutdown})
		h.rooms.LeaveAll(id)
		delete(h.peers, id)
		go p.conn.Close()
	}
	h.registry.Reset()
	h.updateGauges()
}

func (h *Hub) updateGauges() {
	metrics.OnlineIdentities.Set(float64(h.registry.Len()))
	metrics.ActiveRooms.Set(float64(h.rooms.Len()))
}

// ---------------------------------------------------------------------------
// Ordered background work
// ---------------------------------------------------------------------------

// enqueue hands fn to the background worker, which runs work in submission
// order so that a save is visible to a later lookup and mirror updates do
// not overtake each other. When the queue is full fn runs on its own
// goroutine rather than blocking the dispatcher.
func (h *Hub) enqueue(fn func(ctx context.Context)) {
	select {
	case h.work <- fn:
	default:
		h.logger.Warn("work queue full, running unordered")
		go h.runWork(fn)
	}
}

func (h *Hub) runWorker(done chan struct{}) {
	defer close(done)
	for fn := range h.work {
		h.runWork(fn)
	}
}

func (h *Hub) runWork(fn func(ctx context.Context)) {
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.IOTimeout)
	defer cancel()
	fn(ctx)
}

// ---------------------------------------------------------------------------
// router.Directory and router.Sender
// ---------------------------------------------------------------------------

// All returns the connections of every registered identity, in registration
// order.
func (h *Hub) All() []string {
	entries := h.registry.Snapshot()
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.ConnID)
	}
	return out
}

// Members returns the connections in a room.
func (h *Hub) Members(roomID string) []string {
	return h.rooms.Members(roomID)
}

// ConnOf returns the connection of an identity.
func (h *Hub) ConnOf(identityID string) (string, bool) {
	return h.registry.ConnOf(identityID)
}

// SendTo writes frame to each connection still known to the dispatcher. A
// failed write closes that connection; its unwinding arrives as a later
// task.
func (h *Hub) SendTo(connIDs []string, frame []byte) {
	for _, id := range connIDs {
		p, ok := h.peers[id]
		if !ok {
			continue
		}
		if err := p.conn.Send(frame); err != nil {
			h.logger.Debug("send failed", zap.String("conn", id), zap.Error(err))
			go p.conn.Close()
		}
	}
}

// PushNotification implements notify.Pusher. The recipient is selected by
// the notification:send route.
func (h *Hub) PushNotification(identityID string, payload protocol.NotificationReceived) {
	route, _ := router.Lookup(protocol.EventNotificationSend)
	h.router.Broadcast(route.Response, route.Policy, router.Scope{Target: identityID}, payload)
}

// ---------------------------------------------------------------------------
// Pending notification bookkeeping
// ---------------------------------------------------------------------------

// doneOpening records that one connection of identityID finished or
// abandoned its pending lookup. Once none are left, parked notifications are
// dropped; they are in the store for the next connection.
func (h *Hub) doneOpening(identityID string) {
	if h.opening[identityID]--; h.opening[identityID] > 0 {
		return
	}
	delete(h.opening, identityID)
	delete(h.parked, identityID)
}

// claim merges the parked notifications of identityID into pending and
// drops ids already flushed to an earlier connection, keeping the first
// occurrence of each id.
func (h *Hub) claim(identityID string, pending []*notify.Notification) []*notify.Notification {
	parked := h.parked[identityID]
	delete(h.parked, identityID)

	held := h.inflight[identityID]
	seen := make(map[string]struct{}, len(pending)+len(parked))
	out := make([]*notify.Notification, 0, len(pending)+len(parked))
	for _, n := range append(pending, parked...) {
		if _, ok := held[n.ID]; ok {
			continue
		}
		if _, ok := seen[n.ID]; ok {
			continue
		}
		seen[n.ID] = struct{}{}
		out = append(out, n)
	}
	return out
}

// hold marks ids as flushed until the store has recorded them.
func (h *Hub) hold(identityID string, ids []string) {
	held, ok := h.inflight[identityID]
	if !ok {
		held = make(map[string]struct{}, len(ids))
		h.inflight[identityID] = held
	}
	for _, id := range ids {
		held[id] = struct{}{}
	}
}

func (h *Hub) release(identityID string, ids []string) {
	held := h.inflight[identityID]
	for _, id := range ids {
		delete(held, id)
	}
	if len(held) == 0 {
		delete(h.inflight, identityID)
	}
}
