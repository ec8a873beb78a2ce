// Package client is the relay's connection supervisor. It owns at most one
// transport at a time, reconnects with exponential backoff after an
// unexpected loss and fans server events out to registered listeners.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/whisper/presence-relay/internal/protocol"
)

// State is the supervisor's connection state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateAuthenticated // upgrade accepted, waiting for the connect frame
	StateActive
	StateReconnecting
	StateDisconnected
	StateDisconnectedPermanent
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateReconnecting:
		return "reconnecting"
	case StateDisconnected:
		return "disconnected"
	case StateDisconnectedPermanent:
		return "disconnected_permanent"
	default:
		return "unknown"
	}
}

// Lifecycle events emitted by the supervisor. Every other event name is a
// server frame passed through as is.
const (
	EventConnect          = protocol.EventConnect
	EventDisconnect       = protocol.EventDisconnect
	EventConnectError     = "connect_error"
	EventReconnectAttempt = "reconnect_attempt"
	EventReconnectFailed  = "reconnect_failed"
	EventState            = "state"
)

// Event is delivered to listeners. Which fields are set depends on Name.
type Event struct {
	Name    string
	Data    []byte // server frame data; connect data for EventConnect
	Reason  string // EventDisconnect, EventConnectError
	Attempt int    // EventReconnectAttempt
	From    State  // EventState
	To      State  // EventState
}

// Listener handles one event. It runs on the goroutine that produced the
// event and may call back into the Supervisor.
type Listener func(Event)

// ListenerID identifies a registration for Off.
type ListenerID uint64

// Config holds supervisor settings.
type Config struct {
	URL             string
	Token           string
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          float64
	DialTimeout     time.Duration // dial plus wait for the connect frame
	TypingWindow    time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:             "ws://localhost:8080/ws",
		MaxAttempts:     5,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		Multiplier:      2,
		Jitter:          0.2,
		DialTimeout:     10 * time.Second,
		TypingWindow:    2 * time.Second,
	}
}

type listenerEntry struct {
	id ListenerID
	fn Listener
}

// Supervisor manages the client side of one relay connection.
type Supervisor struct {
	cfg    Config
	logger *zap.Logger
	group  singleflight.Group

	mu      sync.Mutex
	state   State
	session *Session
	cancel  context.CancelFunc // in-flight connect or reconnect
	failure error              // why automatic reconnection gave up

	lmu       sync.Mutex
	listeners map[string][]listenerEntry
	nextID    ListenerID

	tmu    sync.Mutex
	typing map[string]*Debouncer
}

// NewSupervisor creates an idle Supervisor.
func NewSupervisor(cfg Config, logger *zap.Logger) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = def.InitialInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = def.MaxInterval
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = def.Multiplier
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.TypingWindow <= 0 {
		cfg.TypingWindow = def.TypingWindow
	}
	return &Supervisor{
		cfg:       cfg,
		logger:    logger.Named("client"),
		listeners: make(map[string][]listenerEntry),
		typing:    make(map[string]*Debouncer),
	}
}

// State returns the current state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// On registers fn for event and returns an id for Off.
func (s *Supervisor) On(event string, fn Listener) ListenerID {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	s.nextID++
	s.listeners[event] = append(s.listeners[event], listenerEntry{id: s.nextID, fn: fn})
	return s.nextID
}

// Off removes exactly the registration identified by id.
func (s *Supervisor) Off(id ListenerID) {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	for event, entries := range s.listeners {
		for i, e := range entries {
			if e.id != id {
				continue
			}
			entries = append(entries[:i:i], entries[i+1:]...)
			if len(entries) == 0 {
				delete(s.listeners, event)
			} else {
				s.listeners[event] = entries
			}
			return
		}
	}
}

func (s *Supervisor) emit(ev Event) {
	s.lmu.Lock()
	entries := append([]listenerEntry(nil), s.listeners[ev.Name]...)
	s.lmu.Unlock()
	for _, e := range entries {
		e.fn(ev)
	}
}

// transitionLocked sets the state and returns the event to emit once the
// lock is released, or nil when nothing changed.
func (s *Supervisor) transitionLocked(to State) *Event {
	from := s.state
	if from == to {
		return nil
	}
	s.state = to
	return &Event{Name: EventState, From: from, To: to}
}

func (s *Supervisor) emitState(ev *Event) {
	if ev == nil {
		return
	}
	s.logger.Debug("state", zap.Stringer("from", ev.From), zap.Stringer("to", ev.To))
	s.emit(*ev)
}

// Acquire returns the active session, dialing one if none exists.
// Concurrent callers share a single dial. After Disconnect or a permanent
// failure only Reconnect dials again; once automatic reconnection has given
// up, Acquire reports ErrReconnectFailed.
func (s *Supervisor) Acquire(ctx context.Context) (*Session, error) {
	s.mu.Lock()
	switch s.state {
	case StateActive:
		sess := s.session
		s.mu.Unlock()
		return sess, nil
	case StateDisconnectedPermanent:
		err := s.failure
		s.mu.Unlock()
		if err == nil {
			err = ErrDisconnected
		}
		return nil, err
	case StateDisconnected:
		s.mu.Unlock()
		return nil, ErrDisconnected
	case StateReconnecting:
		s.mu.Unlock()
		return nil, ErrReconnecting
	}
	s.mu.Unlock()
	return s.connect(ctx)
}

// Reconnect dials again from Disconnected or DisconnectedPermanent. It
// returns the active session if there already is one.
func (s *Supervisor) Reconnect(ctx context.Context) (*Session, error) {
	s.mu.Lock()
	switch s.state {
	case StateActive:
		sess := s.session
		s.mu.Unlock()
		return sess, nil
	case StateReconnecting:
		s.mu.Unlock()
		return nil, ErrReconnecting
	}
	s.mu.Unlock()
	return s.connect(ctx)
}

func (s *Supervisor) connect(ctx context.Context) (*Session, error) {
	v, err, _ := s.group.Do("connect", func() (any, error) {
		return s.connectOnce(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

func (s *Supervisor) connectOnce(ctx context.Context) (*Session, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.state == StateActive && s.session != nil {
		sess := s.session
		s.mu.Unlock()
		return sess, nil
	}
	s.cancel = cancel
	s.failure = nil
	ev := s.transitionLocked(StateConnecting)
	s.mu.Unlock()
	s.emitState(ev)

	sess, err := s.establish(ctx, true)

	s.mu.Lock()
	s.cancel = nil
	if err != nil {
		if s.state == StateDisconnected && ctx.Err() != nil {
			s.mu.Unlock()
			return nil, ErrDisconnected // Disconnect won
		}
		next := StateDisconnected
		if errors.Is(err, ErrUnauthorized) {
			next = StateDisconnectedPermanent
		}
		ev := s.transitionLocked(next)
		s.mu.Unlock()
		s.emitState(ev)
		s.emit(Event{Name: EventConnectError, Reason: err.Error()})
		s.logger.Warn("connect failed", zap.Error(err))
		return nil, err
	}
	if ctx.Err() != nil || s.session != sess {
		// Disconnected, or the transport died before it was announced.
		if s.state == StateDisconnected {
			s.mu.Unlock()
			return nil, ErrDisconnected
		}
		ev := s.transitionLocked(StateDisconnected)
		s.mu.Unlock()
		s.emitState(ev)
		s.emit(Event{Name: EventConnectError, Reason: "transport closed"})
		return nil, ErrClosed
	}
	ev = s.transitionLocked(StateActive)
	s.mu.Unlock()

	s.emitState(ev)
	s.emit(Event{Name: EventConnect, Data: sess.connectData})
	s.logger.Info("connected",
		zap.String("conn", sess.ConnectionID()),
		zap.String("identity", sess.Identity()))
	return sess, nil
}

// establish dials, waits for the server's connect frame and installs the
// session. initial marks the first dial, which passes through Authenticated.
func (s *Supervisor) establish(ctx context.Context, initial bool) (*Session, error) {
	dctx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	defer cancel()

	sess, err := dial(dctx, s.cfg.URL, s.cfg.Token)
	if err != nil {
		return nil, err
	}

	if initial {
		s.mu.Lock()
		ev := s.transitionLocked(StateAuthenticated)
		s.mu.Unlock()
		s.emitState(ev)
	}

	go func() {
		sess.readLoop(func(env protocol.Envelope) {
			s.emit(Event{Name: env.Event, Data: env.Data})
		})
		s.lost(sess)
	}()

	select {
	case <-sess.active:
	case <-sess.done:
		return nil, &Error{Code: CodeClosed, Message: "closed before activation", Wrapped: sess.err}
	case <-dctx.Done():
		sess.close()
		return nil, &Error{Code: CodeDialFailed, Message: "waiting for connect", Wrapped: dctx.Err()}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ctx.Err() != nil {
		sess.close()
		return nil, &Error{Code: CodeDisconnected, Wrapped: ctx.Err()}
	}
	select {
	case <-sess.done:
		return nil, &Error{Code: CodeClosed, Message: "closed during activation", Wrapped: sess.err}
	default:
	}
	s.session = sess
	return sess, nil
}

// lost handles the end of an installed session's transport.
func (s *Supervisor) lost(sess *Session) {
	s.mu.Lock()
	if s.session != sess {
		s.mu.Unlock()
		return // never installed, or already replaced by Disconnect
	}
	s.session = nil
	wasActive := s.state == StateActive

	reason := sess.reason
	if reason == "" {
		reason = "transport closed"
	}

	if !wasActive {
		s.mu.Unlock()
		return
	}
	if sess.reason == protocol.ReasonReplaced {
		ev := s.transitionLocked(StateDisconnected)
		s.mu.Unlock()
		s.cancelTyping()
		s.emitState(ev)
		s.emit(Event{Name: EventDisconnect, Reason: reason})
		s.logger.Info("connection replaced by another session")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	ev := s.transitionLocked(StateReconnecting)
	s.mu.Unlock()

	s.cancelTyping()
	s.emitState(ev)
	s.emit(Event{Name: EventDisconnect, Reason: reason})
	s.logger.Info("connection lost", zap.String("reason", reason), zap.Error(sess.err))

	go s.reconnectLoop(ctx, cancel, 0)
}

// reconnectLoop retries until a session is active or MaxAttempts dials,
// counted from the last announced session, have failed. attempt is the
// number already spent.
func (s *Supervisor) reconnectLoop(ctx context.Context, cancel context.CancelFunc, attempt int) {
	defer cancel()

	b := &backoff.ExponentialBackOff{
		InitialInterval:     s.cfg.InitialInterval,
		RandomizationFactor: s.cfg.Jitter,
		Multiplier:          s.cfg.Multiplier,
		MaxInterval:         s.cfg.MaxInterval,
	}
	b.Reset()

	var (
		sess *Session
		err  error
	)
	if left := s.cfg.MaxAttempts - attempt; left > 0 {
		sess, err = backoff.Retry(ctx, func() (*Session, error) {
			attempt++
			s.emit(Event{Name: EventReconnectAttempt, Attempt: attempt})
			sess, err := s.establish(ctx, false)
			if errors.Is(err, ErrUnauthorized) {
				return nil, backoff.Permanent(err)
			}
			return sess, err
		},
			backoff.WithBackOff(b),
			backoff.WithMaxTries(uint(left)),
			backoff.WithNotify(func(err error, next time.Duration) {
				s.logger.Debug("reconnect attempt failed",
					zap.Int("attempt", attempt), zap.Duration("retry_in", next), zap.Error(err))
			}),
		)
	} else {
		err = errors.New("no attempts left")
	}

	s.mu.Lock()
	if s.state != StateReconnecting || ctx.Err() != nil {
		// Disconnect took over.
		s.mu.Unlock()
		if sess != nil {
			sess.close()
		}
		return
	}
	s.cancel = nil
	if err != nil {
		unauthorized := errors.Is(err, ErrUnauthorized)
		if !unauthorized {
			s.failure = &Error{
				Code:    CodeReconnectFailed,
				Message: fmt.Sprintf("gave up after %d attempts", attempt),
				Wrapped: err,
			}
		}
		ev := s.transitionLocked(StateDisconnectedPermanent)
		s.mu.Unlock()
		s.emitState(ev)
		if unauthorized {
			s.emit(Event{Name: EventConnectError, Reason: err.Error()})
		} else {
			s.emit(Event{Name: EventReconnectFailed, Attempt: attempt})
		}
		s.logger.Warn("reconnect failed", zap.Int("attempts", attempt), zap.Error(err))
		return
	}
	if s.session != sess {
		// Lost again before it was announced; the budget carries over.
		ctx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		s.mu.Unlock()
		go s.reconnectLoop(ctx, cancel, attempt)
		return
	}
	ev := s.transitionLocked(StateActive)
	s.mu.Unlock()

	s.emitState(ev)
	s.emit(Event{Name: EventConnect, Data: sess.connectData})
	s.logger.Info("reconnected", zap.Int("attempts", attempt), zap.String("conn", sess.ConnectionID()))
}

// Disconnect closes the transport, abandoning any connect or reconnect in
// progress. It is valid from every state.
func (s *Supervisor) Disconnect() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	sess := s.session
	s.session = nil
	s.failure = nil
	ev := s.transitionLocked(StateDisconnected)
	s.mu.Unlock()

	s.cancelTyping()
	s.emitState(ev)
	if sess != nil {
		_ = sess.close()
		s.emit(Event{Name: EventDisconnect, Reason: "client disconnect"})
	}
}

// Send writes ev on the active session.
func (s *Supervisor) Send(ev protocol.ClientEvent) error {
	s.mu.Lock()
	sess := s.session
	active := s.state == StateActive
	s.mu.Unlock()
	if sess == nil || !active {
		return ErrNotConnected
	}
	return sess.Send(ev)
}

// Keystroke feeds the typing debouncer of roomID ("" for the global scope).
func (s *Supervisor) Keystroke(roomID string) {
	s.debouncer(roomID).Keystroke()
}

// StopTyping ends a typing burst in roomID early.
func (s *Supervisor) StopTyping(roomID string) {
	s.tmu.Lock()
	d, ok := s.typing[roomID]
	s.tmu.Unlock()
	if ok {
		d.Stop()
	}
}

func (s *Supervisor) debouncer(roomID string) *Debouncer {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	d, ok := s.typing[roomID]
	if !ok {
		d = NewDebouncer(s.cfg.TypingWindow, func(isTyping bool) {
			if err := s.Send(protocol.TypingSet{IsTyping: isTyping, RoomID: roomID}); err != nil {
				s.logger.Debug("typing not sent", zap.String("room", roomID), zap.Error(err))
			}
		})
		s.typing[roomID] = d
	}
	return d
}

func (s *Supervisor) cancelTyping() {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	for _, d := range s.typing {
		d.Cancel()
	}
}
