// Package router resolves inbound client events to handlers and fans the
// resulting frames out according to a static per-event broadcast policy.
package router

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/whisper/presence-relay/internal/auth"
	"github.com/whisper/presence-relay/internal/metrics"
	"github.com/whisper/presence-relay/internal/protocol"
)

// Source identifies the connection an event arrived on.
type Source struct {
	ConnID   string
	Identity auth.Identity
}

// Outbound is what a handler asks the router to broadcast. The response
// event and policy come from the routing table.
type Outbound struct {
	Scope   Scope
	Payload any
	// Then, if set, runs after the fan-out. Recipients are resolved before
	// it, so state changes made here are not visible to this broadcast.
	Then func()
}

// Handler processes one validated event. Returning a nil Outbound means the
// handler produced no broadcast. A *ValidationError is reported to the
// sender; any other error is logged and reported as an internal error.
type Handler func(src Source, ev protocol.ClientEvent) (*Outbound, error)

// Sender writes an encoded frame to a set of connections.
type Sender interface {
	SendTo(connIDs []string, frame []byte)
}

// Router is not safe for concurrent use. It is owned by the single
// dispatcher goroutine.
type Router struct {
	handlers map[string]Handler
	dir      Directory
	out      Sender
	logger   *zap.Logger
}

// New creates a Router that resolves recipients through dir and writes
// frames through out.
func New(dir Directory, out Sender, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		handlers: make(map[string]Handler),
		dir:      dir,
		out:      out,
		logger:   logger.Named("router"),
	}
}

// Register associates a handler with an inbound event. It panics if the event
// has no route, since the routing table is fixed at compile time.
func (r *Router) Register(event string, h Handler) {
	if _, ok := Lookup(event); !ok {
		panic(fmt.Sprintf("router: no route for event %q", event))
	}
	r.handlers[event] = h
}

// Dispatch validates env, runs its handler and broadcasts the result.
func (r *Router) Dispatch(src Source, env protocol.Envelope) {
	start := time.Now()
	defer func() { metrics.DispatchLatency.Observe(time.Since(start).Seconds()) }()

	ev, verr := Validate(env)
	if verr != nil {
		r.reject(src, verr)
		return
	}

	route, _ := Lookup(env.Event)
	h, ok := r.handlers[env.Event]
	if !ok {
		r.reject(src, NewValidationError(env.Event, CodeUnsupportedEvent, "unsupported event"))
		return
	}

	out, err := h(src, ev)
	if err != nil {
		var ve *ValidationError
		if errors.As(err, &ve) {
			r.reject(src, ve)
			return
		}
		metrics.EventsTotal.WithLabelValues(env.Event, "error").Inc()
		r.logger.Error("handler failed",
			zap.String("event", env.Event),
			zap.String("conn", src.ConnID),
			zap.Error(err))
		r.ReplyError(src.ConnID, NewValidationError(env.Event, CodeInternal, "internal error"))
		return
	}
	metrics.EventsTotal.WithLabelValues(env.Event, "ok").Inc()

	if out == nil {
		return
	}
	scope := out.Scope
	if scope.Sender == "" {
		scope.Sender = src.ConnID
	}
	r.Broadcast(route.Response, route.Policy, scope, out.Payload)
	if out.Then != nil {
		out.Then()
	}
}

// Broadcast encodes payload as event and sends it to every connection the
// policy selects. It returns the number of recipients.
func (r *Router) Broadcast(event string, p Policy, scope Scope, payload any) int {
	recipients := Recipients(p, r.dir, scope)
	if len(recipients) == 0 {
		return 0
	}
	frame, err := protocol.NewServerMessage(event, payload)
	if err != nil {
		r.logger.Error("encode frame", zap.String("event", event), zap.Error(err))
		return 0
	}
	r.out.SendTo(recipients, frame)
	metrics.FramesSent.WithLabelValues(event).Add(float64(len(recipients)))
	return len(recipients)
}

// Reply sends a single frame to one connection.
func (r *Router) Reply(connID, event string, payload any) {
	r.Broadcast(event, PolicySender, Scope{Sender: connID}, payload)
}

// ReplyError sends a structured error frame to one connection.
func (r *Router) ReplyError(connID string, verr *ValidationError) {
	r.Reply(connID, protocol.EventError, protocol.ErrorMsg{
		Code:    verr.Code,
		Message: verr.Message,
		Event:   verr.Event,
	})
}

func (r *Router) reject(src Source, verr *ValidationError) {
	label := verr.Event
	if _, ok := Lookup(label); !ok {
		label = "unknown"
	}
	metrics.EventsTotal.WithLabelValues(label, "invalid").Inc()
	r.logger.Debug("event rejected",
		zap.String("event", verr.Event),
		zap.String("conn", src.ConnID),
		zap.String("code", verr.Code))
	r.ReplyError(src.ConnID, verr)
}
