package relay

import (
	"github.com/whisper/presence-relay/internal/ws"
)

// wsHandler feeds ws.Server callbacks into the hub.
type wsHandler struct {
	hub *Hub
}

// WSHandler returns the ws.Handler that connects a ws.Server to h.
func (h *Hub) WSHandler() ws.Handler {
	return wsHandler{hub: h}
}

func (w wsHandler) Open(c *ws.Connection) {
	w.hub.Open(c, c.Identity)
}

func (w wsHandler) Frame(c *ws.Connection, data []byte) {
	w.hub.HandleFrame(c, c.Identity, data)
}

func (w wsHandler) Close(c *ws.Connection) {
	w.hub.Close(c)
}
