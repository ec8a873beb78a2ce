package room

import (
	"sync"

	"github.com/whisper/presence-relay/internal/protocol"
)

// MaxHistoryMessages is the number of recent messages retained per room.
const MaxHistoryMessages = 20

// History stores the last MaxHistoryMessages messages per room in memory.
// It is goroutine-safe and uses a ring buffer internally.
type History struct {
	mu      sync.RWMutex
	buffers map[string]*ringBuffer // roomID -> ring buffer
}

// ringBuffer is a fixed-size circular buffer of messages.
type ringBuffer struct {
	items []protocol.MessageReceived
	pos   int
	count int
}

// NewHistory creates a new empty History.
func NewHistory() *History {
	return &History{
		buffers: make(map[string]*ringBuffer),
	}
}

// Add appends a message to the room's ring buffer. If the buffer is full,
// the oldest message is overwritten.
func (h *History) Add(roomID string, msg protocol.MessageReceived) {
	h.mu.Lock()
	defer h.mu.Unlock()

	rb, ok := h.buffers[roomID]
	if !ok {
		rb = &ringBuffer{
			items: make([]protocol.MessageReceived, MaxHistoryMessages),
		}
		h.buffers[roomID] = rb
	}

	rb.items[rb.pos] = msg
	rb.pos = (rb.pos + 1) % MaxHistoryMessages
	if rb.count < MaxHistoryMessages {
		rb.count++
	}
}

// Get returns the retained messages for a room, oldest first. Returns an
// empty slice if the room has no buffer.
func (h *History) Get(roomID string) []protocol.MessageReceived {
	h.mu.RLock()
	defer h.mu.RUnlock()

	rb, ok := h.buffers[roomID]
	if !ok {
		return []protocol.MessageReceived{}
	}

	result := make([]protocol.MessageReceived, rb.count)
	// The oldest message is at position (pos - count) mod MaxHistoryMessages.
	start := (rb.pos - rb.count + MaxHistoryMessages) % MaxHistoryMessages
	for i := 0; i < rb.count; i++ {
		result[i] = rb.items[(start+i)%MaxHistoryMessages]
	}
	return result
}

// Remove deletes the buffer for a room (called when the room empties).
func (h *History) Remove(roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.buffers, roomID)
}
