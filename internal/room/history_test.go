package room

import (
	"fmt"
	"sync"
	"testing"

	"github.com/whisper/presence-relay/internal/protocol"
)

func msg(from, text string, ts int64) protocol.MessageReceived {
	return protocol.MessageReceived{ID: text, FromIdentity: from, Text: text, Timestamp: ts}
}

func TestHistoryAddAndGet(t *testing.T) {
	h := NewHistory()

	h.Add("room1", msg("a", "hello", 1))
	h.Add("room1", msg("b", "hi", 2))
	h.Add("room1", msg("a", "how are you?", 3))

	msgs := h.Get("room1")
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if msgs[0].Text != "hello" || msgs[1].Text != "hi" || msgs[2].Text != "how are you?" {
		t.Errorf("messages out of order: %+v", msgs)
	}
}

func TestHistoryWraparound(t *testing.T) {
	h := NewHistory()

	total := MaxHistoryMessages + 2
	for i := 1; i <= total; i++ {
		h.Add("room1", msg("sender", fmt.Sprintf("msg-%d", i), int64(i)))
	}

	msgs := h.Get("room1")
	if len(msgs) != MaxHistoryMessages {
		t.Fatalf("expected %d messages, got %d", MaxHistoryMessages, len(msgs))
	}

	// Should contain messages 3 through total in order.
	for i, m := range msgs {
		expected := fmt.Sprintf("msg-%d", i+3)
		if m.Text != expected {
			t.Errorf("index %d: expected %q, got %q", i, expected, m.Text)
		}
	}
}

func TestHistoryGetNonExistentRoom(t *testing.T) {
	h := NewHistory()

	msgs := h.Get("does-not-exist")
	if msgs == nil {
		t.Fatal("expected non-nil empty slice, got nil")
	}
	if len(msgs) != 0 {
		t.Fatalf("expected 0 messages, got %d", len(msgs))
	}
}

func TestHistoryRemove(t *testing.T) {
	h := NewHistory()

	h.Add("room1", msg("a", "hello", 1))
	h.Remove("room1")
	h.Remove("does-not-exist")

	if msgs := h.Get("room1"); len(msgs) != 0 {
		t.Fatalf("expected 0 messages after remove, got %d", len(msgs))
	}
}

func TestHistoryConcurrentAccess(t *testing.T) {
	h := NewHistory()
	goroutines := 50
	perGoroutine := 20

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func(id int) {
			defer wg.Done()
			for m := 0; m < perGoroutine; m++ {
				h.Add("busy", msg(fmt.Sprintf("s-%d", id), fmt.Sprintf("g%d-m%d", id, m), int64(m)))
				_ = h.Get("busy")
			}
		}(g)
	}
	wg.Wait()

	if msgs := h.Get("busy"); len(msgs) != MaxHistoryMessages {
		t.Fatalf("expected %d messages after concurrent writes, got %d", MaxHistoryMessages, len(msgs))
	}
}
