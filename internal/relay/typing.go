package relay

import (
	"sort"
	"time"
)

type typingKey struct {
	connID string
	roomID string // empty for the global scope
}

type typingTimer struct {
	timer *time.Timer
	gen   uint64
}

// typingTracker keeps one expiry timer per (connection, room). Timers fire on
// their own goroutine and submit an expiry task carrying the generation they
// were armed with; a refresh or cancel bumps the generation so a stale
// expiry is ignored.
type typingTracker struct {
	ttl    time.Duration
	submit func(func()) bool
	timers map[typingKey]*typingTimer
	gen    uint64
	// onExpire runs on the dispatcher when a timer expires unrefreshed.
	onExpire func(connID, roomID string)
}

func newTypingTracker(ttl time.Duration, submit func(func()) bool) *typingTracker {
	return &typingTracker{
		ttl:    ttl,
		submit: submit,
		timers: make(map[typingKey]*typingTimer),
	}
}

// start arms or re-arms the timer for (connID, roomID).
func (t *typingTracker) start(connID, roomID string) {
	if t.ttl <= 0 {
		return
	}
	key := typingKey{connID, roomID}
	if old, ok := t.timers[key]; ok {
		old.timer.Stop()
	}

	t.gen++
	gen := t.gen
	tt := &typingTimer{gen: gen}
	tt.timer = time.AfterFunc(t.ttl, func() {
		t.submit(func() { t.expire(key, gen) })
	})
	t.timers[key] = tt
}

// stop cancels the timer for (connID, roomID) and reports whether one was
// running.
func (t *typingTracker) stop(connID, roomID string) bool {
	key := typingKey{connID, roomID}
	tt, ok := t.timers[key]
	if !ok {
		return false
	}
	tt.timer.Stop()
	delete(t.timers, key)
	return true
}

func (t *typingTracker) expire(key typingKey, gen uint64) {
	tt, ok := t.timers[key]
	if !ok || tt.gen != gen {
		return
	}
	delete(t.timers, key)
	if t.onExpire != nil {
		t.onExpire(key.connID, key.roomID)
	}
}

// cancelConn stops every timer of a connection without expiry callbacks and
// returns the rooms that had one, sorted.
func (t *typingTracker) cancelConn(connID string) []string {
	var rooms []string
	for key, tt := range t.timers {
		if key.connID != connID {
			continue
		}
		tt.timer.Stop()
		delete(t.timers, key)
		rooms = append(rooms, key.roomID)
	}
	sort.Strings(rooms)
	return rooms
}

func (t *typingTracker) cancelAll() {
	for key, tt := range t.timers {
		tt.timer.Stop()
		delete(t.timers, key)
	}
}
