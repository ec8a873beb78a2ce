package client

import (
	"sync"
	"time"
)

// Debouncer turns a stream of keystrokes into typing transitions: true on
// the first keystroke of a burst, false once no keystroke arrived for the
// window. Each keystroke restarts the countdown.
type Debouncer struct {
	window time.Duration
	emit   func(isTyping bool)

	mu     sync.Mutex
	timer  *time.Timer
	gen    uint64
	typing bool
}

// NewDebouncer returns a Debouncer that reports transitions to emit. emit is
// called with the Debouncer's lock held, so transitions arrive in order.
func NewDebouncer(window time.Duration, emit func(isTyping bool)) *Debouncer {
	return &Debouncer{window: window, emit: emit}
}

// Keystroke records activity.
func (d *Debouncer) Keystroke() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
	}
	d.gen++
	gen := d.gen
	d.timer = time.AfterFunc(d.window, func() { d.expire(gen) })

	if !d.typing {
		d.typing = true
		d.emit(true)
	}
}

// Stop ends the burst now, emitting false if one was in progress.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.halt() {
		d.emit(false)
	}
}

// Cancel ends the burst without emitting anything.
func (d *Debouncer) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.halt()
}

// Typing reports whether a burst is in progress.
func (d *Debouncer) Typing() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.typing
}

func (d *Debouncer) halt() bool {
	d.gen++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	was := d.typing
	d.typing = false
	return was
}

func (d *Debouncer) expire(gen uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if gen != d.gen || !d.typing {
		return
	}
	d.typing = false
	d.timer = nil
	d.emit(false)
}
