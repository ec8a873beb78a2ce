package client

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type transitions struct {
	mu  sync.Mutex
	got []bool
}

func (tr *transitions) emit(v bool) {
	tr.mu.Lock()
	tr.got = append(tr.got, v)
	tr.mu.Unlock()
}

func (tr *transitions) snapshot() []bool {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]bool(nil), tr.got...)
}

func TestDebouncerBurst(t *testing.T) {
	tr := &transitions{}
	d := NewDebouncer(40*time.Millisecond, tr.emit)

	for i := 0; i < 10; i++ {
		d.Keystroke()
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, []bool{true}, tr.snapshot(), "true exactly once per burst")
	assert.True(t, d.Typing())

	require.Eventually(t, func() bool { return len(tr.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []bool{true, false}, tr.snapshot())
	assert.False(t, d.Typing())

	// A new burst starts over.
	d.Keystroke()
	require.Eventually(t, func() bool { return len(tr.snapshot()) == 4 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []bool{true, false, true, false}, tr.snapshot())
}

func TestDebouncerKeystrokeRestartsWindow(t *testing.T) {
	tr := &transitions{}
	d := NewDebouncer(60*time.Millisecond, tr.emit)

	d.Keystroke()
	time.Sleep(40 * time.Millisecond)
	d.Keystroke()
	time.Sleep(40 * time.Millisecond)

	assert.Equal(t, []bool{true}, tr.snapshot(), "second keystroke pushed expiry out")
	require.Eventually(t, func() bool { return len(tr.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
}

func TestDebouncerStopEarly(t *testing.T) {
	tr := &transitions{}
	d := NewDebouncer(time.Hour, tr.emit)

	d.Stop()
	assert.Empty(t, tr.snapshot(), "stop without a burst emits nothing")

	d.Keystroke()
	d.Stop()
	d.Stop()
	assert.Equal(t, []bool{true, false}, tr.snapshot())
}

func TestDebouncerCancelIsSilent(t *testing.T) {
	tr := &transitions{}
	d := NewDebouncer(20*time.Millisecond, tr.emit)

	d.Keystroke()
	d.Cancel()
	time.Sleep(60 * time.Millisecond)

	assert.Equal(t, []bool{true}, tr.snapshot())
	assert.False(t, d.Typing())
}
