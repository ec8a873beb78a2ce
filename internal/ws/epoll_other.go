//go:build !linux

package ws

import (
	"net"
	"sync"
	"syscall"
)

// Epoll emulates readiness polling with one parked goroutine per connection
// on platforms without epoll. A connection is reported once, then not again
// until Resume.
type Epoll struct {
	mu      sync.RWMutex
	resume  map[*Connection]chan struct{}
	readyCh chan *Connection
	done    chan struct{}
	once    sync.Once
}

// NewEpoll creates a goroutine-backed poller.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		resume:  make(map[*Connection]chan struct{}),
		readyCh: make(chan *Connection, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add starts watching c for read readiness without consuming any bytes.
func (e *Epoll) Add(c *Connection) error {
	sc, ok := c.Conn.(syscall.Conn)
	if !ok {
		return errNoFD
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return err
	}

	resume := make(chan struct{}, 1)
	e.mu.Lock()
	if e.resume == nil {
		e.mu.Unlock()
		return net.ErrClosed
	}
	e.resume[c] = resume
	e.mu.Unlock()

	go e.watch(c, raw, resume)
	return nil
}

func (e *Epoll) watch(c *Connection, raw syscall.RawConn, resume chan struct{}) {
	for {
		polled := false
		err := raw.Read(func(uintptr) bool {
			if !polled {
				polled = true
				return false // park until readable
			}
			return true
		})

		select {
		case e.readyCh <- c:
		case <-e.done:
			return
		}
		if err != nil {
			// Closed; the reader sees the error and removes c.
			return
		}

		select {
		case _, ok := <-resume:
			if !ok {
				return
			}
		case <-e.done:
			return
		}
	}
}

// Resume re-arms watching c after the reader finished with it.
func (e *Epoll) Resume(c *Connection) {
	e.mu.RLock()
	resume, ok := e.resume[c]
	e.mu.RUnlock()
	if !ok {
		return
	}
	select {
	case resume <- struct{}{}:
	default:
	}
}

// Remove stops watching c.
func (e *Epoll) Remove(c *Connection) error {
	e.mu.Lock()
	resume, ok := e.resume[c]
	delete(e.resume, c)
	e.mu.Unlock()
	if ok {
		close(resume)
	}
	return nil
}

// Wait blocks until at least one connection is readable and returns every
// connection ready at that point.
func (e *Epoll) Wait() ([]*Connection, error) {
	var first *Connection
	select {
	case first = <-e.readyCh:
	case <-e.done:
		return nil, net.ErrClosed
	}

	ready := []*Connection{first}
	for {
		select {
		case c := <-e.readyCh:
			ready = append(ready, c)
		default:
			return ready, nil
		}
	}
}

// Len returns the number of watched connections.
func (e *Epoll) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.resume)
}

// Close stops every watcher and wakes Wait.
func (e *Epoll) Close() error {
	e.once.Do(func() { close(e.done) })
	e.mu.Lock()
	e.resume = nil
	e.mu.Unlock()
	return nil
}
