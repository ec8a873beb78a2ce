//go:build linux

package ws

import (
	"errors"
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// Epoll multiplexes read readiness for every open connection on one
// level-triggered epoll instance. Ready descriptors resolve straight to their
// *Connection.
type Epoll struct {
	fd     int
	mu     sync.RWMutex
	byFD   map[int32]*Connection
	events []unix.EpollEvent // owned by Wait
}

// NewEpoll creates a new epoll instance using epoll_create1.
func NewEpoll() (*Epoll, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Epoll{
		fd:     fd,
		byFD:   make(map[int32]*Connection),
		events: make([]unix.EpollEvent, 128),
	}, nil
}

// Add registers c for read, hang-up and peer half-close notifications.
func (e *Epoll) Add(c *Connection) error {
	fd := socketFD(c.Conn)
	if fd < 0 {
		return errNoFD
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.byFD == nil {
		return net.ErrClosed
	}
	if err := unix.EpollCtl(e.fd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLHUP,
		Fd:     int32(fd),
	}); err != nil {
		return err
	}
	c.fd = fd
	e.byFD[int32(fd)] = c
	return nil
}

// Remove unregisters c. A descriptor the kernel already reused for a newer
// connection is left alone.
func (e *Epoll) Remove(c *Connection) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cur, ok := e.byFD[int32(c.fd)]; !ok || cur != c {
		return nil
	}
	delete(e.byFD, int32(c.fd))

	err := unix.EpollCtl(e.fd, unix.EPOLL_CTL_DEL, c.fd, nil)
	if errors.Is(err, unix.EBADF) || errors.Is(err, unix.ENOENT) {
		// Closing the socket already dropped it from the interest list.
		return nil
	}
	return err
}

// Wait blocks until at least one registered connection is readable.
// Connections removed while epoll_wait was returning are skipped.
func (e *Epoll) Wait() ([]*Connection, error) {
	n, err := unix.EpollWait(e.fd, e.events, -1)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	ready := make([]*Connection, 0, n)
	for _, ev := range e.events[:n] {
		if c, ok := e.byFD[ev.Fd]; ok {
			ready = append(ready, c)
		}
	}
	return ready, nil
}

// Resume is a no-op: unread data keeps a level-triggered descriptor ready.
func (e *Epoll) Resume(*Connection) {}

// Len returns the number of registered connections.
func (e *Epoll) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.byFD)
}

// Close releases the epoll descriptor. Later calls to Add fail.
func (e *Epoll) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.byFD == nil {
		return nil
	}
	e.byFD = nil
	return unix.Close(e.fd)
}

// socketFD returns the descriptor behind conn without dup'ing it, or -1.
func socketFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}

	fd := -1
	_ = raw.Control(func(sfd uintptr) {
		fd = int(sfd)
	})
	return fd
}
