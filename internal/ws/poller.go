package ws

import "errors"

var errNoFD = errors.New("ws: connection has no socket descriptor")

// poller reports connections with unread input. A reader takes each
// connection Wait returns and calls Resume when done with it. Until then the
// connection may or may not be reported again, depending on the platform.
type poller interface {
	Add(c *Connection) error
	Remove(c *Connection) error
	Wait() ([]*Connection, error)
	Resume(c *Connection)
	Len() int
	Close() error
}

var _ poller = (*Epoll)(nil)
