package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/whisper/presence-relay/internal/auth"
)

// Connection represents a single authenticated WebSocket client connection
// with its associated metadata and a write mutex for serializing outbound
// frames.
type Connection struct {
	id           string
	Conn         net.Conn      // underlying TCP connection
	Identity     auth.Identity // resolved by the gateway before upgrade
	RemoteIP     string
	CreatedAt    time.Time    // when the connection was established
	lastSeen     atomic.Int64 // unix nanos of the last frame read
	writeTimeout time.Duration
	writeMu      sync.Mutex // serializes writes to this connection
	processing   int32      // atomic flag: 0 = idle, 1 = being read by handleConn
	fd           int        // socket descriptor while registered with epoll, else -1
	remove       func(*Connection)
}

func newConnection(id string, conn net.Conn, identity auth.Identity, remoteIP string, writeTimeout time.Duration) *Connection {
	now := time.Now()
	c := &Connection{
		id:           id,
		Conn:         conn,
		Identity:     identity,
		RemoteIP:     remoteIP,
		CreatedAt:    now,
		writeTimeout: writeTimeout,
		fd:           -1,
	}
	c.lastSeen.Store(now.UnixNano())
	return c
}

// ID returns the connection id assigned at upgrade.
func (c *Connection) ID() string {
	return c.id
}

// Touch records activity on the connection.
func (c *Connection) Touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

// LastSeen returns the time of the last frame read from the client.
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// Send writes a WebSocket text frame to this connection. The write mutex
// ensures that concurrent goroutines do not interleave frame bytes, and the
// write deadline bounds how long a slow client can hold the caller.
func (c *Connection) Send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		// Clear write deadline so it doesn't affect future writes (e.g., heartbeat pings).
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// Close removes the connection from its server, which closes the socket and
// reports the close to the server's Handler. Safe to call more than once.
func (c *Connection) Close() error {
	if c.remove != nil {
		c.remove(c)
		return nil
	}
	return c.Conn.Close()
}

// ConnectionManager is a thread-safe registry of open connections by id.
type ConnectionManager struct {
	mu   sync.RWMutex
	byID map[string]*Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID: make(map[string]*Connection),
	}
}

// Add registers a new connection.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.id] = conn
	cm.mu.Unlock()
}

// Remove removes a connection by ID, closes the underlying network
// connection. Returns true if the
// connection was found and removed, false if it was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
	}
	cm.mu.Unlock()

	if ok {
		conn.Conn.Close()
	}
	return ok
}

// Get returns the connection for the given ID, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// Count returns the current number of open connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
