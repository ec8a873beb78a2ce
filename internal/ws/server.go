// Package ws handles the WebSocket transport: authenticating and upgrading
// HTTP connections, multiplexing reads through epoll and a bounded worker
// pool, and handing connections and frames to a Handler.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/whisper/presence-relay/internal/auth"
	"github.com/whisper/presence-relay/internal/metrics"
	"github.com/whisper/presence-relay/internal/ratelimit"
)

// MaxFrameBytes caps the payload of a single inbound data frame.
const MaxFrameBytes = 64 * 1024

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Authenticator resolves a handshake credential to an identity.
type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (auth.Identity, error)
}

// Handler receives connection lifecycle events and inbound data frames.
// Open is called once per accepted connection before any Frame, Close once
// after the last Frame. Frame is called from read workers.
type Handler interface {
	Open(c *Connection)
	Frame(c *Connection, data []byte)
	Close(c *Connection)
}

// Stats reports relay state for the health endpoint.
type Stats interface {
	Online() int
	Rooms() int
}

// Server is the high-performance WebSocket server built on gobwas/ws and Linux
// epoll. It authenticates the upgrade request, upgrades it, registers the
// connection with an epoll instance for I/O readiness notifications, and
// dispatches ready connections to a bounded worker pool for frame reading.
type Server struct {
	config     ServerConfig
	gateway    Authenticator
	handler    Handler
	limiter    *ratelimit.Limiter // optional per-IP handshake limit
	stats      Stats              // optional
	logger     *zap.Logger
	epoll      poller
	conns      *ConnectionManager
	workerPool chan struct{} // semaphore limiting concurrent read workers
	httpServer *http.Server
	done       chan struct{}
	startedAt  time.Time // server start time for uptime calculation
}

// NewServer creates a Server. Every accepted connection has already passed
// gateway, and is then reported to handler.
func NewServer(config ServerConfig, gateway Authenticator, handler Handler, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		config:     config,
		gateway:    gateway,
		handler:    handler,
		logger:     logger.Named("ws"),
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		done:       make(chan struct{}),
	}
}

// SetLimiter enables per-IP handshake rate limiting.
func (s *Server) SetLimiter(l *ratelimit.Limiter) {
	s.limiter = l
}

// SetStats sets the source of presence and room counts for /health.
func (s *Server) SetStats(stats Stats) {
	s.stats = stats
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("ws: listen %s: %w", s.config.ListenAddr, err)
	}
	return s.Serve(ln)
}

// Serve initializes the epoll instance, starts the event loop and heartbeat,
// and blocks serving HTTP on ln.
func (s *Server) Serve(ln net.Listener) error {
	ep, err := NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}
	s.epoll = ep

	s.startedAt = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())

	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start the epoll event loop in the background.
	go s.startEventLoop()

	// Start the heartbeat monitor to detect and close dead connections.
	StartHeartbeat(s, s.config.Heartbeat)

	s.logger.Info("server listening",
		zap.String("addr", ln.Addr().String()),
		zap.Int("workers", s.config.WorkerPoolSize),
		zap.Int("max_conns", s.config.MaxConnections))

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade authenticates the request, upgrades it to a WebSocket
// connection using the gobwas/ws zero-copy upgrader, registers it with the
// connection manager and epoll, and hands it to the Handler. A rejected
// request never creates connection state.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	// Enforce maximum connection limit.
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	ip := remoteIP(r)
	if s.limiter != nil {
		ok, _ := s.limiter.Allow(r.Context(), ip, ratelimit.RuleConnect)
		if !ok {
			retry := s.limiter.RetryAfter(r.Context(), ip, ratelimit.RuleConnect)
			w.Header().Set("Retry-After", strconv.Itoa(int(retry.Seconds()+0.5)))
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}
	}

	identity, err := s.gateway.Authenticate(r.Context(), auth.CredentialFromRequest(r))
	if err != nil {
		reason := "invalid"
		var ae *auth.AuthError
		if errors.As(err, &ae) {
			reason = ae.Reason
		}
		metrics.AuthFailures.WithLabelValues(reason).Inc()
		s.logger.Info("handshake rejected", zap.String("ip", ip), zap.String("reason", reason))
		http.Error(w, "unauthorized: "+reason, http.StatusUnauthorized)
		return
	}

	// Upgrade the HTTP connection to WebSocket.
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Warn("upgrade failed", zap.Error(err))
		return
	}

	c := newConnection(uuid.NewString(), conn, identity, ip, s.config.WriteTimeout)
	c.remove = s.RemoveConnection

	// Open must reach the handler before the first Frame, so the connection
	// joins epoll only after it.
	s.conns.Add(c)
	metrics.ConnectionsTotal.Inc()
	s.handler.Open(c)

	if err := s.epoll.Add(c); err != nil {
		s.logger.Error("epoll add failed", zap.String("conn", c.ID()), zap.Error(err))
		s.RemoveConnection(c)
		return
	}

	s.logger.Debug("new connection",
		zap.String("conn", c.ID()),
		zap.String("identity", identity.ID),
		zap.Int("total", s.conns.Count()))
}

// handleHealth responds with the server's health status as JSON.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Online      int    `json:"online"`
		Rooms       int    `json:"rooms"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}
	if s.stats != nil {
		resp.Online = s.stats.Online()
		resp.Rooms = s.stats.Rooms()
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop runs the epoll wait loop. For each batch of ready
// connections, it dispatches each to a worker goroutine (bounded by the
// worker pool semaphore) that reads and processes the WebSocket frame.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				// EINTR is expected during signal handling.
				if isEINTR(err) {
					continue
				}
				s.logger.Warn("epoll wait error", zap.Error(err))
				continue
			}
		}

		for _, c := range conns {
			// Acquire a worker slot (blocks if pool is full).
			s.workerPool <- struct{}{}

			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(c)
			}()
		}
	}
}

// handleConn reads a single WebSocket frame from a ready connection using
// wsutil.NextReader so that control frames (ping, pong) are handled without
// blocking on a data frame that may never arrive. If the read fails
// (connection closed, protocol error, etc.) the connection is removed.
func (s *Server) handleConn(c *Connection) {
	netConn := c.Conn

	// Guard against duplicate dispatch from level-triggered epoll.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)
	defer s.epoll.Resume(c)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A read timeout means no data was available (stale epoll dispatch).
		// Don't kill the connection; the heartbeat handles dead connections.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	// Clear read deadline after successful frame read.
	_ = netConn.SetReadDeadline(time.Time{})

	// Any frame proves the connection is alive.
	c.Touch()

	// Handle control frames without removing the connection.
	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		// Pong/ping: connection is alive, nothing else to do.
		return
	}

	if header.Length > MaxFrameBytes {
		s.logger.Info("frame too large", zap.String("conn", c.ID()), zap.Int64("bytes", header.Length))
		s.RemoveConnection(c)
		return
	}

	// Read data frame payload.
	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return
		}
	}

	if len(data) == 0 {
		return
	}

	s.handler.Frame(c, data)
}

// RemoveConnection removes a connection from both epoll and the connection
// manager, closes the underlying network connection and reports the close to
// the Handler. It is safe to call concurrently and more than once.
func (s *Server) RemoveConnection(c *Connection) {
	if s.epoll != nil {
		_ = s.epoll.Remove(c)
	}

	// Only the caller that actually removed the connection proceeds; a read
	// error and a heartbeat timeout may race here.
	if !s.conns.Remove(c.ID()) {
		return
	}
	metrics.ConnectionsTotal.Dec()

	s.handler.Close(c)

	s.logger.Debug("connection closed", zap.String("conn", c.ID()), zap.Int("total", s.conns.Count()))
}

// Connections returns the ConnectionManager for external access to connection
// state (e.g., by the heartbeat).
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown performs a graceful shutdown of the server. It stops the HTTP
// listener, signals the event loop to exit, closes all open connections,
// and cleans up the epoll instance. The Handler is not called for
// connections closed here.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	// Signal the event loop to stop.
	close(s.done)

	// Stop accepting new HTTP connections.
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Warn("http shutdown error", zap.Error(err))
		}
	}

	for _, c := range s.conns.All() {
		if s.epoll != nil {
			_ = s.epoll.Remove(c)
		}
		if s.conns.Remove(c.ID()) {
			metrics.ConnectionsTotal.Dec()
		}
	}

	// Close the epoll instance.
	if s.epoll != nil {
		_ = s.epoll.Close()
	}

	s.logger.Info("server stopped, all connections closed")
	return nil
}

// remoteIP returns the client address, preferring the first X-Forwarded-For
// hop set by the load balancer.
func remoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// isEINTR checks if the error is a syscall interrupted error (EINTR),
// which is expected during signal handling and should be retried.
func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == "interrupted system call" ||
		err.Error() == "errno 4"
}
