package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/whisper/presence-relay/internal/protocol"
)

// Session is one authenticated transport to the relay. It becomes usable
// once the server's connect frame has arrived and is discarded when the
// transport ends; a reconnect produces a new Session.
type Session struct {
	conn    net.Conn
	reader  io.Reader
	writeMu sync.Mutex

	connectionID string
	identity     string
	connectData  json.RawMessage
	reason       string // from a server disconnect frame

	active    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	err       error
}

func newSession(conn net.Conn, reader io.Reader) *Session {
	return &Session{
		conn:   conn,
		reader: reader,
		active: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// ConnectionID returns the id the server assigned to this transport.
func (s *Session) ConnectionID() string { return s.connectionID }

// Identity returns the identity the server authenticated.
func (s *Session) Identity() string { return s.identity }

// Done is closed when the transport has ended.
func (s *Session) Done() <-chan struct{} { return s.done }

// Send writes one client event. It is goroutine-safe.
func (s *Session) Send(ev protocol.ClientEvent) error {
	data, err := protocol.NewClientMessage(ev)
	if err != nil {
		return err
	}
	select {
	case <-s.done:
		return ErrClosed
	default:
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := wsutil.WriteClientMessage(s.conn, ws.OpText, data); err != nil {
		return &Error{Code: CodeClosed, Message: "write", Wrapped: err}
	}
	return nil
}

func (s *Session) close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.conn.Close()
	})
	return err
}

// lockedWriter serializes control frame replies with Send.
type lockedWriter struct {
	mu *sync.Mutex
	w  io.Writer
}

func (l lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// readLoop reads server frames until the transport fails, handing each
// envelope to onFrame. It answers pings and close frames itself.
func (s *Session) readLoop(onFrame func(protocol.Envelope)) {
	defer close(s.done)
	defer s.close()

	control := wsutil.ControlFrameHandler(lockedWriter{mu: &s.writeMu, w: s.conn}, ws.StateClientSide)
	rd := &wsutil.Reader{
		Source:         s.reader,
		State:          ws.StateClientSide,
		CheckUTF8:      true,
		OnIntermediate: control,
	}

	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			s.err = err
			return
		}
		if hdr.OpCode.IsControl() {
			if err := control(hdr, rd); err != nil {
				s.err = err
				return
			}
			continue
		}
		if hdr.OpCode&ws.OpText == 0 {
			if err := rd.Discard(); err != nil {
				s.err = err
				return
			}
			continue
		}

		data, err := io.ReadAll(rd)
		if err != nil {
			s.err = err
			return
		}
		env, err := protocol.ParseEnvelope(data)
		if err != nil {
			continue
		}

		switch env.Event {
		case protocol.EventConnect:
			var msg protocol.ConnectMsg
			if json.Unmarshal(env.Data, &msg) == nil {
				s.connectionID = msg.ConnectionID
				s.identity = msg.Identity
			}
			s.connectData = env.Data
			select {
			case <-s.active:
			default:
				close(s.active)
			}
			continue
		case protocol.EventDisconnect:
			var msg protocol.DisconnectMsg
			if json.Unmarshal(env.Data, &msg) == nil {
				s.reason = msg.Reason
			}
			continue
		}
		onFrame(env)
	}
}

// dial opens a transport to url, presenting token as a bearer credential.
// A 401 handshake response is reported as ErrUnauthorized.
func dial(ctx context.Context, url, token string) (*Session, error) {
	d := ws.Dialer{
		Header: ws.HandshakeHeaderHTTP(http.Header{
			"Authorization": []string{"Bearer " + token},
		}),
	}

	conn, br, _, err := d.Dial(ctx, url)
	if err != nil {
		var status ws.StatusError
		if errors.As(err, &status) && int(status) == http.StatusUnauthorized {
			return nil, &Error{Code: CodeUnauthorized, Message: "handshake rejected", Wrapped: err}
		}
		return nil, &Error{Code: CodeDialFailed, Message: url, Wrapped: err}
	}

	// Frames the server sent right after the handshake may already sit in br.
	var reader io.Reader = conn
	if br != nil {
		reader = br
	}
	return newSession(conn, reader), nil
}
