package client

import "fmt"

// Error codes carried by *Error.
const (
	CodeUnauthorized    = "unauthorized"
	CodeDialFailed      = "dial_failed"
	CodeNotConnected    = "not_connected"
	CodeDisconnected    = "disconnected"
	CodeReconnecting    = "reconnecting"
	CodeReconnectFailed = "reconnect_failed"
	CodeClosed          = "closed"
)

// Error is a structured client failure. Two errors match under errors.Is when
// their codes are equal, so the sentinels below can be compared against any
// wrapped *Error.
type Error struct {
	Code    string
	Message string
	Wrapped error
}

func (e *Error) Error() string {
	msg := e.Code
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Wrapped != nil {
		return fmt.Sprintf("client: %s: %v", msg, e.Wrapped)
	}
	return "client: " + msg
}

func (e *Error) Unwrap() error { return e.Wrapped }

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrUnauthorized    = &Error{Code: CodeUnauthorized}
	ErrNotConnected    = &Error{Code: CodeNotConnected}
	ErrDisconnected    = &Error{Code: CodeDisconnected}
	ErrReconnecting    = &Error{Code: CodeReconnecting}
	ErrReconnectFailed = &Error{Code: CodeReconnectFailed}
	ErrClosed          = &Error{Code: CodeClosed}
)
