package router

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/whisper/presence-relay/internal/protocol"
)

const (
	MaxTextBytes         = 4096 // 4KB max message size
	MaxTextChars         = 2000 // max character count
	MaxNotificationChars = 1000
)

// Validation error codes sent to the client.
const (
	CodeInvalidPayload   = "invalid_payload"
	CodeUnsupportedEvent = "unsupported_event"
	CodeInvalidText      = "invalid_text"
	CodeInvalidRoom      = "invalid_room"
	CodeInvalidIdentity  = "invalid_identity"
	CodeInvalidType      = "invalid_type"
	CodeNotInRoom        = "not_in_room"
	CodeNotReady         = "not_ready"
	CodeInternal         = "internal_error"
)

// NotificationTypes is the set of accepted notification types.
var NotificationTypes = map[string]bool{
	"info":    true,
	"mention": true,
	"invite":  true,
	"alert":   true,
}

// ValidationError rejects a single event. It is reported to the sender only
// and never reaches fan-out.
type ValidationError struct {
	Code    string
	Message string
	Event   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("router: %s: %s", e.Code, e.Message)
}

// NewValidationError builds a ValidationError for event.
func NewValidationError(event, code, message string) *ValidationError {
	return &ValidationError{Code: code, Message: message, Event: event}
}

// Validate decodes an inbound payload into its typed variant and checks its
// shape.
func Validate(env protocol.Envelope) (protocol.ClientEvent, *ValidationError) {
	if _, ok := Lookup(env.Event); !ok {
		return nil, NewValidationError(env.Event, CodeUnsupportedEvent, "unsupported event")
	}

	ev, err := protocol.DecodeClientEvent(env)
	if err != nil {
		return nil, NewValidationError(env.Event, CodeInvalidPayload, "malformed payload")
	}

	var verr *ValidationError
	switch m := ev.(type) {
	case protocol.MessageSend:
		verr = validateText(env.Event, m.Text, MaxTextChars)
		if verr == nil && m.RoomID != "" {
			verr = validateRoom(env.Event, m.RoomID)
		}
	case protocol.TypingSet:
		if m.RoomID != "" {
			verr = validateRoom(env.Event, m.RoomID)
		}
	case protocol.RoomJoin:
		verr = validateRoom(env.Event, m.RoomID)
	case protocol.RoomLeave:
		verr = validateRoom(env.Event, m.RoomID)
	case protocol.NotificationSend:
		switch {
		case !protocol.ValidID(m.ToIdentity):
			verr = NewValidationError(env.Event, CodeInvalidIdentity, "toIdentity is not a valid identity id")
		case !NotificationTypes[m.Type]:
			verr = NewValidationError(env.Event, CodeInvalidType, fmt.Sprintf("unknown notification type %q", m.Type))
		default:
			verr = validateText(env.Event, m.Message, MaxNotificationChars)
		}
	}
	if verr != nil {
		return nil, verr
	}
	return ev, nil
}

// validateText checks that a text field meets content requirements.
func validateText(event, text string, maxChars int) *ValidationError {
	switch {
	case strings.TrimSpace(text) == "":
		return NewValidationError(event, CodeInvalidText, "text is empty")
	case len(text) > MaxTextBytes:
		return NewValidationError(event, CodeInvalidText, fmt.Sprintf("text exceeds %d byte limit", MaxTextBytes))
	case !utf8.ValidString(text):
		return NewValidationError(event, CodeInvalidText, "text contains invalid UTF-8")
	case utf8.RuneCountInString(text) > maxChars:
		return NewValidationError(event, CodeInvalidText, fmt.Sprintf("text exceeds %d character limit", maxChars))
	}
	return nil
}

func validateRoom(event, roomID string) *ValidationError {
	if !protocol.ValidID(roomID) {
		return NewValidationError(event, CodeInvalidRoom, "roomId is not a valid room id")
	}
	return nil
}
