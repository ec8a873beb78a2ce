package protocol

import (
	"encoding/json"
	"testing"
)

// ---------------------------------------------------------------------------
// Test: Parsing a valid message:send event
// ---------------------------------------------------------------------------

func TestParseClientMessage_MessageSend(t *testing.T) {
	input := []byte(`{"event":"message:send","data":{"text":"Hello!","roomId":"general"}}`)

	event, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if event != EventMessageSend {
		t.Fatalf("expected event %q, got %q", EventMessageSend, event)
	}

	m, ok := msg.(MessageSend)
	if !ok {
		t.Fatalf("expected MessageSend, got %T", msg)
	}
	if m.Text != "Hello!" {
		t.Errorf("expected text %q, got %q", "Hello!", m.Text)
	}
	if m.RoomID != "general" {
		t.Errorf("expected roomId %q, got %q", "general", m.RoomID)
	}
}

// ---------------------------------------------------------------------------
// Test: notification:send keeps its own "type" field inside data
// ---------------------------------------------------------------------------

func TestParseClientMessage_NotificationSend(t *testing.T) {
	input := []byte(`{"event":"notification:send","data":{"toIdentity":"bob","message":"ping me","type":"mention"}}`)

	_, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	n, ok := msg.(NotificationSend)
	if !ok {
		t.Fatalf("expected NotificationSend, got %T", msg)
	}
	if n.ToIdentity != "bob" || n.Message != "ping me" || n.Type != "mention" {
		t.Errorf("unexpected payload: %+v", n)
	}
}

// ---------------------------------------------------------------------------
// Test: Events without data decode to zero values
// ---------------------------------------------------------------------------

func TestParseClientMessage_MissingData(t *testing.T) {
	event, msg, err := ParseClientMessage([]byte(`{"event":"presence:query"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if event != EventPresenceQuery {
		t.Fatalf("expected event %q, got %q", EventPresenceQuery, event)
	}
	if _, ok := msg.(PresenceQuery); !ok {
		t.Fatalf("expected PresenceQuery, got %T", msg)
	}

	_, msg, err = ParseClientMessage([]byte(`{"event":"room:join","data":null}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if j := msg.(RoomJoin); j.RoomID != "" {
		t.Errorf("expected empty roomId, got %q", j.RoomID)
	}
}

// ---------------------------------------------------------------------------
// Test: Creating a message:received server frame
// ---------------------------------------------------------------------------

func TestNewServerMessage_MessageReceived(t *testing.T) {
	payload := MessageReceived{
		ID:           "uuid-456",
		FromIdentity: "alice",
		Text:         "hi",
		Timestamp:    1700000000000,
		RoomID:       "general",
	}

	data, err := NewServerMessage(EventMessageReceived, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result struct {
		Event string                 `json:"event"`
		Data  map[string]interface{} `json:"data"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}

	if result.Event != EventMessageReceived {
		t.Errorf("expected event %q, got %q", EventMessageReceived, result.Event)
	}
	if result.Data["fromIdentity"] != "alice" {
		t.Errorf("expected fromIdentity %q, got %v", "alice", result.Data["fromIdentity"])
	}
	if result.Data["text"] != "hi" {
		t.Errorf("expected text %q, got %v", "hi", result.Data["text"])
	}
	ts, ok := result.Data["timestamp"].(float64)
	if !ok || int64(ts) != payload.Timestamp {
		t.Errorf("expected timestamp %d, got %v", payload.Timestamp, result.Data["timestamp"])
	}
}

// ---------------------------------------------------------------------------
// Test: Client frames built by NewClientMessage parse back
// ---------------------------------------------------------------------------

func TestNewClientMessage_Parses(t *testing.T) {
	data, err := NewClientMessage(TypingSet{IsTyping: true, RoomID: "general"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	event, msg, err := ParseClientMessage(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if event != EventTypingSet {
		t.Fatalf("expected event %q, got %q", EventTypingSet, event)
	}
	ts := msg.(TypingSet)
	if !ts.IsTyping || ts.RoomID != "general" {
		t.Errorf("unexpected payload: %+v", ts)
	}
}

// ---------------------------------------------------------------------------
// Test: Unknown and malformed frames
// ---------------------------------------------------------------------------

func TestParseClientMessage_UnknownEvent(t *testing.T) {
	event, msg, err := ParseClientMessage([]byte(`{"event":"unknown:thing","data":{}}`))
	if err == nil {
		t.Fatal("expected an error for unknown event, got nil")
	}
	if msg != nil {
		t.Errorf("expected nil message for unknown event, got %v", msg)
	}
	if event != "unknown:thing" {
		t.Errorf("expected returned event %q, got %q", "unknown:thing", event)
	}
}

func TestParseClientMessage_ServerOnlyEvent(t *testing.T) {
	if _, _, err := ParseClientMessage([]byte(`{"event":"presence:changed","data":{}}`)); err == nil {
		t.Fatal("expected an error for a server-only event")
	}
}

func TestParseEnvelope_MissingEvent(t *testing.T) {
	if _, err := ParseEnvelope([]byte(`{"data":{"text":"no event"}}`)); err == nil {
		t.Fatal("expected error for missing event field, got nil")
	}
}

func TestParseEnvelope_InvalidJSON(t *testing.T) {
	if _, err := ParseEnvelope([]byte(`{invalid json}`)); err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}

func TestParseClientMessage_WrongFieldType(t *testing.T) {
	_, _, err := ParseClientMessage([]byte(`{"event":"typing:set","data":{"isTyping":"yes"}}`))
	if err == nil {
		t.Fatal("expected decode error for non-boolean isTyping")
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing all client events succeeds
// ---------------------------------------------------------------------------

func TestParseClientMessage_AllEvents(t *testing.T) {
	cases := []struct {
		name      string
		input     string
		wantEvent string
	}{
		{"message", `{"event":"message:send","data":{"text":"hi"}}`, EventMessageSend},
		{"typing", `{"event":"typing:set","data":{"isTyping":true,"roomId":"r1"}}`, EventTypingSet},
		{"join", `{"event":"room:join","data":{"roomId":"r1"}}`, EventRoomJoin},
		{"leave", `{"event":"room:leave","data":{"roomId":"r1"}}`, EventRoomLeave},
		{"presence", `{"event":"presence:query","data":{}}`, EventPresenceQuery},
		{"notification", `{"event":"notification:send","data":{"toIdentity":"b","message":"m","type":"info"}}`, EventNotificationSend},
		{"ping", `{"event":"ping"}`, EventPing},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			event, msg, err := ParseClientMessage([]byte(tc.input))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if event != tc.wantEvent {
				t.Errorf("expected event %q, got %q", tc.wantEvent, event)
			}
			if msg == nil || msg.EventName() != tc.wantEvent {
				t.Errorf("expected variant for %q, got %#v", tc.wantEvent, msg)
			}
		})
	}
}

func TestValidID(t *testing.T) {
	valid := []string{"alice", "general", "a", "bob.smith", "team:ops", "alice@example.com", "x_1-2"}
	for _, id := range valid {
		if !ValidID(id) {
			t.Errorf("ValidID(%q) = false, want true", id)
		}
	}

	long := "a"
	for len(long) < 65 {
		long += "b"
	}
	invalid := []string{"", " ", "-alice", "_alice", "has space", "slash/id", long}
	for _, id := range invalid {
		if ValidID(id) {
			t.Errorf("ValidID(%q) = true, want false", id)
		}
	}
}
