package protocol

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/plaza/chat-service/internal/ban"
	"github.com/plaza/chat-service/internal/chat"
	"github.com/plaza/chat-service/internal/identity"
)

// ---------------------------------------------------------------------------
// Client events
// ---------------------------------------------------------------------------

func TestParseClientMessage_SendMessage(t *testing.T) {
	input := []byte(`{"type":"send_message","content":"hola"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeSendMessage {
		t.Fatalf("expected type %q, got %q", TypeSendMessage, msgType)
	}

	sm, ok := msg.(SendMessageMsg)
	if !ok {
		t.Fatalf("expected SendMessageMsg, got %T", msg)
	}
	if sm.Content != "hola" {
		t.Errorf("expected content %q, got %q", "hola", sm.Content)
	}
}

func TestParseClientMessage_BanUser(t *testing.T) {
	input := []byte(`{"type":"ban_user","messageId":9007199254740993,"scope":"ip","reason":"spam","duration":60}`)

	_, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	bm, ok := msg.(BanUserMsg)
	if !ok {
		t.Fatalf("expected BanUserMsg, got %T", msg)
	}
	if bm.MessageID != 9007199254740993 {
		t.Errorf("expected messageId to survive decoding, got %d", bm.MessageID)
	}
	if bm.Scope != ScopeAddress || bm.Reason != "spam" || bm.Duration != 60 {
		t.Errorf("unexpected payload: %+v", bm)
	}
}

func TestParseClientMessage_AuthenticateWithoutToken(t *testing.T) {
	_, msg, err := ParseClientMessage([]byte(`{"type":"authenticate"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if am := msg.(AuthenticateMsg); am.Token != "" {
		t.Errorf("expected empty token, got %q", am.Token)
	}
}

func TestParseClientMessage_UnknownType(t *testing.T) {
	msgType, msg, err := ParseClientMessage([]byte(`{"type":"new_message","content":"x"}`))
	if err == nil {
		t.Fatal("expected an error for a server-only type, got nil")
	}
	if msg != nil {
		t.Errorf("expected nil message, got %v", msg)
	}
	if msgType != TypeNewMessage {
		t.Errorf("expected returned type %q, got %q", TypeNewMessage, msgType)
	}
}

func TestParseClientMessage_BadPayload(t *testing.T) {
	_, _, err := ParseClientMessage([]byte(`{"type":"delete_message","messageId":"abc"}`))
	if err == nil {
		t.Fatal("expected decode error for non-numeric messageId")
	}
}

func TestParseClientMessage_AllTypes(t *testing.T) {
	cases := []struct {
		input    string
		wantType string
	}{
		{`{"type":"authenticate","token":"abc"}`, TypeAuthenticate},
		{`{"type":"join_chat"}`, TypeJoinChat},
		{`{"type":"send_message","content":"hi"}`, TypeSendMessage},
		{`{"type":"delete_message","messageId":4}`, TypeDeleteMessage},
		{`{"type":"ban_user","userId":3}`, TypeBanUser},
		{`{"type":"ping"}`, TypePing},
	}

	for _, tc := range cases {
		t.Run(tc.wantType, func(t *testing.T) {
			msgType, msg, err := ParseClientMessage([]byte(tc.input))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if msgType != tc.wantType {
				t.Errorf("expected type %q, got %q", tc.wantType, msgType)
			}
			if msg == nil {
				t.Error("expected non-nil message")
			}
		})
	}
}

func TestEnvelope_MissingType(t *testing.T) {
	var env Envelope
	if err := json.Unmarshal([]byte(`{"content":"no type field"}`), &env); err == nil {
		t.Fatal("expected error for missing type field, got nil")
	}
}

func TestEnvelope_InvalidJSON(t *testing.T) {
	var env Envelope
	if err := json.Unmarshal([]byte(`{invalid json}`), &env); err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}

// ---------------------------------------------------------------------------
// Server events
// ---------------------------------------------------------------------------

func decode(t *testing.T, data []byte) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	return out
}

func TestNewServerMessage_NewMessageAnonymous(t *testing.T) {
	msg := chat.Message{
		ID:        12,
		RoomID:    1,
		Content:   "hola",
		CreatedAt: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		Author:    chat.Author{AnonymousName: "anonimo-77", Address: "203.0.113.5"},
	}

	data, err := NewServerMessage(TypeNewMessage, NewMessageMsg{Message: msg})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(string(data), "203.0.113.5") {
		t.Fatalf("origin address leaked: %s", data)
	}

	result := decode(t, data)
	if result["type"] != TypeNewMessage {
		t.Errorf("expected type %q, got %v", TypeNewMessage, result["type"])
	}
	m, ok := result["message"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected message object, got %T", result["message"])
	}
	if m["anonymousName"] != "anonimo-77" {
		t.Errorf("expected anonymousName, got %v", m["anonymousName"])
	}
	if u, present := m["user"]; !present || u != nil {
		t.Errorf("expected explicit null user, got %v (present=%v)", u, present)
	}
	if m["content"] != "hola" {
		t.Errorf("expected content hola, got %v", m["content"])
	}
}

func TestNewServerMessage_PreservesLargeIDs(t *testing.T) {
	const id = int64(9007199254740993) // 2^53 + 1
	data, err := NewServerMessage(TypeMessageDeleted, MessageDeletedMsg{MessageID: id})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(string(data), "9007199254740993") {
		t.Fatalf("id lost precision: %s", data)
	}
}

func TestNewServerMessage_Authenticated(t *testing.T) {
	u := &identity.User{ID: 3, Name: "Ana", Username: "ana", Role: identity.Role{ID: 1, Name: identity.RoleModerator}}
	data := MustServerMessage(TypeAuthenticated, AuthenticatedMsg{User: u, CanModerate: true})

	result := decode(t, data)
	if _, present := result["anonymousName"]; present {
		t.Errorf("anonymousName should be omitted for registered users: %s", data)
	}
	user := result["user"].(map[string]interface{})
	if user["username"] != "ana" {
		t.Errorf("expected username ana, got %v", user["username"])
	}
	if result["canModerate"] != true {
		t.Errorf("expected canModerate true, got %v", result["canModerate"])
	}
}

func TestNewServerMessage_Pong(t *testing.T) {
	data := MustServerMessage(TypePong, PongMsg{})
	if string(data) != `{"type":"pong"}` {
		t.Errorf("unexpected pong frame: %s", data)
	}
}

func TestNewServerMessage_BanIssued(t *testing.T) {
	addr := "198.51.100.7"
	data := MustServerMessage(TypeBanIssued, BanIssuedMsg{Ban: ban.Ban{ID: 5, RoomID: 1, Address: &addr, IssuedBy: 2}})

	result := decode(t, data)
	b := result["ban"].(map[string]interface{})
	if b["ip"] != addr {
		t.Errorf("expected ip %q, got %v", addr, b["ip"])
	}
	if b["expiresAt"] != nil {
		t.Errorf("expected permanent ban, got expiresAt %v", b["expiresAt"])
	}
}
