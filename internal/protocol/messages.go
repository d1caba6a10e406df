// Package protocol defines the socket events exchanged between chat clients
// and the server. Every frame is a JSON object with a "type" discriminator
// and flat payload fields.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/plaza/chat-service/internal/ban"
	"github.com/plaza/chat-service/internal/chat"
	"github.com/plaza/chat-service/internal/identity"
)

// Client -> Server event types.
const (
	TypeAuthenticate  = "authenticate"
	TypeJoinChat      = "join_chat"
	TypeSendMessage   = "send_message"
	TypeDeleteMessage = "delete_message"
	TypeBanUser       = "ban_user"
	TypePing          = "ping"
)

// Server -> Client event types.
const (
	TypeSessionCreated = "session_created"
	TypeAuthenticated  = "authenticated"
	TypeAuthError      = "auth_error"
	TypeJoinedChat     = "joined_chat"
	TypeBanned         = "banned"
	TypeNewMessage     = "new_message"
	TypeMessageDeleted = "message_deleted"
	TypeBanIssued      = "ban_issued"
	TypeRateLimited    = "rate_limited"
	TypeError          = "error"
	TypePong           = "pong"
)

// Ban scopes accepted by ban_user when the target is given by message id.
const (
	ScopeUser    = "user"
	ScopeAddress = "ip"
)

// Envelope holds the event type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server
// ---------------------------------------------------------------------------

// AuthenticateMsg carries an optional bearer credential. An empty token
// authenticates as anonymous.
type AuthenticateMsg struct {
	Type  string `json:"type"`
	Token string `json:"token,omitempty"`
}

type JoinChatMsg struct {
	Type string `json:"type"`
}

type SendMessageMsg struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

type DeleteMessageMsg struct {
	Type      string `json:"type"`
	MessageID int64  `json:"messageId"`
}

// BanUserMsg names the ban target directly (userId, ip) or through the
// author of a message (messageId, with scope "user" or "ip"). Duration is in
// minutes; zero or absent bans permanently.
type BanUserMsg struct {
	Type      string `json:"type"`
	UserID    int64  `json:"userId,omitempty"`
	IP        string `json:"ip,omitempty"`
	MessageID int64  `json:"messageId,omitempty"`
	Scope     string `json:"scope,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Duration  int    `json:"duration,omitempty"`
}

type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client
// ---------------------------------------------------------------------------

type SessionCreatedMsg struct {
	SessionID string `json:"sessionId"`
}

// AuthenticatedMsg reports the resolved identity: User for registered
// callers, AnonymousName otherwise.
type AuthenticatedMsg struct {
	User          *identity.User `json:"user,omitempty"`
	AnonymousName string         `json:"anonymousName,omitempty"`
	CanModerate   bool           `json:"canModerate"`
}

type AuthErrorMsg struct {
	Message string `json:"message"`
}

type JoinedChatMsg struct {
	ChatID int64  `json:"chatId"`
	Name   string `json:"name"`
}

type BannedMsg struct {
	Message   string     `json:"message"`
	Reason    string     `json:"reason,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

type NewMessageMsg struct {
	Message chat.Message `json:"message"`
}

type MessageDeletedMsg struct {
	MessageID int64 `json:"messageId"`
}

type BanIssuedMsg struct {
	Ban ban.Ban `json:"ban"`
}

// RateLimitedMsg tells the client how many seconds to wait before sending.
type RateLimitedMsg struct {
	RetryAfter int `json:"retryAfter"`
}

type ErrorMsg struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type PongMsg struct{}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// ParseClientMessage parses a raw frame into a typed client event. Unknown
// or server-only types are rejected.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeAuthenticate:
		var m AuthenticateMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeJoinChat:
		var m JoinChatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendMessage:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeDeleteMessage:
		var m DeleteMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeBanUser:
		var m BanUserMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage encodes payload and injects msgType under the "type" key.
// Numbers are carried through as json.Number so 64-bit ids survive intact.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	m := make(map[string]interface{})
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

// MustServerMessage is NewServerMessage for payloads that cannot fail to
// encode, such as the fixed structs above.
func MustServerMessage(msgType string, payload interface{}) []byte {
	data, err := NewServerMessage(msgType, payload)
	if err != nil {
		panic(err)
	}
	return data
}
