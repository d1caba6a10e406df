// Package chat persists chat rooms and their message history. Messages are
// immutable apart from a soft-delete flag; history is read back in
// cursor-based pages ordered by (created_at, id).
package chat

import (
	"encoding/json"
	"time"

	"github.com/plaza/chat-service/internal/identity"
)

// Room is a named chat room. Rooms are created on first use and never
// deleted.
type Room struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	IsActive  bool      `json:"isActive"`
	CreatedAt time.Time `json:"createdAt"`
}

// Author identifies who wrote a message. Exactly one of UserID and
// AnonymousName is set. Address is the origin of the connection or request
// and is only used for address bans.
type Author struct {
	UserID        int64
	Name          string
	Username      string
	Avatar        string
	AnonymousName string
	Address       string
}

// AuthorFrom builds the author of a message sent by who from address.
func AuthorFrom(who identity.Identity, address string) Author {
	if who.User == nil {
		return Author{AnonymousName: who.AnonymousName, Address: address}
	}
	return Author{
		UserID:   who.User.ID,
		Name:     who.User.Name,
		Username: who.User.Username,
		Avatar:   who.User.Avatar,
		Address:  address,
	}
}

func (a Author) IsAnonymous() bool {
	return a.UserID == 0
}

type Message struct {
	ID        int64
	RoomID    int64
	Content   string
	CreatedAt time.Time
	IsDeleted bool
	Author    Author
}

// AuthorUser is the public view of a registered author.
type AuthorUser struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Username string `json:"username"`
	Avatar   string `json:"avatar"`
}

type messageJSON struct {
	ID            int64       `json:"id"`
	ChatID        int64       `json:"chatId"`
	Content       string      `json:"content"`
	CreatedAt     time.Time   `json:"createdAt"`
	User          *AuthorUser `json:"user"`
	AnonymousName *string     `json:"anonymousName"`
}

// MarshalJSON renders the client view of a message. The origin address is
// never included.
func (m Message) MarshalJSON() ([]byte, error) {
	out := messageJSON{
		ID:        m.ID,
		ChatID:    m.RoomID,
		Content:   m.Content,
		CreatedAt: m.CreatedAt.UTC(),
	}
	if m.Author.IsAnonymous() {
		name := m.Author.AnonymousName
		out.AnonymousName = &name
	} else {
		out.User = &AuthorUser{
			ID:       m.Author.UserID,
			Name:     m.Author.Name,
			Username: m.Author.Username,
			Avatar:   m.Author.Avatar,
		}
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts the client view produced by MarshalJSON.
func (m *Message) UnmarshalJSON(data []byte) error {
	var in messageJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*m = Message{ID: in.ID, RoomID: in.ChatID, Content: in.Content, CreatedAt: in.CreatedAt}
	if in.User != nil {
		m.Author = Author{UserID: in.User.ID, Name: in.User.Name, Username: in.User.Username, Avatar: in.User.Avatar}
	} else if in.AnonymousName != nil {
		m.Author = Author{AnonymousName: *in.AnonymousName}
	}
	return nil
}

// Direction selects which side of the cursor a page is read from.
type Direction string

const (
	Older Direction = "older"
	Newer Direction = "newer"
)

// ParseDirection maps the wire value to a Direction. Anything other than
// "newer" reads older history.
func ParseDirection(s string) Direction {
	if Direction(s) == Newer {
		return Newer
	}
	return Older
}

// Page is one slice of history in chronological order.
type Page struct {
	Messages   []Message `json:"messages"`
	HasMore    bool      `json:"hasMore"`
	NextCursor *int64    `json:"nextCursor"`
	Direction  Direction `json:"direction"`
}

// Stats summarizes a room's visible history.
type Stats struct {
	MessageCount  int64
	LastMessageAt *time.Time
}
