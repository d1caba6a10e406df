// Package identity resolves chat participants from bearer credentials.
// Registered users are read from the platform user store; everyone else gets
// an ephemeral anonymous name that lives for one connection.
package identity

import (
	"context"
	"strconv"
)

// Role names with built-in moderation rights.
const (
	RoleAdmin     = "admin"
	RoleModerator = "moderator"
)

// Permission is a resource/action pair granted through a role.
type Permission struct {
	Resource string `json:"resource"`
	Action   string `json:"action"`
}

// String returns the canonical "resource:action" form.
func (p Permission) String() string {
	return p.Resource + ":" + p.Action
}

type Role struct {
	ID          int64        `json:"id"`
	Name        string       `json:"name"`
	Permissions []Permission `json:"permissions,omitempty"`
}

// User is a registered platform account.
type User struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Username string `json:"username"`
	Avatar   string `json:"avatar,omitempty"`
	Active   bool   `json:"-"`
	Role     Role   `json:"role"`
}

// Identity is who a connection or request acts as. Exactly one of User and
// AnonymousName is set.
type Identity struct {
	User          *User
	AnonymousName string
}

// Anonymous returns an identity carrying only a display name.
func Anonymous(name string) Identity {
	return Identity{AnonymousName: name}
}

// Registered wraps u as an identity.
func Registered(u *User) Identity {
	return Identity{User: u}
}

func (i Identity) IsAnonymous() bool {
	return i.User == nil
}

// UserID returns the registered user id, or 0 for anonymous identities.
func (i Identity) UserID() int64 {
	if i.User == nil {
		return 0
	}
	return i.User.ID
}

// DisplayName is the name shown next to messages.
func (i Identity) DisplayName() string {
	if i.User == nil {
		return i.AnonymousName
	}
	if i.User.Name != "" {
		return i.User.Name
	}
	return i.User.Username
}

// LogValue is a compact actor description for log lines.
func (i Identity) LogValue() string {
	if i.User == nil {
		return i.AnonymousName
	}
	return "user:" + strconv.FormatInt(i.User.ID, 10)
}

// UserRepository reads registered users. FindByID returns an error matching
// apperr.ErrNotFound when no user has the id.
type UserRepository interface {
	FindByID(ctx context.Context, id int64) (*User, error)
}
