// Package ban enforces room-scoped bans against registered users and source
// addresses. A ban is active while it has not been lifted and its expiry is
// unset (permanent) or in the future. Expired and lifted rows are kept for
// audit and simply stop matching.
package ban

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/plaza/chat-service/internal/apperr"
	"github.com/plaza/chat-service/internal/identity"
)

// Ban is a single ban record. At least one of UserID and Address is set.
type Ban struct {
	ID        int64      `json:"id"`
	RoomID    int64      `json:"chatId"`
	UserID    *int64     `json:"userId"`
	Address   *string    `json:"ip"`
	IssuedBy  int64      `json:"issuedBy"`
	Reason    string     `json:"reason"`
	ExpiresAt *time.Time `json:"expiresAt"`
	CreatedAt time.Time  `json:"createdAt"`
	LiftedAt  *time.Time `json:"liftedAt,omitempty"`
}

// Active reports whether the ban applies at now.
func (b *Ban) Active(now time.Time) bool {
	if b.LiftedAt != nil {
		return false
	}
	return b.ExpiresAt == nil || b.ExpiresAt.After(now)
}

// Err converts the ban into the error returned to a refused caller.
func (b *Ban) Err() error {
	return &apperr.BannedError{Reason: b.Reason, ExpiresAt: b.ExpiresAt}
}

// Target names who a ban applies to.
type Target struct {
	UserID  *int64
	Address *string
}

func (t Target) normalize() Target {
	var out Target
	if t.UserID != nil && *t.UserID > 0 {
		id := *t.UserID
		out.UserID = &id
	}
	if t.Address != nil {
		if addr := strings.TrimSpace(*t.Address); addr != "" {
			out.Address = &addr
		}
	}
	return out
}

func (t Target) empty() bool {
	return t.UserID == nil && t.Address == nil
}

// Repository persists bans. Active returns the oldest active ban in roomID
// matching userID (when non-zero) or address (when non-empty), or nil.
// Lift marks a ban lifted at now and returns apperr.ErrNotFound when no
// unlifted ban has that id.
type Repository interface {
	Active(ctx context.Context, roomID, userID int64, address string, now time.Time) (*Ban, error)
	Insert(ctx context.Context, b *Ban) error
	ListActive(ctx context.Context, roomID int64, now time.Time) ([]Ban, error)
	Lift(ctx context.Context, id int64, now time.Time) error
}

// IssueRequest describes a ban to create. DurationMinutes <= 0 issues a
// permanent ban.
type IssueRequest struct {
	RoomID          int64
	Target          Target
	IssuedBy        int64
	Reason          string
	DurationMinutes int
}

type Enforcer struct {
	repo  Repository
	users identity.UserRepository
}

func NewEnforcer(repo Repository, users identity.UserRepository) *Enforcer {
	return &Enforcer{repo: repo, users: users}
}

// IsBanned returns the active ban matching the identity or the source
// address in roomID, or nil when the caller is free to participate.
// Anonymous identities are matched by address only.
func (e *Enforcer) IsBanned(ctx context.Context, roomID int64, who identity.Identity, address string, now time.Time) (*Ban, error) {
	userID := who.UserID()
	if userID == 0 && address == "" {
		return nil, nil
	}
	b, err := e.repo.Active(ctx, roomID, userID, address, now)
	if err != nil {
		return nil, fmt.Errorf("ban: lookup: %w", err)
	}
	return b, nil
}

// IssueBan records a new ban. A user target must exist in the user store.
func (e *Enforcer) IssueBan(ctx context.Context, req IssueRequest, now time.Time) (*Ban, error) {
	target := req.Target.normalize()
	if target.empty() {
		return nil, fmt.Errorf("ban: a user or address target is required: %w", apperr.ErrValidation)
	}

	if target.UserID != nil {
		if _, err := e.users.FindByID(ctx, *target.UserID); err != nil {
			if errors.Is(err, apperr.ErrNotFound) {
				return nil, fmt.Errorf("ban: target user %d: %w", *target.UserID, apperr.ErrNotFound)
			}
			return nil, fmt.Errorf("ban: target lookup: %w", err)
		}
	}

	b := &Ban{
		RoomID:    req.RoomID,
		UserID:    target.UserID,
		Address:   target.Address,
		IssuedBy:  req.IssuedBy,
		Reason:    strings.TrimSpace(req.Reason),
		CreatedAt: now,
	}
	if req.DurationMinutes > 0 {
		exp := now.Add(time.Duration(req.DurationMinutes) * time.Minute)
		b.ExpiresAt = &exp
	}

	if err := e.repo.Insert(ctx, b); err != nil {
		return nil, fmt.Errorf("ban: insert: %w", err)
	}
	return b, nil
}

// ListActive returns the bans in roomID that apply at now, oldest first.
func (e *Enforcer) ListActive(ctx context.Context, roomID int64, now time.Time) ([]Ban, error) {
	bans, err := e.repo.ListActive(ctx, roomID, now)
	if err != nil {
		return nil, fmt.Errorf("ban: list: %w", err)
	}
	return bans, nil
}

// Lift ends a ban at now. The record is kept.
func (e *Enforcer) Lift(ctx context.Context, banID int64, now time.Time) error {
	if err := e.repo.Lift(ctx, banID, now); err != nil {
		return fmt.Errorf("ban: lift %d: %w", banID, err)
	}
	return nil
}
