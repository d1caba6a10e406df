// Package moderation decides who may delete messages and issue bans.
package moderation

import (
	"fmt"

	"github.com/plaza/chat-service/internal/apperr"
	"github.com/plaza/chat-service/internal/identity"
)

// Authorize fails with apperr.ErrPermission unless who may moderate.
func Authorize(who identity.Identity) error {
	if !identity.HasModerationCapability(who) {
		return fmt.Errorf("moderation: %s: %w", who.LogValue(), apperr.ErrPermission)
	}
	return nil
}

// CheckBanTarget applies the ban policy between an issuer and a registered
// target: nobody bans themselves, and an admin may not ban a user holding
// the same admin role.
func CheckBanTarget(issuer identity.Identity, target *identity.User) error {
	if target == nil || issuer.User == nil {
		return nil
	}
	if issuer.User.ID == target.ID {
		return fmt.Errorf("moderation: cannot ban yourself: %w", apperr.ErrPermission)
	}
	if identity.IsAdmin(issuer) && target.Role.ID != 0 && target.Role.ID == issuer.User.Role.ID {
		return fmt.Errorf("moderation: admins cannot ban other admins: %w", apperr.ErrPermission)
	}
	return nil
}
