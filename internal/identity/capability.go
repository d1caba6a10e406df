package identity

// Permissions that grant moderation without a moderator role, by canonical
// resource:action name.
var moderationPermissions = map[string]bool{
	"chat:moderate": true,
	"chat:delete":   true,
}

// HasModerationCapability reports whether id may delete messages and issue
// bans. Anonymous identities never can.
func HasModerationCapability(id Identity) bool {
	if id.User == nil {
		return false
	}
	switch id.User.Role.Name {
	case RoleAdmin, RoleModerator:
		return true
	}
	for _, p := range id.User.Role.Permissions {
		if moderationPermissions[p.String()] {
			return true
		}
	}
	return false
}

// IsAdmin reports whether id holds the admin role.
func IsAdmin(id Identity) bool {
	return id.User != nil && id.User.Role.Name == RoleAdmin
}
