package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHasModerationCapability(t *testing.T) {
	cases := []struct {
		name string
		id   Identity
		want bool
	}{
		{"anonymous", Anonymous("anonimo-1"), false},
		{"plain user", Registered(&User{ID: 1, Role: Role{Name: "user"}}), false},
		{"no role", Registered(&User{ID: 1}), false},
		{"admin", Registered(&User{ID: 1, Role: Role{Name: RoleAdmin}}), true},
		{"moderator", Registered(&User{ID: 1, Role: Role{Name: RoleModerator}}), true},
		{"chat:moderate", Registered(&User{ID: 1, Role: Role{Name: "editor", Permissions: []Permission{
			{Resource: "articles", Action: "write"},
			{Resource: "chat", Action: "moderate"},
		}}}), true},
		{"chat:delete", Registered(&User{ID: 1, Role: Role{Name: "editor", Permissions: []Permission{
			{Resource: "chat", Action: "delete"},
		}}}), true},
		{"unrelated permission", Registered(&User{ID: 1, Role: Role{Name: "editor", Permissions: []Permission{
			{Resource: "forum", Action: "delete"},
		}}}), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, HasModerationCapability(tc.id))
		})
	}
}

func TestPermissionString(t *testing.T) {
	assert.Equal(t, "chat:moderate", Permission{Resource: "chat", Action: "moderate"}.String())
}
