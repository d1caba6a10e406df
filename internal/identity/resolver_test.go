package identity

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func newTestResolver(users ...User) *Resolver {
	r := NewResolver(testSecret, NewMemoryUsers(users...))
	r.randN = func(int) int { return 41 }
	return r
}

func sign(t *testing.T, userID int64, ttl time.Duration) string {
	t.Helper()
	token, err := NewSigner(testSecret).Sign(userID, ttl)
	require.NoError(t, err)
	return token
}

func TestResolve_NoCredentialIsAnonymous(t *testing.T) {
	r := newTestResolver()

	id, err := r.Resolve(context.Background(), "")
	require.NoError(t, err)
	assert.True(t, id.IsAnonymous())
	assert.Equal(t, "anonimo-42", id.AnonymousName)
}

func TestResolve_AnonymousNameRange(t *testing.T) {
	r := NewResolver(testSecret, NewMemoryUsers())
	for i := 0; i < 200; i++ {
		id, _ := r.Resolve(context.Background(), "")
		require.True(t, strings.HasPrefix(id.AnonymousName, AnonymousPrefix))
		n := strings.TrimPrefix(id.AnonymousName, AnonymousPrefix)
		require.NotEmpty(t, n)
		require.LessOrEqual(t, len(n), 4)
		require.NotEqual(t, "0", n)
	}
}

func TestResolve_ValidCredential(t *testing.T) {
	r := newTestResolver(User{
		ID: 7, Name: "Ana", Username: "ana", Active: true,
		Role: Role{ID: 2, Name: RoleModerator},
	})

	id, err := r.Resolve(context.Background(), sign(t, 7, time.Hour))
	require.NoError(t, err)
	require.False(t, id.IsAnonymous())
	assert.Equal(t, int64(7), id.UserID())
	assert.Equal(t, "Ana", id.DisplayName())
	assert.Equal(t, RoleModerator, id.User.Role.Name)
}

func TestResolve_DegradesToAnonymous(t *testing.T) {
	r := newTestResolver(
		User{ID: 1, Username: "active", Active: true},
		User{ID: 2, Username: "gone", Active: false},
	)

	otherSecret, err := NewSigner("other").Sign(1, time.Hour)
	require.NoError(t, err)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{UserID: 1})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	cases := []struct {
		name  string
		token string
		err   error
	}{
		{"garbage", "not-a-jwt", ErrInvalidToken},
		{"wrong secret", otherSecret, ErrInvalidToken},
		{"alg none", unsigned, ErrInvalidToken},
		{"expired", sign(t, 1, -time.Minute), ErrExpiredToken},
		{"unknown user", sign(t, 99, time.Hour), ErrUnknownUser},
		{"deactivated user", sign(t, 2, time.Hour), ErrInactiveUser},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			id, err := r.Resolve(context.Background(), tc.token)
			assert.ErrorIs(t, err, tc.err)
			assert.True(t, id.IsAnonymous())
			assert.Equal(t, "anonimo-42", id.AnonymousName)
		})
	}
}

func TestResolve_SubjectFallback(t *testing.T) {
	r := newTestResolver(User{ID: 5, Username: "sub", Active: true})
	claims := &Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "5",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)

	id, err := r.Resolve(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, int64(5), id.UserID())
}

func TestResolve_NoSecretConfigured(t *testing.T) {
	r := NewResolver("", NewMemoryUsers(User{ID: 1, Active: true}))
	id, err := r.Resolve(context.Background(), sign(t, 1, time.Hour))
	assert.ErrorIs(t, err, ErrNoSecret)
	assert.True(t, id.IsAnonymous())
}

func TestVerify_RequiresRegisteredUser(t *testing.T) {
	r := newTestResolver(User{ID: 3, Username: "mod", Active: true})

	_, err := r.Verify(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidToken)

	u, err := r.Verify(context.Background(), sign(t, 3, time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "mod", u.Username)
}
