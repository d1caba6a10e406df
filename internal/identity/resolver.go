package identity

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/plaza/chat-service/internal/logging"
)

// AnonymousPrefix is prepended to the random number of anonymous names.
const AnonymousPrefix = "anonimo-"

var (
	ErrInvalidToken = errors.New("identity: invalid token")
	ErrExpiredToken = errors.New("identity: token has expired")
	ErrUnknownUser  = errors.New("identity: user not found")
	ErrInactiveUser = errors.New("identity: user is deactivated")
	ErrNoSecret     = errors.New("identity: credential verification disabled")
)

// Claims is the credential payload. The user id is carried in userId, with
// the registered subject as a fallback for tokens minted elsewhere.
type Claims struct {
	jwt.RegisteredClaims
	UserID int64 `json:"userId,omitempty"`
}

func (c *Claims) userID() (int64, error) {
	if c.UserID > 0 {
		return c.UserID, nil
	}
	if c.Subject == "" {
		return 0, ErrInvalidToken
	}
	id, err := strconv.ParseInt(c.Subject, 10, 64)
	if err != nil || id <= 0 {
		return 0, ErrInvalidToken
	}
	return id, nil
}

// Resolver turns an optional bearer credential into an Identity.
type Resolver struct {
	secret []byte
	users  UserRepository
	randN  func(n int) int
}

// NewResolver creates a Resolver verifying HS256 tokens with secret. An
// empty secret makes every caller anonymous.
func NewResolver(secret string, users UserRepository) *Resolver {
	return &Resolver{
		secret: []byte(secret),
		users:  users,
		randN:  rand.IntN,
	}
}

// Resolve never fails: the returned Identity is always usable. A non-nil
// error explains why a presented credential was ignored and the caller was
// degraded to anonymous.
func (r *Resolver) Resolve(ctx context.Context, token string) (Identity, error) {
	if token == "" {
		return r.anonymous(), nil
	}

	userID, err := r.verify(token)
	if err != nil {
		return r.anonymous(), err
	}

	u, err := r.users.FindByID(ctx, userID)
	if err != nil {
		l := logging.Ctx(ctx)
		l.Warn().Err(err).Int64(logging.FieldUserID, userID).Msg("identity: user lookup failed, continuing as anonymous")
		return r.anonymous(), fmt.Errorf("%w: %v", ErrUnknownUser, err)
	}
	if !u.Active {
		return r.anonymous(), ErrInactiveUser
	}
	return Registered(u), nil
}

// Verify checks a credential and returns the registered user it names.
// Unlike Resolve it does not fall back to anonymous; it is used where a
// registered caller is mandatory.
func (r *Resolver) Verify(ctx context.Context, token string) (*User, error) {
	id, err := r.Resolve(ctx, token)
	if err != nil {
		return nil, err
	}
	if id.User == nil {
		return nil, ErrInvalidToken
	}
	return id.User, nil
}

func (r *Resolver) verify(token string) (int64, error) {
	if len(r.secret) == 0 {
		return 0, ErrNoSecret
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return r.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return 0, ErrExpiredToken
		}
		return 0, ErrInvalidToken
	}
	return claims.userID()
}

func (r *Resolver) anonymous() Identity {
	return Anonymous(AnonymousPrefix + strconv.Itoa(r.randN(9999)+1))
}

// Signer mints credentials accepted by a Resolver sharing the same secret.
type Signer struct {
	secret []byte
}

func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

// Sign returns an HS256 token for userID valid for ttl.
func (s *Signer) Sign(userID int64, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(userID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		UserID: userID,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("identity: sign: %w", err)
	}
	return token, nil
}
