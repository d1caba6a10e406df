package identity

import (
	"context"
	"fmt"
	"sync"

	"github.com/plaza/chat-service/internal/apperr"
)

// MemoryUsers is an in-process UserRepository for development and tests.
type MemoryUsers struct {
	mu    sync.RWMutex
	users map[int64]User
}

func NewMemoryUsers(users ...User) *MemoryUsers {
	m := &MemoryUsers{users: make(map[int64]User, len(users))}
	for _, u := range users {
		m.users[u.ID] = u
	}
	return m
}

func (m *MemoryUsers) FindByID(_ context.Context, id int64) (*User, error) {
	m.mu.RLock()
	u, ok := m.users[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("identity: user %d: %w", id, apperr.ErrNotFound)
	}
	u.Role.Permissions = append([]Permission(nil), u.Role.Permissions...)
	return &u, nil
}
