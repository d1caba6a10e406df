package ban

import (
	"context"
	"sync"
	"time"

	"github.com/plaza/chat-service/internal/apperr"
)

// MemoryRepository keeps bans in process memory.
type MemoryRepository struct {
	mu     sync.RWMutex
	nextID int64
	bans   []Ban
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{}
}

func (m *MemoryRepository) Active(_ context.Context, roomID, userID int64, address string, now time.Time) (*Ban, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i := range m.bans {
		b := &m.bans[i]
		if b.RoomID != roomID || !b.Active(now) {
			continue
		}
		if (userID != 0 && b.UserID != nil && *b.UserID == userID) ||
			(address != "" && b.Address != nil && *b.Address == address) {
			out := *b
			return &out, nil
		}
	}
	return nil, nil
}

func (m *MemoryRepository) Insert(_ context.Context, b *Ban) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	b.ID = m.nextID
	m.bans = append(m.bans, *b)
	return nil
}

func (m *MemoryRepository) ListActive(_ context.Context, roomID int64, now time.Time) ([]Ban, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Ban, 0)
	for _, b := range m.bans {
		if b.RoomID == roomID && b.Active(now) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (m *MemoryRepository) Lift(_ context.Context, id int64, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.bans {
		if m.bans[i].ID == id && m.bans[i].LiftedAt == nil {
			at := now
			m.bans[i].LiftedAt = &at
			return nil
		}
	}
	return apperr.ErrNotFound
}

// Len returns the number of stored bans, lifted ones included.
func (m *MemoryRepository) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.bans)
}
