package chat

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/plaza/chat-service/internal/apperr"
)

// MemoryRepository keeps rooms and messages in process memory. Messages are
// appended in id order, which matches (created_at, id) order as long as the
// clock does not run backwards.
type MemoryRepository struct {
	mu       sync.RWMutex
	rooms    map[string]*Room
	roomSeq  int64
	msgSeq   int64
	messages []Message
	byID     map[int64]int
	now      func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		rooms: make(map[string]*Room),
		byID:  make(map[int64]int),
		now:   time.Now,
	}
}

func (m *MemoryRepository) GetOrCreateRoom(_ context.Context, name string) (*Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.rooms[name]; ok {
		out := *r
		return &out, nil
	}
	m.roomSeq++
	r := &Room{ID: m.roomSeq, Name: name, IsActive: true, CreatedAt: m.now().UTC()}
	m.rooms[name] = r
	out := *r
	return &out, nil
}

func (m *MemoryRepository) Insert(_ context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.msgSeq++
	msg.ID = m.msgSeq
	m.byID[msg.ID] = len(m.messages)
	m.messages = append(m.messages, *msg)
	return nil
}

func (m *MemoryRepository) Get(_ context.Context, id int64) (*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	i, ok := m.byID[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	out := m.messages[i]
	return &out, nil
}

func (m *MemoryRepository) MarkDeleted(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	i, ok := m.byID[id]
	if !ok {
		return apperr.ErrNotFound
	}
	m.messages[i].IsDeleted = true
	return nil
}

func before(a, b *Message) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID < b.ID
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

func (m *MemoryRepository) Page(_ context.Context, roomID int64, after *Message, dir Direction, limit int) ([]Message, error) {
	m.mu.RLock()
	visible := make([]Message, 0, len(m.messages))
	for _, msg := range m.messages {
		if msg.RoomID == roomID && !msg.IsDeleted {
			visible = append(visible, msg)
		}
	}
	m.mu.RUnlock()

	sort.SliceStable(visible, func(i, j int) bool { return before(&visible[i], &visible[j]) })

	if after != nil {
		if dir == Newer {
			start := sort.Search(len(visible), func(i int) bool { return before(after, &visible[i]) })
			visible = visible[start:]
		} else {
			end := sort.Search(len(visible), func(i int) bool { return !before(&visible[i], after) })
			visible = visible[:end]
		}
	}

	if dir == Newer && after != nil {
		if len(visible) > limit {
			visible = visible[:limit]
		}
	} else if len(visible) > limit {
		visible = visible[len(visible)-limit:]
	}

	out := make([]Message, len(visible))
	copy(out, visible)
	return out, nil
}

func (m *MemoryRepository) Stats(_ context.Context, roomID int64) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var st Stats
	for _, msg := range m.messages {
		if msg.RoomID != roomID || msg.IsDeleted {
			continue
		}
		st.MessageCount++
		if st.LastMessageAt == nil || msg.CreatedAt.After(*st.LastMessageAt) {
			t := msg.CreatedAt
			st.LastMessageAt = &t
		}
	}
	return st, nil
}
