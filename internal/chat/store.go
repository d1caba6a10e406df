package chat

import (
	"context"
	"fmt"
	"time"

	"github.com/plaza/chat-service/internal/apperr"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 100
)

// Repository is the storage behind a Store. Page returns visible messages of
// roomID strictly before (Older) or after (Newer) the position of after, or
// the most recent ones when after is nil, always in chronological order.
type Repository interface {
	GetOrCreateRoom(ctx context.Context, name string) (*Room, error)
	Insert(ctx context.Context, m *Message) error
	Get(ctx context.Context, id int64) (*Message, error)
	MarkDeleted(ctx context.Context, id int64) error
	Page(ctx context.Context, roomID int64, after *Message, dir Direction, limit int) ([]Message, error)
	Stats(ctx context.Context, roomID int64) (Stats, error)
}

// Store validates and persists chat messages.
type Store struct {
	repo        Repository
	now         func() time.Time
	defaultPage int
	maxPage     int
}

type StoreOption func(*Store)

// WithClock overrides the time source used for message timestamps.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// WithPageSizes overrides the default and maximum page size.
func WithPageSizes(defaultSize, maxSize int) StoreOption {
	return func(s *Store) {
		if maxSize > 0 {
			s.maxPage = maxSize
		}
		if defaultSize > 0 {
			s.defaultPage = defaultSize
		}
		if s.defaultPage > s.maxPage {
			s.defaultPage = s.maxPage
		}
	}
}

func NewStore(repo Repository, opts ...StoreOption) *Store {
	s := &Store{
		repo:        repo,
		now:         time.Now,
		defaultPage: DefaultPageSize,
		maxPage:     MaxPageSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Room returns the room called name, creating it on first use.
func (s *Store) Room(ctx context.Context, name string) (*Room, error) {
	room, err := s.repo.GetOrCreateRoom(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("chat: room %q: %w", name, err)
	}
	return room, nil
}

// Append validates content and stores it as a new message in roomName.
func (s *Store) Append(ctx context.Context, roomName, content string, author Author) (*Message, error) {
	content, err := NormalizeContent(content)
	if err != nil {
		return nil, err
	}
	if author.UserID == 0 && author.AnonymousName == "" {
		return nil, fmt.Errorf("chat: message has no author: %w", apperr.ErrValidation)
	}

	room, err := s.Room(ctx, roomName)
	if err != nil {
		return nil, err
	}

	m := &Message{
		RoomID:    room.ID,
		Content:   content,
		CreatedAt: s.now().UTC().Truncate(time.Microsecond),
		Author:    author,
	}
	if author.UserID != 0 {
		m.Author.AnonymousName = ""
	}
	if err := s.repo.Insert(ctx, m); err != nil {
		return nil, fmt.Errorf("chat: append: %w", err)
	}
	return m, nil
}

// Get returns a message by id, including deleted ones.
func (s *Store) Get(ctx context.Context, id int64) (*Message, error) {
	m, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("chat: message %d: %w", id, err)
	}
	return m, nil
}

// SoftDelete hides a message from history. Deleting an already deleted
// message succeeds.
func (s *Store) SoftDelete(ctx context.Context, id int64) error {
	if err := s.repo.MarkDeleted(ctx, id); err != nil {
		return fmt.Errorf("chat: delete %d: %w", id, err)
	}
	return nil
}

// ClampLimit applies the default for non-positive limits and caps the rest.
func (s *Store) ClampLimit(limit int) int {
	if limit <= 0 {
		return s.defaultPage
	}
	if limit > s.maxPage {
		return s.maxPage
	}
	return limit
}

// ListPage reads one page of roomName history. A full page reports HasMore;
// NextCursor continues in the same direction.
func (s *Store) ListPage(ctx context.Context, roomName string, cursor *int64, dir Direction, limit int) (*Page, error) {
	if dir != Newer {
		dir = Older
	}
	limit = s.ClampLimit(limit)

	room, err := s.Room(ctx, roomName)
	if err != nil {
		return nil, err
	}

	var after *Message
	if cursor != nil {
		after, err = s.repo.Get(ctx, *cursor)
		if err != nil {
			return nil, fmt.Errorf("chat: cursor %d: %w", *cursor, err)
		}
		if after.RoomID != room.ID {
			return nil, fmt.Errorf("chat: cursor %d: %w", *cursor, apperr.ErrNotFound)
		}
	}

	msgs, err := s.repo.Page(ctx, room.ID, after, dir, limit)
	if err != nil {
		return nil, fmt.Errorf("chat: list: %w", err)
	}

	page := &Page{
		Messages:  msgs,
		HasMore:   len(msgs) == limit,
		Direction: dir,
	}
	if len(msgs) > 0 {
		var next int64
		if dir == Older {
			next = msgs[0].ID
		} else {
			next = msgs[len(msgs)-1].ID
		}
		page.NextCursor = &next
	}
	return page, nil
}

// Stats returns the visible message count and last message time of roomName.
func (s *Store) Stats(ctx context.Context, roomName string) (*Room, Stats, error) {
	room, err := s.Room(ctx, roomName)
	if err != nil {
		return nil, Stats{}, err
	}
	st, err := s.repo.Stats(ctx, room.ID)
	if err != nil {
		return nil, Stats{}, fmt.Errorf("chat: stats: %w", err)
	}
	return room, st, nil
}
