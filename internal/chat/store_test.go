package chat

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaza/chat-service/internal/apperr"
	"github.com/plaza/chat-service/internal/identity"
)

const roomName = "Chat Global"

// stepClock advances one second per call so message order is unambiguous.
func stepClock() func() time.Time {
	t := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(NewMemoryRepository(), WithClock(stepClock()))
}

var anon = Author{AnonymousName: "anonimo-42", Address: "10.0.0.1"}

func fill(t *testing.T, s *Store, n int) []*Message {
	t.Helper()
	out := make([]*Message, 0, n)
	for i := 0; i < n; i++ {
		m, err := s.Append(context.Background(), roomName, "msg", anon)
		require.NoError(t, err)
		out = append(out, m)
	}
	return out
}

func ids(msgs []Message) []int64 {
	out := make([]int64, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestRoom_GetOrCreateIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, err := s.Room(ctx, roomName)
	require.NoError(t, err)
	b, err := s.Room(ctx, roomName)
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.ID)
	assert.True(t, a.IsActive)

	other, err := s.Room(ctx, "other")
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, other.ID)
}

func TestAppend_TrimsAndStores(t *testing.T) {
	s := newTestStore(t)
	m, err := s.Append(context.Background(), roomName, "  hola  ", anon)
	require.NoError(t, err)
	assert.Equal(t, "hola", m.Content)
	assert.NotZero(t, m.ID)
	assert.NotZero(t, m.RoomID)

	got, err := s.Get(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, "hola", got.Content)
	assert.Equal(t, "10.0.0.1", got.Author.Address)
}

func TestAppend_RejectsInvalidContent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, content := range []string{"", "   ", strings.Repeat("x", MaxContentChars+1)} {
		_, err := s.Append(ctx, roomName, content, anon)
		assert.ErrorIs(t, err, apperr.ErrValidation)
	}

	page, err := s.ListPage(ctx, roomName, nil, Older, 0)
	require.NoError(t, err)
	assert.Empty(t, page.Messages)
}

func TestAppend_RequiresAuthor(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Append(context.Background(), roomName, "hola", Author{})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestSoftDelete_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	msgs := fill(t, s, 3)

	require.NoError(t, s.SoftDelete(ctx, msgs[1].ID))
	require.NoError(t, s.SoftDelete(ctx, msgs[1].ID))

	page, err := s.ListPage(ctx, roomName, nil, Older, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{msgs[0].ID, msgs[2].ID}, ids(page.Messages))

	assert.ErrorIs(t, s.SoftDelete(ctx, 9999), apperr.ErrNotFound)
}

func TestListPage_OlderCoversHistoryOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	all := fill(t, s, 120)

	seen := make(map[int64]bool)
	var cursor *int64
	sizes := []int{}
	var last *Page
	for i := 0; i < 3; i++ {
		page, err := s.ListPage(ctx, roomName, cursor, Older, 50)
		require.NoError(t, err)
		for j := 1; j < len(page.Messages); j++ {
			require.Less(t, page.Messages[j-1].ID, page.Messages[j].ID, "page must be chronological")
		}
		for _, m := range page.Messages {
			require.False(t, seen[m.ID], "duplicate message %d", m.ID)
			seen[m.ID] = true
		}
		sizes = append(sizes, len(page.Messages))
		cursor = page.NextCursor
		last = page
	}

	assert.Equal(t, []int{50, 50, 20}, sizes)
	assert.Len(t, seen, len(all))
	assert.False(t, last.HasMore)
}

func TestListPage_NoCursorReturnsMostRecent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	all := fill(t, s, 10)

	page, err := s.ListPage(ctx, roomName, nil, Older, 3)
	require.NoError(t, err)
	assert.Equal(t, []int64{all[7].ID, all[8].ID, all[9].ID}, ids(page.Messages))
	assert.True(t, page.HasMore)
	require.NotNil(t, page.NextCursor)
	assert.Equal(t, all[7].ID, *page.NextCursor)
}

func TestListPage_Newer(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	all := fill(t, s, 10)

	page, err := s.ListPage(ctx, roomName, &all[2].ID, Newer, 4)
	require.NoError(t, err)
	assert.Equal(t, []int64{all[3].ID, all[4].ID, all[5].ID, all[6].ID}, ids(page.Messages))
	assert.Equal(t, Newer, page.Direction)
	require.NotNil(t, page.NextCursor)
	assert.Equal(t, all[6].ID, *page.NextCursor)

	page, err = s.ListPage(ctx, roomName, &all[9].ID, Newer, 4)
	require.NoError(t, err)
	assert.Empty(t, page.Messages)
	assert.False(t, page.HasMore)
	assert.Nil(t, page.NextCursor)
}

func TestListPage_DeletedCursorKeepsPosition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	all := fill(t, s, 5)
	require.NoError(t, s.SoftDelete(ctx, all[3].ID))

	page, err := s.ListPage(ctx, roomName, &all[3].ID, Older, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{all[0].ID, all[1].ID, all[2].ID}, ids(page.Messages))
}

func TestListPage_UnknownCursor(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	fill(t, s, 2)

	missing := int64(404)
	_, err := s.ListPage(ctx, roomName, &missing, Older, 10)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	other, err := s.Append(ctx, "other", "elsewhere", anon)
	require.NoError(t, err)
	_, err = s.ListPage(ctx, roomName, &other.ID, Older, 10)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestClampLimit(t *testing.T) {
	s := NewStore(NewMemoryRepository())
	assert.Equal(t, DefaultPageSize, s.ClampLimit(0))
	assert.Equal(t, DefaultPageSize, s.ClampLimit(-3))
	assert.Equal(t, 7, s.ClampLimit(7))
	assert.Equal(t, MaxPageSize, s.ClampLimit(1000))

	small := NewStore(NewMemoryRepository(), WithPageSizes(30, 20))
	assert.Equal(t, 20, small.ClampLimit(0))
	assert.Equal(t, 20, small.ClampLimit(25))
}

func TestStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, st, err := s.Stats(ctx, roomName)
	require.NoError(t, err)
	assert.Zero(t, st.MessageCount)
	assert.Nil(t, st.LastMessageAt)

	msgs := fill(t, s, 3)
	require.NoError(t, s.SoftDelete(ctx, msgs[2].ID))

	room, st, err := s.Stats(ctx, roomName)
	require.NoError(t, err)
	assert.Equal(t, roomName, room.Name)
	assert.Equal(t, int64(2), st.MessageCount)
	require.NotNil(t, st.LastMessageAt)
	assert.Equal(t, msgs[1].CreatedAt, *st.LastMessageAt)
}

func TestMessageJSON(t *testing.T) {
	who := identity.Registered(&identity.User{ID: 7, Name: "Ana", Username: "ana", Avatar: "a.png"})
	reg := Message{ID: 1, RoomID: 2, Content: "hi", CreatedAt: time.Unix(0, 0), Author: AuthorFrom(who, "10.0.0.1")}

	data, err := json.Marshal(reg)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "10.0.0.1")

	var fields map[string]any
	require.NoError(t, json.Unmarshal(data, &fields))
	assert.Nil(t, fields["anonymousName"])
	assert.Equal(t, float64(2), fields["chatId"])
	user := fields["user"].(map[string]any)
	assert.Equal(t, "ana", user["username"])

	anonMsg := Message{ID: 3, RoomID: 2, Content: "hola", Author: AuthorFrom(identity.Anonymous("anonimo-9"), "10.0.0.2")}
	data, err = json.Marshal(anonMsg)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "10.0.0.2")

	fields = nil
	require.NoError(t, json.Unmarshal(data, &fields))
	assert.Contains(t, fields, "user")
	assert.Nil(t, fields["user"])
	assert.Equal(t, "anonimo-9", fields["anonymousName"])
}
