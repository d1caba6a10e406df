package ban

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaza/chat-service/internal/apperr"
	"github.com/plaza/chat-service/internal/database"
	"github.com/plaza/chat-service/internal/identity"
)

func TestPostgresRepository(t *testing.T) {
	url := os.Getenv("CHAT_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("CHAT_TEST_DATABASE_URL not set")
	}
	require.NoError(t, database.Migrate(url, database.MigrateOptions{PlatformTables: true}))

	cfg := database.DefaultConfig(url)
	cfg.PingAttempts = 1
	ctx := context.Background()
	db, err := database.Open(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	var roomID int64
	err = db.QueryRowContext(ctx, `INSERT INTO chat_rooms (name) VALUES ($1) RETURNING id`, "bans-"+uuid.NewString()).Scan(&roomID)
	require.NoError(t, err)

	e := NewEnforcer(NewPostgresRepository(db), identity.NewPostgresUsers(db))
	addr := "192.0.2." + uuid.NewString()[:3]

	b, err := e.IssueBan(ctx, IssueRequest{RoomID: roomID, Target: addrTarget(addr), IssuedBy: 1, Reason: "spam", DurationMinutes: 60}, t0)
	require.NoError(t, err)
	require.NotZero(t, b.ID)

	got, err := e.IsBanned(ctx, roomID, identity.Anonymous("anonimo-1"), addr, t0.Add(30*time.Minute))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "spam", got.Reason)
	require.NotNil(t, got.ExpiresAt)
	assert.True(t, got.ExpiresAt.Equal(t0.Add(time.Hour)))

	got, err = e.IsBanned(ctx, roomID, identity.Anonymous("anonimo-1"), addr, t0.Add(61*time.Minute))
	require.NoError(t, err)
	assert.Nil(t, got)

	active, err := e.ListActive(ctx, roomID, t0)
	require.NoError(t, err)
	assert.Len(t, active, 1)

	_, err = e.IssueBan(ctx, IssueRequest{RoomID: roomID, Target: userTarget(1 << 40), IssuedBy: 1}, t0)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	require.NoError(t, e.Lift(ctx, b.ID, t0))
	assert.ErrorIs(t, e.Lift(ctx, b.ID, t0), apperr.ErrNotFound)

	got, err = e.IsBanned(ctx, roomID, identity.Anonymous("anonimo-1"), addr, t0)
	require.NoError(t, err)
	assert.Nil(t, got)

	var lifted pq.NullTime
	require.NoError(t, db.QueryRowContext(ctx, `SELECT lifted_at FROM chat_bans WHERE id = $1`, b.ID).Scan(&lifted))
	assert.True(t, lifted.Valid)
}
