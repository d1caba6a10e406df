package session

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SessionPrefix is the Redis key prefix for session hashes.
	SessionPrefix = "session:"

	// RoomSessionsPrefix + <room_id> + RoomSessionsSuffix is the set of
	// session ids joined to a room across all processes.
	RoomSessionsPrefix = "room:"
	RoomSessionsSuffix = ":sessions"

	// SessionTTL is refreshed on every update; a crashed process leaves
	// entries behind for at most this long.
	SessionTTL = 1 * time.Hour
)

// Record is a session as mirrored in Redis.
type Record struct {
	ID         string `redis:"id"`
	State      string `redis:"state"`
	Server     string `redis:"server"`
	Actor      string `redis:"actor"`   // user:<id> or the anonymous name
	RoomID     int64  `redis:"room_id"` // 0 when not joined
	Address    string `redis:"address"`
	CreatedAt  int64  `redis:"created_at"`
	LastActive int64  `redis:"last_active"`
}

// Store mirrors connection sessions into Redis so every process can see
// who is online in a room.
type Store struct {
	client     *redis.Client
	serverName string
}

// NewStore connects to Redis and verifies the connection.
func NewStore(opts *redis.Options, serverName string) (*Store, error) {
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return &Store{client: client, serverName: serverName}, nil
}

// NewStoreWithClient wraps an existing client.
func NewStoreWithClient(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName}
}

func roomKey(roomID int64) string {
	return RoomSessionsPrefix + strconv.FormatInt(roomID, 10) + RoomSessionsSuffix
}

// Create stores a new connected session.
func (s *Store) Create(ctx context.Context, sessionID, address string) error {
	key := SessionPrefix + sessionID
	now := time.Now().Unix()

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"id":          sessionID,
		"state":       Connected.String(),
		"server":      s.serverName,
		"actor":       "",
		"room_id":     0,
		"address":     address,
		"created_at":  now,
		"last_active": now,
	})
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Get returns the session record, or nil if it does not exist.
func (s *Store) Get(ctx context.Context, sessionID string) (*Record, error) {
	var rec Record
	if err := s.client.HGetAll(ctx, SessionPrefix+sessionID).Scan(&rec); err != nil {
		return nil, err
	}
	if rec.ID == "" {
		return nil, nil
	}
	return &rec, nil
}

// SetIdentity records the resolved actor and state.
func (s *Store) SetIdentity(ctx context.Context, sessionID, actor string, state State) error {
	key := SessionPrefix + sessionID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "actor", actor, "state", state.String(), "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// SetRoom records room membership. roomID 0 leaves the previous room.
func (s *Store) SetRoom(ctx context.Context, sessionID string, prevRoomID, roomID int64, state State) error {
	key := SessionPrefix + sessionID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "room_id", roomID, "state", state.String(), "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, SessionTTL)
	if prevRoomID != 0 && prevRoomID != roomID {
		pipe.SRem(ctx, roomKey(prevRoomID), sessionID)
	}
	if roomID != 0 {
		pipe.SAdd(ctx, roomKey(roomID), sessionID)
		pipe.Expire(ctx, roomKey(roomID), SessionTTL)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Touch refreshes the session TTL.
func (s *Store) Touch(ctx context.Context, sessionID string) error {
	key := SessionPrefix + sessionID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Delete removes the session and its room membership.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	key := SessionPrefix + sessionID

	roomID, err := s.client.HGet(ctx, key, "room_id").Int64()
	if err != nil && err != redis.Nil {
		return err
	}

	pipe := s.client.Pipeline()
	pipe.Del(ctx, key)
	if roomID != 0 {
		pipe.SRem(ctx, roomKey(roomID), sessionID)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// CountInRoom returns the number of sessions joined to roomID.
func (s *Store) CountInRoom(ctx context.Context, roomID int64) (int64, error) {
	return s.client.SCard(ctx, roomKey(roomID)).Result()
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for the rate limiter.
func (s *Store) Client() *redis.Client {
	return s.client
}
