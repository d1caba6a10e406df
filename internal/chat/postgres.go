package chat

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"

	"github.com/plaza/chat-service/internal/apperr"
)

// PostgresRepository stores rooms in chat_rooms and messages in
// chat_messages. Registered author details are joined from users.
type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (p *PostgresRepository) GetOrCreateRoom(ctx context.Context, name string) (*Room, error) {
	const insert = `INSERT INTO chat_rooms (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`
	const selectRoom = `SELECT id, name, is_active, created_at FROM chat_rooms WHERE name = $1`

	var r Room
	err := p.db.QueryRowContext(ctx, selectRoom, name).Scan(&r.ID, &r.Name, &r.IsActive, &r.CreatedAt)
	if err == nil {
		return &r, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	// A concurrent creator may win the insert; the unique name makes the
	// follow-up select see the same row either way.
	if _, err := p.db.ExecContext(ctx, insert, name); err != nil {
		return nil, err
	}
	if err := p.db.QueryRowContext(ctx, selectRoom, name).Scan(&r.ID, &r.Name, &r.IsActive, &r.CreatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

func (p *PostgresRepository) Insert(ctx context.Context, m *Message) error {
	const query = `
		INSERT INTO chat_messages (chat_id, user_id, anonymous_name, ip_address, content, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`

	var userID, anon, addr any
	if m.Author.UserID != 0 {
		userID = m.Author.UserID
	} else {
		anon = m.Author.AnonymousName
	}
	if m.Author.Address != "" {
		addr = m.Author.Address
	}
	return p.db.QueryRowContext(ctx, query, m.RoomID, userID, anon, addr, m.Content, m.CreatedAt).Scan(&m.ID)
}

const messageSelect = `
	SELECT m.id, m.chat_id, m.content, m.created_at, m.is_deleted,
	       m.user_id, COALESCE(u.name, ''), COALESCE(u.username, ''), COALESCE(u.avatar, ''),
	       m.anonymous_name, m.ip_address
	FROM chat_messages m
	LEFT JOIN users u ON u.id = m.user_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var (
		m       Message
		userID  sql.NullInt64
		anon    sql.NullString
		address sql.NullString
	)
	err := row.Scan(&m.ID, &m.RoomID, &m.Content, &m.CreatedAt, &m.IsDeleted,
		&userID, &m.Author.Name, &m.Author.Username, &m.Author.Avatar,
		&anon, &address)
	if err != nil {
		return nil, err
	}
	m.Author.UserID = userID.Int64
	m.Author.AnonymousName = anon.String
	m.Author.Address = address.String
	return &m, nil
}

func (p *PostgresRepository) Get(ctx context.Context, id int64) (*Message, error) {
	m, err := scanMessage(p.db.QueryRowContext(ctx, messageSelect+` WHERE m.id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	return m, err
}

func (p *PostgresRepository) MarkDeleted(ctx context.Context, id int64) error {
	res, err := p.db.ExecContext(ctx, `UPDATE chat_messages SET is_deleted = TRUE WHERE id = $1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

func (p *PostgresRepository) Page(ctx context.Context, roomID int64, after *Message, dir Direction, limit int) ([]Message, error) {
	var (
		rows *sql.Rows
		err  error
	)
	switch {
	case after == nil:
		rows, err = p.db.QueryContext(ctx, messageSelect+`
			WHERE m.chat_id = $1 AND NOT m.is_deleted
			ORDER BY m.created_at DESC, m.id DESC
			LIMIT $2`, roomID, limit)
	case dir == Newer:
		rows, err = p.db.QueryContext(ctx, messageSelect+`
			WHERE m.chat_id = $1 AND NOT m.is_deleted AND (m.created_at, m.id) > ($2, $3)
			ORDER BY m.created_at ASC, m.id ASC
			LIMIT $4`, roomID, after.CreatedAt, after.ID, limit)
	default:
		rows, err = p.db.QueryContext(ctx, messageSelect+`
			WHERE m.chat_id = $1 AND NOT m.is_deleted AND (m.created_at, m.id) < ($2, $3)
			ORDER BY m.created_at DESC, m.id DESC
			LIMIT $4`, roomID, after.CreatedAt, after.ID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Message, 0, limit)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if after == nil || dir != Newer {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}

func (p *PostgresRepository) Stats(ctx context.Context, roomID int64) (Stats, error) {
	const query = `
		SELECT COUNT(*), MAX(created_at)
		FROM chat_messages
		WHERE chat_id = $1 AND NOT is_deleted`

	var (
		st   Stats
		last pq.NullTime
	)
	if err := p.db.QueryRowContext(ctx, query, roomID).Scan(&st.MessageCount, &last); err != nil {
		return Stats{}, err
	}
	if last.Valid {
		t := last.Time
		st.LastMessageAt = &t
	}
	return st, nil
}
