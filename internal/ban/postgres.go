package ban

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/plaza/chat-service/internal/apperr"
)

// PostgresRepository stores bans in the chat_bans table.
type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const banColumns = `id, chat_id, user_id, ip_address, banned_by, COALESCE(reason, ''), expires_at, created_at, lifted_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBan(row rowScanner) (*Ban, error) {
	var (
		b       Ban
		userID  sql.NullInt64
		address sql.NullString
		expires pq.NullTime
		lifted  pq.NullTime
	)
	if err := row.Scan(&b.ID, &b.RoomID, &userID, &address, &b.IssuedBy, &b.Reason, &expires, &b.CreatedAt, &lifted); err != nil {
		return nil, err
	}
	if userID.Valid {
		b.UserID = &userID.Int64
	}
	if address.Valid {
		b.Address = &address.String
	}
	if expires.Valid {
		b.ExpiresAt = &expires.Time
	}
	if lifted.Valid {
		b.LiftedAt = &lifted.Time
	}
	return &b, nil
}

func (p *PostgresRepository) Active(ctx context.Context, roomID, userID int64, address string, now time.Time) (*Ban, error) {
	query := `
		SELECT ` + banColumns + `
		FROM chat_bans
		WHERE chat_id = $1
		  AND ((user_id IS NOT NULL AND user_id = $2) OR (ip_address IS NOT NULL AND ip_address = $3))
		  AND lifted_at IS NULL
		  AND (expires_at IS NULL OR expires_at > $4)
		ORDER BY created_at, id
		LIMIT 1`

	var uid, addr any
	if userID != 0 {
		uid = userID
	}
	if address != "" {
		addr = address
	}

	b, err := scanBan(p.db.QueryRowContext(ctx, query, roomID, uid, addr, now))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("active ban: %w", err)
	}
	return b, nil
}

func (p *PostgresRepository) Insert(ctx context.Context, b *Ban) error {
	const query = `
		INSERT INTO chat_bans (chat_id, user_id, ip_address, banned_by, reason, expires_at, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7)
		RETURNING id`

	var uid, addr, exp any
	if b.UserID != nil {
		uid = *b.UserID
	}
	if b.Address != nil {
		addr = *b.Address
	}
	if b.ExpiresAt != nil {
		exp = *b.ExpiresAt
	}
	return p.db.QueryRowContext(ctx, query, b.RoomID, uid, addr, b.IssuedBy, b.Reason, exp, b.CreatedAt).Scan(&b.ID)
}

func (p *PostgresRepository) ListActive(ctx context.Context, roomID int64, now time.Time) ([]Ban, error) {
	query := `
		SELECT ` + banColumns + `
		FROM chat_bans
		WHERE chat_id = $1 AND lifted_at IS NULL AND (expires_at IS NULL OR expires_at > $2)
		ORDER BY created_at, id`

	rows, err := p.db.QueryContext(ctx, query, roomID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Ban, 0)
	for rows.Next() {
		b, err := scanBan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

func (p *PostgresRepository) Lift(ctx context.Context, id int64, now time.Time) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE chat_bans SET lifted_at = $2 WHERE id = $1 AND lifted_at IS NULL`, id, now)
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
