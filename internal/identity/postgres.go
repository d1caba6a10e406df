package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/plaza/chat-service/internal/apperr"
)

// PostgresUsers reads users, roles and role permissions from the platform
// database. It never writes.
type PostgresUsers struct {
	db *sql.DB
}

func NewPostgresUsers(db *sql.DB) *PostgresUsers {
	return &PostgresUsers{db: db}
}

func (p *PostgresUsers) FindByID(ctx context.Context, id int64) (*User, error) {
	const userQuery = `
		SELECT u.id, u.name, u.username, COALESCE(u.avatar, ''), u.is_active,
		       COALESCE(r.id, 0), COALESCE(r.name, '')
		FROM users u
		LEFT JOIN roles r ON r.id = u.role_id
		WHERE u.id = $1`

	var u User
	err := p.db.QueryRowContext(ctx, userQuery, id).Scan(
		&u.ID, &u.Name, &u.Username, &u.Avatar, &u.Active, &u.Role.ID, &u.Role.Name,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("identity: user %d: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("identity: find user: %w", err)
	}

	if u.Role.ID == 0 {
		return &u, nil
	}

	const permQuery = `
		SELECT resource, action
		FROM role_permissions
		WHERE role_id = $1
		ORDER BY resource, action`

	rows, err := p.db.QueryContext(ctx, permQuery, u.Role.ID)
	if err != nil {
		return nil, fmt.Errorf("identity: role permissions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var perm Permission
		if err := rows.Scan(&perm.Resource, &perm.Action); err != nil {
			return nil, fmt.Errorf("identity: scan permission: %w", err)
		}
		u.Role.Permissions = append(u.Role.Permissions, perm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("identity: role permissions: %w", err)
	}
	return &u, nil
}
