package store

import (
	"context"
	"database/sql"
	"time"
)

// End-user statuses.
const (
	EndUserActive   = "active"
	EndUserDisabled = "disabled"
)

type EndUser struct {
	ID           string
	OrgID        string
	Username     string
	DisplayName  string
	PasswordHash string
	Status       string
	LastLoginAt  *time.Time
	CreatedAt    time.Time
}

type CreateEndUserParams struct {
	ID           string
	OrgID        string
	Username     string
	DisplayName  string
	PasswordHash string
}

func (s *Store) CreateEndUser(ctx context.Context, p CreateEndUserParams) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO end_users (id, org_id, username, display_name, password_hash, status, created_at)
		 VALUES (?, ?, ?, ?, ?, 'active', ?)`,
		p.ID, p.OrgID, p.Username, p.DisplayName, p.PasswordHash, fmtTime(time.Now()))
	return err
}

const endUserCols = `id, org_id, username, display_name, password_hash, status, last_login_at, created_at`

func scanEndUser(row rowScanner) (EndUser, error) {
	var u EndUser
	var lastLogin sql.NullString
	var createdAt string
	if err := row.Scan(&u.ID, &u.OrgID, &u.Username, &u.DisplayName,
		&u.PasswordHash, &u.Status, &lastLogin, &createdAt); err != nil {
		return EndUser{}, err
	}
	var err error
	if u.LastLoginAt, err = parseNullTime(lastLogin); err != nil {
		return EndUser{}, err
	}
	u.CreatedAt, err = parseTime(createdAt)
	return u, err
}

func (s *Store) GetEndUserByID(ctx context.Context, id string) (EndUser, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+endUserCols+` FROM end_users WHERE id = ?`, id)
	return scanEndUser(row)
}

type GetEndUserByUsernameParams struct {
	OrgID    string
	Username string
}

func (s *Store) GetEndUserByUsername(ctx context.Context, p GetEndUserByUsernameParams) (EndUser, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+endUserCols+` FROM end_users WHERE org_id = ? AND username = ?`,
		p.OrgID, p.Username)
	return scanEndUser(row)
}

func (s *Store) UpdateEndUserLastLogin(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE end_users SET last_login_at = ? WHERE id = ?`,
		fmtTime(time.Now()), id)
	return err
}
