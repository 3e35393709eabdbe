package store

import (
	"context"
	"time"
)

type Operator struct {
	ID           string
	OrgID        string
	Username     string
	PasswordHash string
	IsAdmin      bool
	CreatedAt    time.Time
}

type CreateOperatorParams struct {
	ID           string
	OrgID        string
	Username     string
	PasswordHash string
	IsAdmin      bool
}

func (s *Store) CreateOperator(ctx context.Context, p CreateOperatorParams) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO operators (id, org_id, username, password_hash, is_admin, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.OrgID, p.Username, p.PasswordHash, boolInt(p.IsAdmin), fmtTime(time.Now()))
	return err
}

func scanOperator(row rowScanner) (Operator, error) {
	var o Operator
	var isAdmin int64
	var createdAt string
	if err := row.Scan(&o.ID, &o.OrgID, &o.Username, &o.PasswordHash, &isAdmin, &createdAt); err != nil {
		return Operator{}, err
	}
	o.IsAdmin = isAdmin != 0
	var err error
	o.CreatedAt, err = parseTime(createdAt)
	return o, err
}

const operatorCols = `id, org_id, username, password_hash, is_admin, created_at`

func (s *Store) GetOperatorByID(ctx context.Context, id string) (Operator, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+operatorCols+` FROM operators WHERE id = ?`, id)
	return scanOperator(row)
}

type GetOperatorByUsernameParams struct {
	OrgID    string
	Username string
}

func (s *Store) GetOperatorByUsername(ctx context.Context, p GetOperatorByUsernameParams) (Operator, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+operatorCols+` FROM operators WHERE org_id = ? AND username = ?`,
		p.OrgID, p.Username)
	return scanOperator(row)
}

func (s *Store) CountOperators(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM operators`).Scan(&n)
	return n, err
}

type OperatorSession struct {
	Token      string
	OperatorID string
	OrgID      string
	ExpiresAt  time.Time
	CreatedAt  time.Time
}

type CreateOperatorSessionParams struct {
	Token      string
	OperatorID string
	OrgID      string
	ExpiresAt  time.Time
}

func (s *Store) CreateOperatorSession(ctx context.Context, p CreateOperatorSessionParams) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO operator_sessions (token, operator_id, org_id, expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		p.Token, p.OperatorID, p.OrgID, fmtTime(p.ExpiresAt), fmtTime(time.Now()))
	return err
}

// GetOperatorSessionByToken returns a session only while it is
// unexpired; expired rows behave as missing.
func (s *Store) GetOperatorSessionByToken(ctx context.Context, token string) (OperatorSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT token, operator_id, org_id, expires_at, created_at
		 FROM operator_sessions WHERE token = ? AND expires_at > ?`,
		token, fmtTime(time.Now()))

	var sess OperatorSession
	var expiresAt, createdAt string
	if err := row.Scan(&sess.Token, &sess.OperatorID, &sess.OrgID, &expiresAt, &createdAt); err != nil {
		return OperatorSession{}, err
	}
	var err error
	if sess.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return OperatorSession{}, err
	}
	sess.CreatedAt, err = parseTime(createdAt)
	return sess, err
}

func (s *Store) DeleteOperatorSession(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM operator_sessions WHERE token = ?`, token)
	return err
}

func (s *Store) DeleteExpiredOperatorSessions(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM operator_sessions WHERE expires_at <= ?`, fmtTime(time.Now()))
	return err
}
