package store

import (
	"context"
	"time"
)

type Organization struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

type CreateOrgParams struct {
	ID   string
	Name string
}

func (s *Store) CreateOrg(ctx context.Context, p CreateOrgParams) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO organizations (id, name, created_at) VALUES (?, ?, ?)`,
		p.ID, p.Name, fmtTime(time.Now()))
	return err
}

func scanOrg(row rowScanner) (Organization, error) {
	var o Organization
	var createdAt string
	if err := row.Scan(&o.ID, &o.Name, &createdAt); err != nil {
		return Organization{}, err
	}
	var err error
	o.CreatedAt, err = parseTime(createdAt)
	return o, err
}

func (s *Store) GetOrgByID(ctx context.Context, id string) (Organization, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, created_at FROM organizations WHERE id = ?`, id)
	return scanOrg(row)
}

func (s *Store) GetOrgByName(ctx context.Context, name string) (Organization, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, created_at FROM organizations WHERE name = ?`, name)
	return scanOrg(row)
}

func (s *Store) ListOrgs(ctx context.Context) ([]Organization, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, created_at FROM organizations ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var orgs []Organization
	for rows.Next() {
		o, err := scanOrg(rows)
		if err != nil {
			return nil, err
		}
		orgs = append(orgs, o)
	}
	return orgs, rows.Err()
}

func (s *Store) CountOrgs(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM organizations`).Scan(&n)
	return n, err
}
