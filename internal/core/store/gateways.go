package store

import (
	"context"
	"database/sql"
	"time"
)

// Gateway statuses.
const (
	GatewayPending = "pending"
	GatewayOnline  = "online"
	GatewayOffline = "offline"
)

type Gateway struct {
	ID                    string
	OrgID                 string
	Name                  string
	URL                   string
	Status                string
	RelayTokenHash        string
	RegistrationTokenHash string
	WorkspaceRoot         string
	ConnectionInfo        map[string]any
	AutoRegistered        bool
	LastHeartbeatAt       *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

type CreateGatewayParams struct {
	ID                    string
	OrgID                 string
	Name                  string
	URL                   string
	RelayTokenHash        string
	RegistrationTokenHash string
	WorkspaceRoot         string
	ConnectionInfo        map[string]any
	AutoRegistered        bool
}

func (s *Store) CreateGateway(ctx context.Context, p CreateGatewayParams) error {
	info, err := marshalDoc(p.ConnectionInfo)
	if err != nil {
		return err
	}
	now := fmtTime(time.Now())
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO gateways (id, org_id, name, url, status, relay_token_hash,
		 registration_token_hash, workspace_root, connection_info, auto_registered,
		 created_at, updated_at)
		 VALUES (?, ?, ?, ?, 'pending', ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.OrgID, p.Name, p.URL, p.RelayTokenHash, p.RegistrationTokenHash,
		p.WorkspaceRoot, info, boolInt(p.AutoRegistered), now, now)
	return err
}

const gatewayCols = `id, org_id, name, url, status, relay_token_hash,
	registration_token_hash, workspace_root, connection_info, auto_registered,
	last_heartbeat_at, created_at, updated_at`

func scanGateway(row rowScanner) (Gateway, error) {
	var g Gateway
	var info string
	var autoRegistered int64
	var lastHeartbeat sql.NullString
	var createdAt, updatedAt string
	if err := row.Scan(&g.ID, &g.OrgID, &g.Name, &g.URL, &g.Status,
		&g.RelayTokenHash, &g.RegistrationTokenHash, &g.WorkspaceRoot, &info,
		&autoRegistered, &lastHeartbeat, &createdAt, &updatedAt); err != nil {
		return Gateway{}, err
	}
	g.AutoRegistered = autoRegistered != 0
	var err error
	if g.ConnectionInfo, err = unmarshalDoc(info); err != nil {
		return Gateway{}, err
	}
	if g.LastHeartbeatAt, err = parseNullTime(lastHeartbeat); err != nil {
		return Gateway{}, err
	}
	if g.CreatedAt, err = parseTime(createdAt); err != nil {
		return Gateway{}, err
	}
	g.UpdatedAt, err = parseTime(updatedAt)
	return g, err
}

func (s *Store) GetGatewayByID(ctx context.Context, id string) (Gateway, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+gatewayCols+` FROM gateways WHERE id = ?`, id)
	return scanGateway(row)
}

type GetGatewayByNameParams struct {
	OrgID string
	Name  string
}

func (s *Store) GetGatewayByName(ctx context.Context, p GetGatewayByNameParams) (Gateway, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+gatewayCols+` FROM gateways WHERE org_id = ? AND name = ?`,
		p.OrgID, p.Name)
	return scanGateway(row)
}

type GetGatewayByRegistrationTokenParams struct {
	OrgID                 string
	RegistrationTokenHash string
}

func (s *Store) GetGatewayByRegistrationToken(ctx context.Context, p GetGatewayByRegistrationTokenParams) (Gateway, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+gatewayCols+` FROM gateways WHERE org_id = ? AND registration_token_hash = ?`,
		p.OrgID, p.RegistrationTokenHash)
	return scanGateway(row)
}

type UpdateGatewayRegistrationParams struct {
	ID             string
	Name           string
	URL            string
	RelayTokenHash string
	WorkspaceRoot  string
	ConnectionInfo map[string]any
}

// UpdateGatewayRegistration applies a re-registration: fresh relay
// token hash, updated endpoint details, status back to pending.
func (s *Store) UpdateGatewayRegistration(ctx context.Context, p UpdateGatewayRegistrationParams) error {
	info, err := marshalDoc(p.ConnectionInfo)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE gateways SET name = ?, url = ?, relay_token_hash = ?, workspace_root = ?,
		 connection_info = ?, status = 'pending', updated_at = ? WHERE id = ?`,
		p.Name, p.URL, p.RelayTokenHash, p.WorkspaceRoot, info, fmtTime(time.Now()), p.ID)
	return err
}

func (s *Store) UpdateGatewayStatus(ctx context.Context, id, status string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE gateways SET status = ?, updated_at = ? WHERE id = ?`,
		status, fmtTime(time.Now()), id)
	return err
}

// TouchGatewayHeartbeat records a heartbeat and flips the gateway
// online when it was pending or offline.
func (s *Store) TouchGatewayHeartbeat(ctx context.Context, id string) error {
	now := fmtTime(time.Now())
	_, err := s.db.ExecContext(ctx,
		`UPDATE gateways SET last_heartbeat_at = ?, status = 'online', updated_at = ? WHERE id = ?`,
		now, now, id)
	return err
}

type RecordGatewayHeartbeatParams struct {
	ID             string
	Status         string
	ConnectionInfo map[string]any
}

// RecordGatewayHeartbeat applies a heartbeat that carries an explicit
// status and refreshed connection info alongside the timestamp.
func (s *Store) RecordGatewayHeartbeat(ctx context.Context, p RecordGatewayHeartbeatParams) error {
	info, err := marshalDoc(p.ConnectionInfo)
	if err != nil {
		return err
	}
	now := fmtTime(time.Now())
	_, err = s.db.ExecContext(ctx,
		`UPDATE gateways SET status = ?, connection_info = ?,
		 last_heartbeat_at = ?, updated_at = ? WHERE id = ?`,
		p.Status, info, now, now, p.ID)
	return err
}

type MarkGatewayOnlineParams struct {
	ID             string
	ConnectionInfo map[string]any
}

func (s *Store) MarkGatewayOnline(ctx context.Context, p MarkGatewayOnlineParams) error {
	info, err := marshalDoc(p.ConnectionInfo)
	if err != nil {
		return err
	}
	now := fmtTime(time.Now())
	_, err = s.db.ExecContext(ctx,
		`UPDATE gateways SET status = 'online', connection_info = ?,
		 last_heartbeat_at = ?, updated_at = ? WHERE id = ?`,
		info, now, now, p.ID)
	return err
}

func (s *Store) CountOnlineGateways(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM gateways WHERE status = 'online'`).Scan(&n)
	return n, err
}

// ListStaleOnlineGateways returns online gateways whose last heartbeat
// is older than the cutoff (or was never recorded).
func (s *Store) ListStaleOnlineGateways(ctx context.Context, cutoff time.Time) ([]Gateway, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+gatewayCols+` FROM gateways
		 WHERE status = 'online' AND (last_heartbeat_at IS NULL OR last_heartbeat_at < ?)`,
		fmtTime(cutoff))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var gws []Gateway
	for rows.Next() {
		g, err := scanGateway(rows)
		if err != nil {
			return nil, err
		}
		gws = append(gws, g)
	}
	return gws, rows.Err()
}
