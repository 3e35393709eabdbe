package store

import (
	"context"
	"database/sql"
	"time"
)

type Agent struct {
	ID              string
	OrgID           string
	GatewayID       string
	BoardID         string
	Name            string
	TokenHash       string
	IsLead          bool
	GovernorEnabled bool
	GovernorStep    int64
	GovernorOff     bool
	LastActiveAt    *time.Time
	HeartbeatConfig map[string]any
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type CreateAgentParams struct {
	ID              string
	OrgID           string
	GatewayID       string
	BoardID         string
	Name            string
	TokenHash       string
	IsLead          bool
	HeartbeatConfig map[string]any
}

func (s *Store) CreateAgent(ctx context.Context, p CreateAgentParams) error {
	hb, err := marshalDoc(p.HeartbeatConfig)
	if err != nil {
		return err
	}
	now := fmtTime(time.Now())
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agents (id, org_id, gateway_id, board_id, name, token_hash,
		 is_lead, heartbeat_config, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.OrgID, p.GatewayID, nullStr(p.BoardID), p.Name, p.TokenHash,
		boolInt(p.IsLead), hb, now, now)
	return err
}

const agentCols = `id, org_id, gateway_id, board_id, name, token_hash, is_lead,
	governor_enabled, governor_step, governor_off, last_active_at, heartbeat_config,
	created_at, updated_at`

func scanAgent(row rowScanner) (Agent, error) {
	var a Agent
	var boardID, lastActive sql.NullString
	var isLead, governorEnabled, governorOff int64
	var hb, createdAt, updatedAt string
	if err := row.Scan(&a.ID, &a.OrgID, &a.GatewayID, &boardID, &a.Name,
		&a.TokenHash, &isLead, &governorEnabled, &a.GovernorStep, &governorOff,
		&lastActive, &hb, &createdAt, &updatedAt); err != nil {
		return Agent{}, err
	}
	a.BoardID = boardID.String
	a.IsLead = isLead != 0
	a.GovernorEnabled = governorEnabled != 0
	a.GovernorOff = governorOff != 0
	var err error
	if a.LastActiveAt, err = parseNullTime(lastActive); err != nil {
		return Agent{}, err
	}
	if a.HeartbeatConfig, err = unmarshalDoc(hb); err != nil {
		return Agent{}, err
	}
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return Agent{}, err
	}
	a.UpdatedAt, err = parseTime(updatedAt)
	return a, err
}

func (s *Store) GetAgentByID(ctx context.Context, id string) (Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+agentCols+` FROM agents WHERE id = ?`, id)
	return scanAgent(row)
}

func (s *Store) ListAgentsByBoardID(ctx context.Context, boardID string) ([]Agent, error) {
	return s.listAgents(ctx,
		`SELECT `+agentCols+` FROM agents WHERE board_id = ? ORDER BY created_at`, boardID)
}

// ListGovernedAgents returns every agent with auto-heartbeat governance
// enabled, across all orgs. One governor tick walks this list.
func (s *Store) ListGovernedAgents(ctx context.Context) ([]Agent, error) {
	return s.listAgents(ctx,
		`SELECT `+agentCols+` FROM agents WHERE governor_enabled = 1 ORDER BY created_at`)
}

func (s *Store) listAgents(ctx context.Context, query string, args ...any) ([]Agent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var agents []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func (s *Store) SetAgentGovernorEnabled(ctx context.Context, id string, enabled bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE agents SET governor_enabled = ?, updated_at = ? WHERE id = ?`,
		boolInt(enabled), fmtTime(time.Now()), id)
	return err
}

type UpdateAgentGovernorStateParams struct {
	ID              string
	GovernorStep    int64
	GovernorOff     bool
	HeartbeatConfig map[string]any
	// LastActiveAt is set only when non-nil; an existing value is kept.
	LastActiveAt *time.Time
}

func (s *Store) UpdateAgentGovernorState(ctx context.Context, p UpdateAgentGovernorStateParams) error {
	hb, err := marshalDoc(p.HeartbeatConfig)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE agents SET governor_step = ?, governor_off = ?, heartbeat_config = ?,
		 last_active_at = COALESCE(?, last_active_at), updated_at = ? WHERE id = ?`,
		p.GovernorStep, boolInt(p.GovernorOff), hb,
		fmtNullTime(p.LastActiveAt), fmtTime(time.Now()), p.ID)
	return err
}
