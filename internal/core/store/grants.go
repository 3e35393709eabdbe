package store

import (
	"context"
	"database/sql"
	"time"
)

type UserAgentGrant struct {
	ID        string
	OrgID     string
	UserID    string
	AgentID   string
	BoardID   string
	Role      string
	CreatedAt time.Time
}

type CreateGrantParams struct {
	ID      string
	OrgID   string
	UserID  string
	AgentID string
	BoardID string
	Role    string
}

func (s *Store) CreateGrant(ctx context.Context, p CreateGrantParams) error {
	role := p.Role
	if role == "" {
		role = "user"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_agent_grants (id, org_id, user_id, agent_id, board_id, role, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.OrgID, p.UserID, p.AgentID, nullStr(p.BoardID), role, fmtTime(time.Now()))
	return err
}

type GetGrantParams struct {
	OrgID   string
	UserID  string
	AgentID string
}

func (s *Store) GetGrant(ctx context.Context, p GetGrantParams) (UserAgentGrant, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, org_id, user_id, agent_id, board_id, role, created_at
		 FROM user_agent_grants
		 WHERE org_id = ? AND user_id = ? AND agent_id = ?`,
		p.OrgID, p.UserID, p.AgentID)
	var g UserAgentGrant
	var boardID sql.NullString
	var createdAt string
	if err := row.Scan(&g.ID, &g.OrgID, &g.UserID, &g.AgentID, &boardID, &g.Role, &createdAt); err != nil {
		return UserAgentGrant{}, err
	}
	g.BoardID = boardID.String
	var err error
	g.CreatedAt, err = parseTime(createdAt)
	return g, err
}
