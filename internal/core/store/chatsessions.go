package store

import (
	"context"
	"database/sql"
	"time"
)

const (
	ChatSessionActive = "active"
	ChatSessionClosed = "closed"
)

type ChatSession struct {
	ID            string
	OrgID         string
	UserID        string
	AgentID       string
	GatewayID     string
	SessionKey    string
	Status        string
	LastMessageAt *time.Time
	CreatedAt     time.Time
}

type CreateChatSessionParams struct {
	ID         string
	OrgID      string
	UserID     string
	AgentID    string
	GatewayID  string
	SessionKey string
}

func (s *Store) CreateChatSession(ctx context.Context, p CreateChatSessionParams) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_sessions (id, org_id, user_id, agent_id, gateway_id,
		 session_key, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, 'active', ?)`,
		p.ID, p.OrgID, p.UserID, p.AgentID, p.GatewayID, p.SessionKey, fmtTime(time.Now()))
	return err
}

const chatSessionCols = `id, org_id, user_id, agent_id, gateway_id, session_key,
	status, last_message_at, created_at`

func scanChatSession(row rowScanner) (ChatSession, error) {
	var cs ChatSession
	var lastMsg sql.NullString
	var createdAt string
	if err := row.Scan(&cs.ID, &cs.OrgID, &cs.UserID, &cs.AgentID, &cs.GatewayID,
		&cs.SessionKey, &cs.Status, &lastMsg, &createdAt); err != nil {
		return ChatSession{}, err
	}
	var err error
	if cs.LastMessageAt, err = parseNullTime(lastMsg); err != nil {
		return ChatSession{}, err
	}
	cs.CreatedAt, err = parseTime(createdAt)
	return cs, err
}

type GetActiveChatSessionParams struct {
	OrgID      string
	SessionKey string
}

func (s *Store) GetActiveChatSessionByKey(ctx context.Context, p GetActiveChatSessionParams) (ChatSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+chatSessionCols+` FROM chat_sessions
		 WHERE org_id = ? AND session_key = ? AND status = 'active'`,
		p.OrgID, p.SessionKey)
	return scanChatSession(row)
}

func (s *Store) TouchChatSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE chat_sessions SET last_message_at = ? WHERE id = ?`,
		fmtTime(time.Now()), id)
	return err
}

// LatestChatByBoard returns the most recent chat message time per board,
// covering every board whose agents have seen at least one message. The
// governor reads the whole map in one query per tick.
func (s *Store) LatestChatByBoard(ctx context.Context) (map[string]time.Time, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT a.board_id, MAX(cs.last_message_at) FROM chat_sessions cs
		 JOIN agents a ON a.id = cs.agent_id
		 WHERE a.board_id IS NOT NULL AND cs.last_message_at IS NOT NULL
		 GROUP BY a.board_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	latest := make(map[string]time.Time)
	for rows.Next() {
		var boardID string
		var at sql.NullString
		if err := rows.Scan(&boardID, &at); err != nil {
			return nil, err
		}
		t, err := parseNullTime(at)
		if err != nil {
			return nil, err
		}
		if t != nil {
			latest[boardID] = *t
		}
	}
	return latest, rows.Err()
}
