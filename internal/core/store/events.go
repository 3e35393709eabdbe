package store

import (
	"context"
	"database/sql"
	"strings"
	"time"
)

type SystemEvent struct {
	ID        string
	OrgID     string
	BoardID   string
	AgentID   string
	TaskID    string
	EventType string
	Source    string
	Payload   map[string]any
	CreatedAt time.Time
}

type CreateSystemEventParams struct {
	ID        string
	OrgID     string
	BoardID   string
	AgentID   string
	TaskID    string
	EventType string
	Source    string
	Payload   map[string]any
	CreatedAt time.Time
}

func (s *Store) CreateSystemEvent(ctx context.Context, p CreateSystemEventParams) error {
	payload, err := marshalDoc(p.Payload)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO system_events (id, org_id, board_id, agent_id, task_id, event_type, source, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.OrgID, nullStr(p.BoardID), nullStr(p.AgentID), nullStr(p.TaskID),
		p.EventType, p.Source, payload, fmtTime(p.CreatedAt))
	return err
}

const eventCols = `id, org_id, board_id, agent_id, task_id, event_type, source, payload, created_at`

func scanSystemEvent(row rowScanner) (SystemEvent, error) {
	var ev SystemEvent
	var boardID, agentID, taskID sql.NullString
	var payload, createdAt string
	if err := row.Scan(&ev.ID, &ev.OrgID, &boardID, &agentID, &taskID,
		&ev.EventType, &ev.Source, &payload, &createdAt); err != nil {
		return SystemEvent{}, err
	}
	ev.BoardID = boardID.String
	ev.AgentID = agentID.String
	ev.TaskID = taskID.String
	var err error
	if ev.Payload, err = unmarshalDoc(payload); err != nil {
		return SystemEvent{}, err
	}
	ev.CreatedAt, err = parseTime(createdAt)
	return ev, err
}

func (s *Store) GetSystemEventByID(ctx context.Context, id string) (SystemEvent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+eventCols+` FROM system_events WHERE id = ?`, id)
	return scanSystemEvent(row)
}

// ListEventsBefore returns up to limit events created strictly before cutoff,
// oldest first. The retention sweep drains the log in such batches.
func (s *Store) ListEventsBefore(ctx context.Context, cutoff time.Time, limit int) ([]SystemEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventCols+` FROM system_events
		 WHERE created_at < ? ORDER BY created_at LIMIT ?`,
		fmtTime(cutoff), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var events []SystemEvent
	for rows.Next() {
		ev, err := scanSystemEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *Store) DeleteEventsByIDs(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM system_events WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) CountSystemEvents(ctx context.Context) (int64, error) {
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM system_events`)
	var n int64
	err := row.Scan(&n)
	return n, err
}
