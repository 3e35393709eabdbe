package store

import (
	"context"
	"time"
)

// Governor activity triggers. Trigger A counts chat activity only;
// trigger B counts chat activity or tasks in flight.
const (
	TriggerChatOnly   = "A"
	TriggerChatOrWork = "B"
)

type Board struct {
	ID              string
	OrgID           string
	Name            string
	WIPLimit        int64 // 0 means unlimited
	GovernorEnabled bool
	RunIntervalSecs int64
	Ladder          []string
	LeadCapEvery    string
	ActivityTrigger string
	CreatedAt       time.Time
}

type CreateBoardParams struct {
	ID    string
	OrgID string
	Name  string
}

func (s *Store) CreateBoard(ctx context.Context, p CreateBoardParams) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO boards (id, org_id, name, created_at) VALUES (?, ?, ?, ?)`,
		p.ID, p.OrgID, p.Name, fmtTime(time.Now()))
	return err
}

const boardCols = `id, org_id, name, wip_limit, governor_enabled, governor_run_interval_secs,
	governor_ladder, governor_lead_cap_every, governor_activity_trigger, created_at`

func scanBoard(row rowScanner) (Board, error) {
	var b Board
	var enabled int64
	var ladder, createdAt string
	if err := row.Scan(&b.ID, &b.OrgID, &b.Name, &b.WIPLimit, &enabled, &b.RunIntervalSecs,
		&ladder, &b.LeadCapEvery, &b.ActivityTrigger, &createdAt); err != nil {
		return Board{}, err
	}
	b.GovernorEnabled = enabled != 0
	var err error
	if b.Ladder, err = unmarshalList(ladder); err != nil {
		return Board{}, err
	}
	b.CreatedAt, err = parseTime(createdAt)
	return b, err
}

func (s *Store) GetBoardByID(ctx context.Context, id string) (Board, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+boardCols+` FROM boards WHERE id = ?`, id)
	return scanBoard(row)
}

func (s *Store) ListBoardsByOrgID(ctx context.Context, orgID string) ([]Board, error) {
	return s.listBoards(ctx,
		`SELECT `+boardCols+` FROM boards WHERE org_id = ? ORDER BY created_at`, orgID)
}

// ListGovernedBoards returns every board with the governor enabled,
// across all orgs. The governor tick walks this list.
func (s *Store) ListGovernedBoards(ctx context.Context) ([]Board, error) {
	return s.listBoards(ctx,
		`SELECT `+boardCols+` FROM boards WHERE governor_enabled = 1 ORDER BY created_at`)
}

func (s *Store) listBoards(ctx context.Context, query string, args ...any) ([]Board, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var boards []Board
	for rows.Next() {
		b, err := scanBoard(rows)
		if err != nil {
			return nil, err
		}
		boards = append(boards, b)
	}
	return boards, rows.Err()
}

// SetBoardWIPLimit sets the board's work-in-progress ceiling. Zero
// removes the limit.
func (s *Store) SetBoardWIPLimit(ctx context.Context, id string, limit int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE boards SET wip_limit = ? WHERE id = ?`, limit, id)
	return err
}

type UpdateBoardGovernorPolicyParams struct {
	ID              string
	GovernorEnabled bool
	RunIntervalSecs int64
	Ladder          []string
	LeadCapEvery    string
	ActivityTrigger string
}

func (s *Store) UpdateBoardGovernorPolicy(ctx context.Context, p UpdateBoardGovernorPolicyParams) error {
	ladder, err := marshalList(p.Ladder)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE boards SET governor_enabled = ?, governor_run_interval_secs = ?,
		 governor_ladder = ?, governor_lead_cap_every = ?, governor_activity_trigger = ?
		 WHERE id = ?`,
		boolInt(p.GovernorEnabled), p.RunIntervalSecs, ladder, p.LeadCapEvery,
		p.ActivityTrigger, p.ID)
	return err
}
