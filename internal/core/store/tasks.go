package store

import (
	"context"
	"database/sql"
	"time"
)

// Task statuses.
const (
	TaskInbox      = "inbox"
	TaskInProgress = "in_progress"
	TaskReview     = "review"
	TaskDone       = "done"
	TaskBlocked    = "blocked"
)

// ValidTaskStatus reports whether s is one of the known task statuses.
func ValidTaskStatus(s string) bool {
	switch s {
	case TaskInbox, TaskInProgress, TaskReview, TaskDone, TaskBlocked:
		return true
	}
	return false
}

type Task struct {
	ID              string
	BoardID         string
	OrgID           string
	Title           string
	Description     string
	Status          string
	Priority        string
	DueAt           *time.Time
	InProgressAt    *time.Time
	AssignedAgentID string
	CreatedBy       string
	AutoCreated     bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type CreateTaskParams struct {
	ID              string
	BoardID         string
	OrgID           string
	Title           string
	Description     string
	Status          string
	Priority        string
	DueAt           *time.Time
	AssignedAgentID string
	CreatedBy       string
	AutoCreated     bool
}

func (s *Store) CreateTask(ctx context.Context, p CreateTaskParams) error {
	now := fmtTime(time.Now())
	status := p.Status
	if status == "" {
		status = TaskInbox
	}
	priority := p.Priority
	if priority == "" {
		priority = "medium"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, board_id, org_id, title, description, status, priority,
		 due_at, assigned_agent_id, created_by, auto_created, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.BoardID, p.OrgID, p.Title, p.Description, status, priority,
		fmtNullTime(p.DueAt), nullStr(p.AssignedAgentID), p.CreatedBy,
		boolInt(p.AutoCreated), now, now)
	return err
}

const taskCols = `id, board_id, org_id, title, description, status, priority,
	due_at, in_progress_at, assigned_agent_id, created_by, auto_created, created_at, updated_at`

func scanTask(row rowScanner) (Task, error) {
	var t Task
	var dueAt, inProgressAt, assignedAgent sql.NullString
	var autoCreated int64
	var createdAt, updatedAt string
	if err := row.Scan(&t.ID, &t.BoardID, &t.OrgID, &t.Title, &t.Description,
		&t.Status, &t.Priority, &dueAt, &inProgressAt, &assignedAgent,
		&t.CreatedBy, &autoCreated, &createdAt, &updatedAt); err != nil {
		return Task{}, err
	}
	t.AssignedAgentID = assignedAgent.String
	t.AutoCreated = autoCreated != 0
	var err error
	if t.DueAt, err = parseNullTime(dueAt); err != nil {
		return Task{}, err
	}
	if t.InProgressAt, err = parseNullTime(inProgressAt); err != nil {
		return Task{}, err
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return Task{}, err
	}
	t.UpdatedAt, err = parseTime(updatedAt)
	return t, err
}

func (s *Store) GetTaskByID(ctx context.Context, id string) (Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskCols+` FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

// ListTasksByBoardID returns the board's tasks newest-first.
func (s *Store) ListTasksByBoardID(ctx context.Context, boardID string) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskCols+` FROM tasks WHERE board_id = ? ORDER BY created_at DESC`, boardID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

type UpdateTaskStatusParams struct {
	ID     string
	Status string
	// InProgressAt is set only when non-nil; an existing value is kept.
	InProgressAt *time.Time
}

func (s *Store) UpdateTaskStatus(ctx context.Context, p UpdateTaskStatusParams) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, in_progress_at = COALESCE(?, in_progress_at), updated_at = ?
		 WHERE id = ?`,
		p.Status, fmtNullTime(p.InProgressAt), fmtTime(time.Now()), p.ID)
	return err
}

// CountActiveTasks counts the board's tasks in flight (in_progress or review).
func (s *Store) CountActiveTasks(ctx context.Context, boardID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM tasks WHERE board_id = ? AND status IN ('in_progress', 'review')`,
		boardID).Scan(&n)
	return n, err
}

// ListAgentIDsWithWork returns the ids of agents holding at least one task
// in flight. The governor treats these agents as busy.
func (s *Store) ListAgentIDsWithWork(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT assigned_agent_id FROM tasks
		 WHERE assigned_agent_id IS NOT NULL AND status IN ('in_progress', 'review')
		 GROUP BY assigned_agent_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) CountOverdueTasks(ctx context.Context, boardID string, now time.Time) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM tasks
		 WHERE board_id = ? AND due_at IS NOT NULL AND due_at < ? AND status != 'done'`,
		boardID, fmtTime(now)).Scan(&n)
	return n, err
}

// CountStaleReviewTasks counts tasks sitting in review since before cutoff.
func (s *Store) CountStaleReviewTasks(ctx context.Context, boardID string, cutoff time.Time) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM tasks
		 WHERE board_id = ? AND status = 'review' AND updated_at < ?`,
		boardID, fmtTime(cutoff)).Scan(&n)
	return n, err
}
