package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

const (
	SuggestionPending   = "pending"
	SuggestionAccepted  = "accepted"
	SuggestionDismissed = "dismissed"
	SuggestionExpired   = "expired"
)

// ErrNotPending is returned when a resolve targets a suggestion that has
// already been accepted, dismissed, or expired.
var ErrNotPending = errors.New("suggestion is not pending")

// ErrDuplicateSuggestion is returned when the rule already produced a
// suggestion for the same source event, typically because another core
// instance won the race for the same bus delivery.
var ErrDuplicateSuggestion = errors.New("suggestion already exists for rule and event")

type Suggestion struct {
	ID             string
	OrgID          string
	BoardID        string
	AgentID        string
	RuleID         string
	SourceEventID  string
	Title          string
	Description    string
	SuggestionType string
	Priority       string
	Confidence     float64
	Payload        map[string]any
	Status         string
	ResolvedAt     *time.Time
	ResolvedBy     string
	ExpiresAt      time.Time
	CreatedAt      time.Time
}

type CreateSuggestionParams struct {
	ID             string
	OrgID          string
	BoardID        string
	AgentID        string
	RuleID         string
	SourceEventID  string
	Title          string
	Description    string
	SuggestionType string
	Priority       string
	Confidence     float64
	Payload        map[string]any
	ExpiresAt      time.Time
}

// CreateSuggestion inserts a pending suggestion. The (rule_id,
// source_event_id) unique index arbitrates concurrent fires for the
// same event; the loser gets ErrDuplicateSuggestion.
func (s *Store) CreateSuggestion(ctx context.Context, p CreateSuggestionParams) error {
	payload, err := marshalDoc(p.Payload)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO suggestions (id, org_id, board_id, agent_id, rule_id,
		 source_event_id, title, description, suggestion_type, priority, confidence,
		 payload, status, expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'pending', ?, ?)`,
		p.ID, p.OrgID, nullStr(p.BoardID), nullStr(p.AgentID), p.RuleID,
		nullStr(p.SourceEventID), p.Title, p.Description, p.SuggestionType,
		p.Priority, p.Confidence, payload, fmtTime(p.ExpiresAt), fmtTime(time.Now()))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDuplicateSuggestion
	}
	return nil
}

const suggestionCols = `id, org_id, board_id, agent_id, rule_id, source_event_id,
	title, description, suggestion_type, priority, confidence, payload, status,
	resolved_at, resolved_by, expires_at, created_at`

func scanSuggestion(row rowScanner) (Suggestion, error) {
	var sg Suggestion
	var boardID, agentID, sourceEventID, resolvedAt, resolvedBy sql.NullString
	var payload, expiresAt, createdAt string
	if err := row.Scan(&sg.ID, &sg.OrgID, &boardID, &agentID, &sg.RuleID,
		&sourceEventID, &sg.Title, &sg.Description, &sg.SuggestionType, &sg.Priority,
		&sg.Confidence, &payload, &sg.Status, &resolvedAt, &resolvedBy,
		&expiresAt, &createdAt); err != nil {
		return Suggestion{}, err
	}
	sg.BoardID = boardID.String
	sg.AgentID = agentID.String
	sg.SourceEventID = sourceEventID.String
	sg.ResolvedBy = resolvedBy.String
	var err error
	if sg.Payload, err = unmarshalDoc(payload); err != nil {
		return Suggestion{}, err
	}
	if sg.ResolvedAt, err = parseNullTime(resolvedAt); err != nil {
		return Suggestion{}, err
	}
	if sg.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return Suggestion{}, err
	}
	sg.CreatedAt, err = parseTime(createdAt)
	return sg, err
}

type GetSuggestionParams struct {
	ID    string
	OrgID string
}

func (s *Store) GetSuggestionByID(ctx context.Context, p GetSuggestionParams) (Suggestion, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+suggestionCols+` FROM suggestions WHERE id = ? AND org_id = ?`,
		p.ID, p.OrgID)
	return scanSuggestion(row)
}

type ListSuggestionsParams struct {
	OrgID    string
	Status   string
	BoardID  string
	Priority string
}

// ListSuggestions returns the org's suggestions newest first. Status,
// BoardID and Priority narrow the result when non-empty.
func (s *Store) ListSuggestions(ctx context.Context, p ListSuggestionsParams) ([]Suggestion, error) {
	query := `SELECT ` + suggestionCols + ` FROM suggestions WHERE org_id = ?`
	args := []any{p.OrgID}
	if p.Status != "" {
		query += ` AND status = ?`
		args = append(args, p.Status)
	}
	if p.BoardID != "" {
		query += ` AND board_id = ?`
		args = append(args, p.BoardID)
	}
	if p.Priority != "" {
		query += ` AND priority = ?`
		args = append(args, p.Priority)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var suggestions []Suggestion
	for rows.Next() {
		sg, err := scanSuggestion(rows)
		if err != nil {
			return nil, err
		}
		suggestions = append(suggestions, sg)
	}
	return suggestions, rows.Err()
}

type ResolveSuggestionParams struct {
	ID         string
	OrgID      string
	Status     string
	ResolvedBy string
}

// ResolveSuggestion moves a pending suggestion to accepted or dismissed.
// Resolving one that is no longer pending returns ErrNotPending.
func (s *Store) ResolveSuggestion(ctx context.Context, p ResolveSuggestionParams) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE suggestions SET status = ?, resolved_at = ?, resolved_by = ?
		 WHERE id = ? AND org_id = ? AND status = 'pending'`,
		p.Status, fmtTime(time.Now()), nullStr(p.ResolvedBy), p.ID, p.OrgID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetSuggestionByID(ctx, GetSuggestionParams{ID: p.ID, OrgID: p.OrgID}); err != nil {
			return err
		}
		return ErrNotPending
	}
	return nil
}

// ExpireDueSuggestions marks every pending suggestion whose expiry has passed
// and reports how many rows changed.
func (s *Store) ExpireDueSuggestions(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE suggestions SET status = 'expired', resolved_at = ?
		 WHERE status = 'pending' AND expires_at <= ?`,
		fmtTime(now), fmtTime(now))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
