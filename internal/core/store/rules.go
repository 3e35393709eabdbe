package store

import (
	"context"
	"database/sql"
	"time"
)

const ActionCreateSuggestion = "create_suggestion"

type ProactiveRule struct {
	ID              string
	OrgID           string
	Name            string
	Description     string
	Enabled         bool
	IsBuiltin       bool
	TriggerEvent    string
	Conditions      map[string]any
	ActionType      string
	ActionConfig    map[string]any
	CooldownSeconds int64
	LastFiredAt     *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type CreateRuleParams struct {
	ID              string
	OrgID           string
	Name            string
	Description     string
	Enabled         bool
	IsBuiltin       bool
	TriggerEvent    string
	Conditions      map[string]any
	ActionType      string
	ActionConfig    map[string]any
	CooldownSeconds int64
}

func (s *Store) CreateRule(ctx context.Context, p CreateRuleParams) error {
	conditions, err := marshalDoc(p.Conditions)
	if err != nil {
		return err
	}
	actionConfig, err := marshalDoc(p.ActionConfig)
	if err != nil {
		return err
	}
	actionType := p.ActionType
	if actionType == "" {
		actionType = ActionCreateSuggestion
	}
	cooldown := p.CooldownSeconds
	if cooldown <= 0 {
		cooldown = 3600
	}
	now := fmtTime(time.Now())
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO proactive_rules (id, org_id, name, description, enabled, is_builtin,
		 trigger_event, conditions, action_type, action_config, cooldown_seconds,
		 created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.OrgID, p.Name, p.Description, boolInt(p.Enabled), boolInt(p.IsBuiltin),
		p.TriggerEvent, conditions, actionType, actionConfig, cooldown, now, now)
	return err
}

const ruleCols = `id, org_id, name, description, enabled, is_builtin, trigger_event,
	conditions, action_type, action_config, cooldown_seconds, last_fired_at,
	created_at, updated_at`

func scanRule(row rowScanner) (ProactiveRule, error) {
	var r ProactiveRule
	var enabled, isBuiltin int64
	var conditions, actionConfig, createdAt, updatedAt string
	var lastFired sql.NullString
	if err := row.Scan(&r.ID, &r.OrgID, &r.Name, &r.Description, &enabled, &isBuiltin,
		&r.TriggerEvent, &conditions, &r.ActionType, &actionConfig,
		&r.CooldownSeconds, &lastFired, &createdAt, &updatedAt); err != nil {
		return ProactiveRule{}, err
	}
	r.Enabled = enabled != 0
	r.IsBuiltin = isBuiltin != 0
	var err error
	if r.Conditions, err = unmarshalDoc(conditions); err != nil {
		return ProactiveRule{}, err
	}
	if r.ActionConfig, err = unmarshalDoc(actionConfig); err != nil {
		return ProactiveRule{}, err
	}
	if r.LastFiredAt, err = parseNullTime(lastFired); err != nil {
		return ProactiveRule{}, err
	}
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return ProactiveRule{}, err
	}
	r.UpdatedAt, err = parseTime(updatedAt)
	return r, err
}

func (s *Store) GetRuleByID(ctx context.Context, id string) (ProactiveRule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+ruleCols+` FROM proactive_rules WHERE id = ?`, id)
	return scanRule(row)
}

type GetRuleByNameParams struct {
	OrgID string
	Name  string
}

func (s *Store) GetRuleByName(ctx context.Context, p GetRuleByNameParams) (ProactiveRule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+ruleCols+` FROM proactive_rules WHERE org_id = ? AND name = ?`,
		p.OrgID, p.Name)
	return scanRule(row)
}

type ListRulesByTriggerParams struct {
	OrgID        string
	TriggerEvent string
}

func (s *Store) ListEnabledRulesByTrigger(ctx context.Context, p ListRulesByTriggerParams) ([]ProactiveRule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+ruleCols+` FROM proactive_rules
		 WHERE org_id = ? AND trigger_event = ? AND enabled = 1 ORDER BY created_at`,
		p.OrgID, p.TriggerEvent)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var rules []ProactiveRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func (s *Store) ListRulesByOrgID(ctx context.Context, orgID string) ([]ProactiveRule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+ruleCols+` FROM proactive_rules WHERE org_id = ? ORDER BY created_at`,
		orgID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var rules []ProactiveRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// ListBuiltinRuleNames returns the names of builtin rules already installed
// for the org. Seeding skips these.
func (s *Store) ListBuiltinRuleNames(ctx context.Context, orgID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name FROM proactive_rules WHERE org_id = ? AND is_builtin = 1`, orgID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *Store) SetRuleEnabled(ctx context.Context, id string, enabled bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE proactive_rules SET enabled = ?, updated_at = ? WHERE id = ?`,
		boolInt(enabled), fmtTime(time.Now()), id)
	return err
}

func (s *Store) UpdateRuleLastFired(ctx context.Context, id string, firedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE proactive_rules SET last_fired_at = ?, updated_at = ? WHERE id = ?`,
		fmtTime(firedAt), fmtTime(time.Now()), id)
	return err
}
