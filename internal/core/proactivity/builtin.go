package proactivity

import (
	"context"
	"fmt"

	"github.com/abhi1693/openclaw-agency/internal/core/id"
	"github.com/abhi1693/openclaw-agency/internal/core/store"
)

// builtinRules is the rule set installed for every organization. Names
// double as the idempotency key, so edits here roll out to existing
// orgs without duplicating rows.
var builtinRules = []store.CreateRuleParams{
	{
		Name:         "Overdue Task Alert",
		Description:  "Flags boards carrying tasks past their due date.",
		TriggerEvent: EventCronDaily,
		Conditions: map[string]any{
			"rules": []any{
				map[string]any{"field": "has_overdue_tasks", "op": "eq", "value": true},
			},
		},
		ActionConfig: map[string]any{
			"suggestion_type": "deadline_alert",
			"title":           "Overdue tasks need attention",
			"description":     "One or more tasks on this board are past their due date.",
			"priority":        "high",
			"confidence":      0.95,
		},
		CooldownSeconds: 86400,
	},
	{
		Name:         "Stale Review Detection",
		Description:  "Flags tasks stuck in review for too long.",
		TriggerEvent: EventCronHourly,
		Conditions: map[string]any{
			"rules": []any{
				map[string]any{"field": "stale_review_count", "op": "gt", "value": 0},
			},
		},
		ActionConfig: map[string]any{
			"suggestion_type": "quality_concern",
			"title":           "Reviews are going stale",
			"description":     "Tasks have been sitting in review without movement.",
			"priority":        "medium",
			"confidence":      0.80,
		},
		CooldownSeconds: 3600,
	},
	{
		Name:         "WIP Limit Warning",
		Description:  "Fires when a status change pushes a board past its WIP limit.",
		TriggerEvent: EventTaskStatusChanged,
		Conditions: map[string]any{
			"rules": []any{
				map[string]any{"field": "wip_exceeded", "op": "eq", "value": true},
			},
		},
		ActionConfig: map[string]any{
			"suggestion_type": "workload_rebalance",
			"title":           "WIP limit exceeded",
			"description":     "The board has more tasks in flight than its WIP limit allows.",
			"priority":        "medium",
			"confidence":      0.75,
		},
		CooldownSeconds: 3600,
	},
	{
		Name:         "Unblocking Opportunity",
		Description:  "Spots completed tasks that unblock dependent work.",
		TriggerEvent: EventTaskStatusChanged,
		Conditions: map[string]any{
			"rules": []any{
				map[string]any{"field": "new_status", "op": "eq", "value": "done"},
				map[string]any{"field": "has_dependents", "op": "eq", "value": true},
			},
		},
		ActionConfig: map[string]any{
			"suggestion_type": "task_reassign",
			"title":           "Dependent work just unblocked",
			"description":     "A finished task has dependents that can now start.",
			"priority":        "medium",
			"confidence":      0.85,
		},
		CooldownSeconds: 1800,
	},
	{
		Name:         "Idle Agent Detection",
		Description:  "Flags agents that have been idle for an hour or more.",
		TriggerEvent: EventAgentHeartbeat,
		Conditions: map[string]any{
			"rules": []any{
				map[string]any{"field": "idle_minutes", "op": "gte", "value": 60},
			},
		},
		ActionConfig: map[string]any{
			"suggestion_type": "task_reassign",
			"title":           "Agent has gone idle",
			"description":     "An agent has had no activity for at least an hour.",
			"priority":        "low",
			"confidence":      0.70,
		},
		CooldownSeconds: 3600,
	},
	{
		Name:         "Auto Follow-up",
		Description:  "Proposes follow-up tasks for completed work that asks for one.",
		TriggerEvent: EventTaskStatusChanged,
		Conditions: map[string]any{
			"rules": []any{
				map[string]any{"field": "new_status", "op": "eq", "value": "done"},
				map[string]any{"field": "needs_followup", "op": "eq", "value": true},
			},
		},
		ActionConfig: map[string]any{
			"suggestion_type": "task_create",
			"title":           "Create a follow-up task",
			"description":     "A completed task was marked as needing follow-up work.",
			"priority":        "low",
			"confidence":      0.60,
		},
		CooldownSeconds: 7200,
	},
}

// SeedBuiltinRules installs any builtin rules the org is missing,
// matching by name, and returns how many were created. Existing rules
// are never modified, so operator edits and toggles survive restarts.
func SeedBuiltinRules(ctx context.Context, st *store.Store, orgID string) (int, error) {
	names, err := st.ListBuiltinRuleNames(ctx, orgID)
	if err != nil {
		return 0, fmt.Errorf("list builtin rules: %w", err)
	}
	have := make(map[string]bool, len(names))
	for _, n := range names {
		have[n] = true
	}

	created := 0
	for _, tmpl := range builtinRules {
		if have[tmpl.Name] {
			continue
		}
		p := tmpl
		p.ID = id.Generate()
		p.OrgID = orgID
		p.Enabled = true
		p.IsBuiltin = true
		if err := st.CreateRule(ctx, p); err != nil {
			return created, fmt.Errorf("seed rule %q: %w", tmpl.Name, err)
		}
		created++
	}
	return created, nil
}
