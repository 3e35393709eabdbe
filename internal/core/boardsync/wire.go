package boardsync

import (
	"time"

	"github.com/abhi1693/openclaw-agency/internal/core/store"
	"github.com/abhi1693/openclaw-agency/internal/util/timefmt"
)

// TaskWire renders a task as the self-describing dict board clients
// receive. DB column created_by appears as created_by_user_id on the
// wire.
func TaskWire(t store.Task) map[string]any {
	return map[string]any{
		"id":                 t.ID,
		"board_id":           t.BoardID,
		"title":              t.Title,
		"description":        t.Description,
		"status":             t.Status,
		"priority":           t.Priority,
		"due_at":             wireTime(t.DueAt),
		"in_progress_at":     wireTime(t.InProgressAt),
		"assigned_agent_id":  wireStr(t.AssignedAgentID),
		"created_by_user_id": wireStr(t.CreatedBy),
		"auto_created":       t.AutoCreated,
		"created_at":         timefmt.Format(t.CreatedAt),
		"updated_at":         timefmt.Format(t.UpdatedAt),
	}
}

// SuggestionWire renders a suggestion for board broadcasts and the SSE
// stream.
func SuggestionWire(sg store.Suggestion) map[string]any {
	return map[string]any{
		"id":              sg.ID,
		"organization_id": sg.OrgID,
		"board_id":        wireStr(sg.BoardID),
		"agent_id":        wireStr(sg.AgentID),
		"rule_id":         sg.RuleID,
		"source_event_id": wireStr(sg.SourceEventID),
		"title":           sg.Title,
		"description":     sg.Description,
		"suggestion_type": sg.SuggestionType,
		"priority":        sg.Priority,
		"confidence":      sg.Confidence,
		"payload":         sg.Payload,
		"status":          sg.Status,
		"resolved_at":     wireTime(sg.ResolvedAt),
		"resolved_by":     wireStr(sg.ResolvedBy),
		"expires_at":      timefmt.Format(sg.ExpiresAt),
		"created_at":      timefmt.Format(sg.CreatedAt),
	}
}

func wireTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return timefmt.Format(*t)
}

func wireStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
