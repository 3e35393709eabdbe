package proactivity

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/abhi1693/openclaw-agency/internal/core/store"
)

// staleReviewAge is how long a task may sit in review before the
// hourly sweep counts it as stale.
const staleReviewAge = 24 * time.Hour

// idleThreshold is the inactivity span after which the hourly sweep
// reports an agent as idle.
const idleThreshold = time.Hour

// Emitter publishes the periodic events the time-based builtin rules
// trigger on. It runs on every core instance; the rule engine's
// cooldowns keep duplicate emissions from double-firing.
type Emitter struct {
	st  *store.Store
	pub *Publisher
}

func NewEmitter(st *store.Store, pub *Publisher) *Emitter {
	return &Emitter{st: st, pub: pub}
}

// EmitDaily publishes one cron.daily event per board, carrying its
// overdue task count.
func (em *Emitter) EmitDaily(ctx context.Context) error {
	now := time.Now().UTC()
	return em.eachBoard(ctx, func(orgID string, board store.Board) {
		overdue, err := em.st.CountOverdueTasks(ctx, board.ID, now)
		if err != nil {
			slog.Warn("overdue count failed", "board_id", board.ID, "error", err)
			return
		}
		_, err = em.pub.Publish(ctx, Event{
			Type:    EventCronDaily,
			OrgID:   orgID,
			BoardID: board.ID,
			Source:  "cron",
			Payload: map[string]any{
				"has_overdue_tasks": overdue > 0,
				"overdue_count":     overdue,
			},
		})
		if err != nil {
			slog.Warn("daily event emit failed", "board_id", board.ID, "error", err)
		}
	})
}

// EmitHourly publishes one cron.hourly event per board with its stale
// review count, plus one agent.heartbeat event per governed agent that
// has crossed the idle threshold.
func (em *Emitter) EmitHourly(ctx context.Context) error {
	now := time.Now().UTC()
	err := em.eachBoard(ctx, func(orgID string, board store.Board) {
		stale, err := em.st.CountStaleReviewTasks(ctx, board.ID, now.Add(-staleReviewAge))
		if err != nil {
			slog.Warn("stale review count failed", "board_id", board.ID, "error", err)
			return
		}
		_, err = em.pub.Publish(ctx, Event{
			Type:    EventCronHourly,
			OrgID:   orgID,
			BoardID: board.ID,
			Source:  "cron",
			Payload: map[string]any{
				"stale_review_count": stale,
			},
		})
		if err != nil {
			slog.Warn("hourly event emit failed", "board_id", board.ID, "error", err)
		}
	})
	if err != nil {
		return err
	}
	return em.emitIdleAgents(ctx, now)
}

// emitIdleAgents reports governed agents with no recorded activity for
// at least idleThreshold. An agent that has never been active counts
// from its creation time.
func (em *Emitter) emitIdleAgents(ctx context.Context, now time.Time) error {
	agents, err := em.st.ListGovernedAgents(ctx)
	if err != nil {
		return fmt.Errorf("list governed agents: %w", err)
	}
	for _, a := range agents {
		since := a.CreatedAt
		if a.LastActiveAt != nil {
			since = *a.LastActiveAt
		}
		idle := now.Sub(since)
		if idle < idleThreshold {
			continue
		}
		_, err := em.pub.Publish(ctx, Event{
			Type:    EventAgentHeartbeat,
			OrgID:   a.OrgID,
			BoardID: a.BoardID,
			AgentID: a.ID,
			Source:  "cron",
			Payload: map[string]any{
				"agent_name":   a.Name,
				"idle_minutes": idle.Minutes(),
			},
		})
		if err != nil {
			slog.Warn("idle agent event emit failed", "agent_id", a.ID, "error", err)
		}
	}
	return nil
}

func (em *Emitter) eachBoard(ctx context.Context, fn func(orgID string, board store.Board)) error {
	orgs, err := em.st.ListOrgs(ctx)
	if err != nil {
		return fmt.Errorf("list orgs: %w", err)
	}
	for _, org := range orgs {
		boards, err := em.st.ListBoardsByOrgID(ctx, org.ID)
		if err != nil {
			slog.Warn("board listing failed", "org_id", org.ID, "error", err)
			continue
		}
		for _, board := range boards {
			fn(org.ID, board)
		}
	}
	return nil
}
