// Package proactivity turns the platform's system event stream into
// operator suggestions. The engine consumes every org and board event
// channel, matches events against the org's enabled rules, and fires
// suggestions under per-rule cooldowns. Fired suggestions reach
// operators over SSE and the board sync channel.
package proactivity

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/abhi1693/openclaw-agency/internal/core/boardsync"
	"github.com/abhi1693/openclaw-agency/internal/core/bus"
	"github.com/abhi1693/openclaw-agency/internal/core/id"
	"github.com/abhi1693/openclaw-agency/internal/core/store"
	"github.com/abhi1693/openclaw-agency/internal/metrics"
)

// DefaultSuggestionTTL is how long a fired suggestion stays pending
// before it expires.
const DefaultSuggestionTTL = 168 * time.Hour

// WireEvent is a system event as it travels on the bus.
type WireEvent struct {
	EventID   string         `json:"event_id"`
	EventType string         `json:"event_type"`
	OrgID     string         `json:"organization_id"`
	BoardID   string         `json:"board_id,omitempty"`
	AgentID   string         `json:"agent_id,omitempty"`
	TaskID    string         `json:"task_id,omitempty"`
	Payload   map[string]any `json:"payload"`
	Timestamp string         `json:"timestamp"`
}

// Engine evaluates proactive rules against the live event stream.
type Engine struct {
	db            *sql.DB
	st            *store.Store
	b             *bus.Bus
	bc            *boardsync.Broadcaster
	hub           *Hub
	suggestionTTL time.Duration
}

func NewEngine(db *sql.DB, b *bus.Bus, bc *boardsync.Broadcaster, hub *Hub, suggestionTTL time.Duration) *Engine {
	if suggestionTTL <= 0 {
		suggestionTTL = DefaultSuggestionTTL
	}
	return &Engine{
		db:            db,
		st:            store.New(db),
		b:             b,
		bc:            bc,
		hub:           hub,
		suggestionTTL: suggestionTTL,
	}
}

// Run consumes the event firehose until ctx is canceled. Board-scoped
// events arrive twice, once per channel the pattern matches; the
// cooldown gate absorbs the duplicate.
func (e *Engine) Run(ctx context.Context) {
	sub := e.b.PSubscribe(ctx, bus.EventsPattern())
	defer func() { _ = sub.Close() }()

	slog.Info("rule engine started", "pattern", bus.EventsPattern())
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			slog.Info("rule engine stopped")
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var ev WireEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				slog.Debug("ignoring malformed event", "channel", msg.Channel, "error", err)
				continue
			}
			e.HandleEvent(ctx, ev)
		}
	}
}

// HandleEvent evaluates every enabled rule listening on the event's
// type. Rule failures are isolated: one broken rule never blocks the
// rest.
func (e *Engine) HandleEvent(ctx context.Context, ev WireEvent) {
	if ev.EventType == "" || ev.OrgID == "" {
		return
	}
	rules, err := e.st.ListEnabledRulesByTrigger(ctx, store.ListRulesByTriggerParams{
		OrgID:        ev.OrgID,
		TriggerEvent: ev.EventType,
	})
	if err != nil {
		slog.Error("rule lookup failed", "event_type", ev.EventType, "error", err)
		return
	}

	now := time.Now().UTC()
	for _, rule := range rules {
		metrics.RulesEvaluatedTotal.Inc()

		if inCooldown(rule, now) {
			slog.Debug("rule in cooldown", "rule", rule.Name)
			continue
		}
		if !conditionsPass(rule.Conditions, ev.Payload) {
			continue
		}
		if err := e.fire(ctx, rule, ev, now); err != nil {
			slog.Error("rule fire failed", "rule", rule.Name, "error", err)
		}
	}
}

func inCooldown(rule store.ProactiveRule, now time.Time) bool {
	if rule.LastFiredAt == nil {
		return false
	}
	return now.Sub(*rule.LastFiredAt) < time.Duration(rule.CooldownSeconds)*time.Second
}

// fire creates the suggestion and stamps the rule's last_fired_at in
// one transaction, so a crash can never leave a fired rule without its
// suggestion or the other way round.
func (e *Engine) fire(ctx context.Context, rule store.ProactiveRule, ev WireEvent, now time.Time) error {
	params := e.assemble(rule, ev, now)
	err := store.Transact(ctx, e.db, func(tx *store.Store) error {
		if err := tx.CreateSuggestion(ctx, params); err != nil {
			return fmt.Errorf("create suggestion: %w", err)
		}
		return tx.UpdateRuleLastFired(ctx, rule.ID, now)
	})
	if errors.Is(err, store.ErrDuplicateSuggestion) {
		// Another instance consumed the same delivery first; its
		// transaction already stamped the cooldown and notified.
		slog.Debug("rule already fired for event", "rule", rule.Name, "event_id", ev.EventID)
		return nil
	}
	if err != nil {
		return err
	}
	metrics.RulesFiredTotal.WithLabelValues(rule.Name).Inc()
	metrics.SuggestionsCreatedTotal.Inc()
	slog.Info("rule fired", "rule", rule.Name, "suggestion_id", params.ID, "event_type", ev.EventType)

	sg, err := e.st.GetSuggestionByID(ctx, store.GetSuggestionParams{ID: params.ID, OrgID: rule.OrgID})
	if err != nil {
		return fmt.Errorf("reload suggestion: %w", err)
	}
	e.hub.Notify(rule.OrgID, sg)
	if sg.BoardID != "" {
		e.bc.Suggestion(ctx, sg.BoardID, sg)
	}
	return nil
}

// assemble builds the suggestion a firing rule produces. The rule's
// action config overrides the defaults field by field.
func (e *Engine) assemble(rule store.ProactiveRule, ev WireEvent, now time.Time) store.CreateSuggestionParams {
	cfg := rule.ActionConfig

	suggestionType, _ := cfg["suggestion_type"].(string)
	if suggestionType == "" {
		suggestionType = rule.ActionType
	}
	title, _ := cfg["title"].(string)
	if title == "" {
		title = fmt.Sprintf("[%s] triggered by %s", rule.Name, ev.EventType)
	}
	description, _ := cfg["description"].(string)
	priority, _ := cfg["priority"].(string)
	if priority == "" {
		priority = "medium"
	}
	confidence, ok := cfg["confidence"].(float64)
	if !ok {
		confidence = 0.7
	}

	return store.CreateSuggestionParams{
		ID:             id.Generate(),
		OrgID:          rule.OrgID,
		BoardID:        ev.BoardID,
		AgentID:        ev.AgentID,
		RuleID:         rule.ID,
		SourceEventID:  ev.EventID,
		Title:          title,
		Description:    description,
		SuggestionType: suggestionType,
		Priority:       priority,
		Confidence:     confidence,
		Payload: map[string]any{
			"rule_id":       rule.ID,
			"event_payload": ev.Payload,
		},
		ExpiresAt: now.Add(e.suggestionTTL),
	}
}
