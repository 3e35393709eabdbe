package proactivity

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abhi1693/openclaw-agency/internal/core/boardsync"
	"github.com/abhi1693/openclaw-agency/internal/core/bus"
	"github.com/abhi1693/openclaw-agency/internal/core/db"
	"github.com/abhi1693/openclaw-agency/internal/core/id"
	"github.com/abhi1693/openclaw-agency/internal/core/store"
)

type engineFixture struct {
	db     *sql.DB
	st     *store.Store
	bus    *bus.Bus
	hub    *Hub
	engine *Engine
	orgID  string
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()

	sqlDB, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.Migrate(sqlDB))
	st := store.New(sqlDB)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	b := bus.New(rdb)

	hub := NewHub()
	f := &engineFixture{
		db:     sqlDB,
		st:     st,
		bus:    b,
		hub:    hub,
		engine: NewEngine(sqlDB, b, boardsync.NewBroadcaster(st, b), hub, 0),
	}

	f.orgID = id.Generate()
	require.NoError(t, st.CreateOrg(context.Background(), store.CreateOrgParams{ID: f.orgID, Name: "org"}))
	return f
}

func (f *engineFixture) seedRule(t *testing.T, p store.CreateRuleParams) store.ProactiveRule {
	t.Helper()
	p.ID = id.Generate()
	p.OrgID = f.orgID
	p.Enabled = true
	require.NoError(t, f.st.CreateRule(context.Background(), p))
	rule, err := f.st.GetRuleByID(context.Background(), p.ID)
	require.NoError(t, err)
	return rule
}

func (f *engineFixture) pendingSuggestions(t *testing.T) []store.Suggestion {
	t.Helper()
	sgs, err := f.st.ListSuggestions(context.Background(), store.ListSuggestionsParams{
		OrgID: f.orgID, Status: store.SuggestionPending,
	})
	require.NoError(t, err)
	return sgs
}

func doneEvent(orgID string) WireEvent {
	return WireEvent{
		EventID:   id.Generate(),
		EventType: EventTaskStatusChanged,
		OrgID:     orgID,
		Payload:   map[string]any{"old_status": "review", "new_status": "done"},
	}
}

func TestEngineFiresOnceUnderCooldown(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	f.seedRule(t, store.CreateRuleParams{
		Name:         "done-watcher",
		TriggerEvent: EventTaskStatusChanged,
		Conditions:   cond("new_status", "eq", "done"),
		ActionConfig: map[string]any{"suggestion_type": "task_reassign"},
	})

	f.engine.HandleEvent(ctx, doneEvent(f.orgID))
	f.engine.HandleEvent(ctx, doneEvent(f.orgID))

	sgs := f.pendingSuggestions(t)
	require.Len(t, sgs, 1, "second event inside the cooldown must not fire")
}

func TestEngineDedupesRedeliveredEvent(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	rule := f.seedRule(t, store.CreateRuleParams{
		Name:         "done-watcher",
		TriggerEvent: EventTaskStatusChanged,
		Conditions:   cond("new_status", "eq", "done"),
	})

	ev := doneEvent(f.orgID)
	f.engine.HandleEvent(ctx, ev)
	require.Len(t, f.pendingSuggestions(t), 1)

	// Rewind the cooldown stamp to model a second instance that read the
	// rule before the first one committed, then got the same delivery.
	require.NoError(t, f.st.UpdateRuleLastFired(ctx, rule.ID, time.Now().Add(-2*time.Hour)))
	f.engine.HandleEvent(ctx, ev)

	sgs := f.pendingSuggestions(t)
	require.Len(t, sgs, 1, "redelivery of the same event must not duplicate the suggestion")

	// A genuinely new event still fires.
	f.engine.HandleEvent(ctx, doneEvent(f.orgID))
	require.Len(t, f.pendingSuggestions(t), 2)
}

func TestEngineConditionsGate(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	f.seedRule(t, store.CreateRuleParams{
		Name:         "done-watcher",
		TriggerEvent: EventTaskStatusChanged,
		Conditions:   cond("new_status", "eq", "done"),
	})

	ev := doneEvent(f.orgID)
	ev.Payload["new_status"] = "review"
	f.engine.HandleEvent(ctx, ev)

	assert.Empty(t, f.pendingSuggestions(t))
}

func TestEngineSuggestionAssemblyDefaults(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	rule := f.seedRule(t, store.CreateRuleParams{
		Name:         "done-watcher",
		TriggerEvent: EventTaskStatusChanged,
		Conditions:   cond("new_status", "eq", "done"),
	})

	ev := doneEvent(f.orgID)
	before := time.Now().UTC()
	f.engine.HandleEvent(ctx, ev)

	sgs := f.pendingSuggestions(t)
	require.Len(t, sgs, 1)
	sg := sgs[0]

	assert.Equal(t, "[done-watcher] triggered by task.status_changed", sg.Title)
	assert.Equal(t, store.ActionCreateSuggestion, sg.SuggestionType)
	assert.Equal(t, "medium", sg.Priority)
	assert.Equal(t, 0.7, sg.Confidence)
	assert.Equal(t, rule.ID, sg.RuleID)
	assert.Equal(t, ev.EventID, sg.SourceEventID)
	assert.Equal(t, rule.ID, sg.Payload["rule_id"])
	assert.Equal(t, "done", sg.Payload["event_payload"].(map[string]any)["new_status"])

	wantExpiry := before.Add(DefaultSuggestionTTL)
	assert.WithinDuration(t, wantExpiry, sg.ExpiresAt, time.Minute)

	// The fire also stamps the rule's cooldown clock.
	updated, err := f.st.GetRuleByID(ctx, rule.ID)
	require.NoError(t, err)
	require.NotNil(t, updated.LastFiredAt)
}

func TestEngineActionConfigOverrides(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	f.seedRule(t, store.CreateRuleParams{
		Name:         "wip-watch",
		TriggerEvent: EventTaskStatusChanged,
		Conditions:   cond("new_status", "eq", "done"),
		ActionConfig: map[string]any{
			"suggestion_type": "workload_rebalance",
			"title":           "WIP limit exceeded",
			"description":     "Too much in flight.",
			"priority":        "high",
			"confidence":      0.93,
		},
	})

	f.engine.HandleEvent(ctx, doneEvent(f.orgID))

	sgs := f.pendingSuggestions(t)
	require.Len(t, sgs, 1)
	assert.Equal(t, "WIP limit exceeded", sgs[0].Title)
	assert.Equal(t, "Too much in flight.", sgs[0].Description)
	assert.Equal(t, "workload_rebalance", sgs[0].SuggestionType)
	assert.Equal(t, "high", sgs[0].Priority)
	assert.Equal(t, 0.93, sgs[0].Confidence)
}

func TestEngineNotifiesWatchers(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	f.seedRule(t, store.CreateRuleParams{
		Name:         "done-watcher",
		TriggerEvent: EventTaskStatusChanged,
		Conditions:   cond("new_status", "eq", "done"),
	})

	w := f.hub.Watch(f.orgID)
	defer f.hub.Unwatch(f.orgID, w)

	f.engine.HandleEvent(ctx, doneEvent(f.orgID))

	select {
	case sg := <-w.C():
		assert.Equal(t, store.SuggestionPending, sg.Status)
		assert.NotEmpty(t, sg.ID)
	default:
		require.Fail(t, "watcher should have been notified synchronously")
	}
}

func TestEngineIgnoresDisabledRules(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	rule := f.seedRule(t, store.CreateRuleParams{
		Name:         "done-watcher",
		TriggerEvent: EventTaskStatusChanged,
		Conditions:   cond("new_status", "eq", "done"),
	})
	require.NoError(t, f.st.SetRuleEnabled(ctx, rule.ID, false))

	f.engine.HandleEvent(ctx, doneEvent(f.orgID))

	assert.Empty(t, f.pendingSuggestions(t))
}

func TestEngineRunConsumesBusEvents(t *testing.T) {
	f := newEngineFixture(t)

	f.seedRule(t, store.CreateRuleParams{
		Name:         "done-watcher",
		TriggerEvent: EventTaskStatusChanged,
		Conditions:   cond("new_status", "eq", "done"),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		f.engine.Run(ctx)
		close(done)
	}()

	// Give the pattern subscription a moment to come up, then publish
	// through the real publisher path.
	pub := NewPublisher(f.st, f.bus)
	require.Eventually(t, func() bool {
		_, err := pub.Publish(context.Background(), Event{
			Type:    EventTaskStatusChanged,
			OrgID:   f.orgID,
			Payload: map[string]any{"new_status": "done"},
		})
		if err != nil {
			return false
		}
		return len(f.pendingSuggestions(t)) > 0
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop on cancel")
	}
}

func TestSeedBuiltinRulesIdempotent(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	created, err := SeedBuiltinRules(ctx, f.st, f.orgID)
	require.NoError(t, err)
	assert.Equal(t, len(builtinRules), created)

	// Re-seeding installs nothing new.
	created, err = SeedBuiltinRules(ctx, f.st, f.orgID)
	require.NoError(t, err)
	assert.Zero(t, created)

	names, err := f.st.ListBuiltinRuleNames(ctx, f.orgID)
	require.NoError(t, err)
	assert.Len(t, names, len(builtinRules))

	// The WIP rule listens on status changes with the exact guard the
	// board handler emits.
	rule, err := f.st.GetRuleByName(ctx, store.GetRuleByNameParams{OrgID: f.orgID, Name: "WIP Limit Warning"})
	require.NoError(t, err)
	assert.Equal(t, EventTaskStatusChanged, rule.TriggerEvent)
	assert.True(t, rule.IsBuiltin)
	assert.True(t, rule.Enabled)
	assert.Equal(t, int64(3600), rule.CooldownSeconds)
}
