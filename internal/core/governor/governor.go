// Package governor implements the auto-idle heartbeat control loop.
//
// When a board goes quiet the governor walks each of its agents down a
// backoff ladder of heartbeat intervals, eventually switching non-lead
// agents off entirely. Chat activity (or assigned work, depending on
// the board's trigger) resets an agent to the active interval. Lead
// agents never go off; their interval is capped instead. The loop runs
// on every core instance, with a cluster-wide advisory lock ensuring
// only one instance executes a given tick.
package governor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"reflect"
	"time"

	"github.com/abhi1693/openclaw-agency/internal/core/bus"
	"github.com/abhi1693/openclaw-agency/internal/core/gatewayapi"
	"github.com/abhi1693/openclaw-agency/internal/core/store"
	"github.com/abhi1693/openclaw-agency/internal/core/validate"
	"github.com/abhi1693/openclaw-agency/internal/metrics"
)

// lockKey is the cluster-wide advisory lock for governor ticks. The
// numeric suffix is kept stable across versions so old and new
// instances exclude each other during rolling deploys.
const lockKey = "lock:governor:424242:1701"

// activeWindow is how recently a board must have seen chat for its
// agents to count as chat-active.
const activeWindow = 60 * time.Minute

// defaultPolicy applies to agents without a board to draw policy from.
var defaultPolicy = policy{
	activeEvery: "5m",
	ladder:      []string{"10m", "30m", "1h", "3h", "6h"},
	leadCap:     "1h",
	trigger:     store.TriggerChatOrWork,
}

// policy is the per-board governor configuration in ladder form.
type policy struct {
	activeEvery string
	ladder      []string
	leadCap     string
	trigger     string
}

func boardPolicy(b store.Board) policy {
	p := policy{
		activeEvery: RenderSecs(b.RunIntervalSecs),
		ladder:      b.Ladder,
		leadCap:     b.LeadCapEvery,
		trigger:     b.ActivityTrigger,
	}
	if len(p.ladder) == 0 {
		p.ladder = defaultPolicy.ladder
	}
	if p.leadCap == "" {
		p.leadCap = defaultPolicy.leadCap
	}
	if p.trigger == "" {
		p.trigger = defaultPolicy.trigger
	}
	return p
}

// desired is the computed heartbeat target for one agent. When off is
// set, every is empty and the heartbeat is removed from the gateway.
type desired struct {
	every string
	step  int64
	off   bool
}

// computeDesired advances one agent along the backoff ladder.
//
// Step semantics: 0 is active, 1..len(ladder) indexes the ladder, and
// len(ladder)+1 means off for non-leads. Leads saturate at the last
// rung with their interval clamped to the board's lead cap.
func computeDesired(isLead, active bool, step int64, p policy) desired {
	if active {
		return desired{every: p.activeEvery, step: 0, off: false}
	}

	next := step + 1
	if next < 1 {
		next = 1
	}
	n := int64(len(p.ladder))

	if isLead {
		every := p.leadCap
		if next <= n {
			every = clampEvery(p.ladder[next-1], p.leadCap)
		}
		return desired{every: every, step: min(next, n), off: false}
	}

	if next <= n {
		return desired{every: p.ladder[next-1], step: next, off: false}
	}
	return desired{step: n + 1, off: true}
}

// mergeHeartbeat builds the stored heartbeat config for an agent that
// stays on. The governor owns "every"; target and includeReasoning are
// filled in when absent, and every other operator-set key is kept.
func mergeHeartbeat(current map[string]any, every string) map[string]any {
	merged := map[string]any{
		"every":            every,
		"target":           "last",
		"includeReasoning": false,
	}
	for k, v := range current {
		if k != "every" {
			merged[k] = v
		}
	}
	return merged
}

func currentEvery(hb map[string]any) string {
	s, _ := hb["every"].(string)
	return s
}

// Governor periodically reconciles agent heartbeats against board
// activity and pushes resulting changes to gateways.
type Governor struct {
	db       *sql.DB
	st       *store.Store
	b        *bus.Bus
	gateways *gatewayapi.Client
	interval time.Duration
}

func New(sqlDB *sql.DB, b *bus.Bus, gateways *gatewayapi.Client, interval time.Duration) *Governor {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Governor{
		db:       sqlDB,
		st:       store.New(sqlDB),
		b:        b,
		gateways: gateways,
		interval: interval,
	}
}

// Run executes ticks until the context is cancelled.
func (g *Governor) Run(ctx context.Context) {
	slog.Info("governor started", "interval", g.interval)
	t := time.NewTicker(g.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			g.Tick(ctx)
		}
	}
}

// Tick runs one governor pass under the cluster lock. Exported so
// tests and schedulers can drive passes directly.
func (g *Governor) Tick(ctx context.Context) {
	lock := g.b.NewAdvisoryLock(lockKey, g.interval)
	ok, err := lock.TryLock(ctx)
	if err != nil {
		metrics.GovernorRunsTotal.WithLabelValues("error").Inc()
		slog.Error("governor lock failed", "error", err)
		return
	}
	if !ok {
		metrics.GovernorRunsTotal.WithLabelValues("skipped").Inc()
		slog.Debug("governor tick skipped, lock held elsewhere")
		return
	}
	defer func() {
		if err := lock.Unlock(context.WithoutCancel(ctx)); err != nil {
			slog.Warn("governor unlock failed", "error", err)
		}
	}()

	if err := g.tick(ctx); err != nil {
		metrics.GovernorRunsTotal.WithLabelValues("error").Inc()
		slog.Error("governor tick failed", "error", err)
		return
	}
	metrics.GovernorRunsTotal.WithLabelValues("ok").Inc()
}

// tick snapshots activity signals, computes the desired heartbeat per
// governed agent, persists changed rows in one commit, then dispatches
// batched patches gateway by gateway. It may observe stale data; the
// next tick converges.
func (g *Governor) tick(ctx context.Context) error {
	now := time.Now()

	agents, err := g.st.ListGovernedAgents(ctx)
	if err != nil {
		return fmt.Errorf("list governed agents: %w", err)
	}
	if len(agents) == 0 {
		return nil
	}

	chatByBoard, err := g.st.LatestChatByBoard(ctx)
	if err != nil {
		return fmt.Errorf("latest chat by board: %w", err)
	}
	workingIDs, err := g.st.ListAgentIDsWithWork(ctx)
	if err != nil {
		return fmt.Errorf("list agents with work: %w", err)
	}
	hasWork := make(map[string]bool, len(workingIDs))
	for _, aid := range workingIDs {
		hasWork[aid] = true
	}

	boards, err := g.st.ListGovernedBoards(ctx)
	if err != nil {
		return fmt.Errorf("list governed boards: %w", err)
	}
	boardByID := make(map[string]store.Board, len(boards))
	for _, b := range boards {
		boardByID[b.ID] = b
	}

	gatewayCache := make(map[string]*store.Gateway)
	patches := make(map[string][]gatewayapi.HeartbeatEntry)
	var updates []store.UpdateAgentGovernorStateParams

	for _, agent := range agents {
		gw := g.gatewayFor(ctx, gatewayCache, agent.GatewayID)
		if gw == nil || gw.URL == "" || gw.WorkspaceRoot == "" {
			continue
		}

		// Agents on boards with the governor disabled are left alone.
		pol := defaultPolicy
		if agent.BoardID != "" {
			board, ok := boardByID[agent.BoardID]
			if !ok {
				continue
			}
			pol = boardPolicy(board)
		}

		chatActive := false
		if agent.BoardID != "" {
			if last, ok := chatByBoard[agent.BoardID]; ok {
				chatActive = now.Sub(last) <= activeWindow
			}
		}
		active := chatActive
		if pol.trigger != store.TriggerChatOnly && hasWork[agent.ID] {
			active = true
		}

		des := computeDesired(agent.IsLead, active, agent.GovernorStep, pol)
		offFlip := des.off != agent.GovernorOff
		stepChanged := des.step != agent.GovernorStep

		var hb map[string]any
		if !des.off {
			hb = mergeHeartbeat(agent.HeartbeatConfig, des.every)
		}

		// Patch only on a change: the on/off flag flips, or the agent
		// is on and its interval moved. Repeating identical patches
		// every tick would hammer idle gateways for nothing.
		if offFlip || (!des.off && currentEvery(agent.HeartbeatConfig) != des.every) {
			patches[agent.GatewayID] = append(patches[agent.GatewayID], gatewayapi.HeartbeatEntry{
				ID:        agent.ID,
				Name:      agent.Name,
				Workspace: path.Join(gw.WorkspaceRoot, validate.Slugify(agent.Name)),
				Heartbeat: hb,
			})
		}

		// The stored config keeps its last value while the agent is
		// off so the next wake starts from something sensible.
		storedHB := agent.HeartbeatConfig
		if !des.off {
			storedHB = hb
		}
		configChanged := !des.off && !reflect.DeepEqual(agent.HeartbeatConfig, hb)

		if offFlip || stepChanged || configChanged {
			upd := store.UpdateAgentGovernorStateParams{
				ID:              agent.ID,
				GovernorStep:    des.step,
				GovernorOff:     des.off,
				HeartbeatConfig: storedHB,
			}
			// Stamp activity only on the transition into active.
			if active && (offFlip || stepChanged) {
				upd.LastActiveAt = &now
			}
			updates = append(updates, upd)
		}
	}

	if len(updates) > 0 {
		err := store.Transact(ctx, g.db, func(st *store.Store) error {
			for _, upd := range updates {
				if err := st.UpdateAgentGovernorState(ctx, upd); err != nil {
					return fmt.Errorf("update agent %s: %w", upd.ID, err)
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("persist governor state: %w", err)
		}
	}

	// Dispatch after commit. Patching is idempotent on the gateway, so
	// failures are logged rather than retried within the tick.
	for gatewayID, entries := range patches {
		gw := gatewayCache[gatewayID]
		if err := g.gateways.PatchHeartbeats(ctx, gw.URL, gw.RelayTokenHash, entries); err != nil {
			slog.Warn("gateway heartbeat patch failed",
				"gateway_id", gatewayID, "agents", len(entries), "error", err)
			continue
		}
		metrics.GovernorPatchesTotal.Add(float64(len(entries)))
	}

	slog.Info("governor tick complete",
		"agents", len(agents), "changed", len(updates), "gateways_patched", len(patches))
	return nil
}

func (g *Governor) gatewayFor(ctx context.Context, cache map[string]*store.Gateway, id string) *store.Gateway {
	if gw, ok := cache[id]; ok {
		return gw
	}
	gw, err := g.st.GetGatewayByID(ctx, id)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			slog.Warn("governor gateway lookup failed", "gateway_id", id, "error", err)
		}
		cache[id] = nil
		return nil
	}
	cache[id] = &gw
	return &gw
}
