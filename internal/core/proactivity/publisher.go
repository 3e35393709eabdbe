package proactivity

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/abhi1693/openclaw-agency/internal/core/bus"
	"github.com/abhi1693/openclaw-agency/internal/core/id"
	"github.com/abhi1693/openclaw-agency/internal/core/store"
	"github.com/abhi1693/openclaw-agency/internal/metrics"
	"github.com/abhi1693/openclaw-agency/internal/util/timefmt"
)

// Event types emitted across the platform. Rules trigger on these.
const (
	EventTaskStatusChanged  = "task.status_changed"
	EventTaskCreated        = "task.created"
	EventAgentHeartbeat     = "agent.heartbeat"
	EventChatSessionStarted = "chat.session_started"
	EventGatewayRegistered  = "gateway.registered"
	EventGatewayOffline     = "gateway.offline"
	EventCronDaily          = "cron.daily"
	EventCronHourly         = "cron.hourly"
)

// Event is a system event before it is appended to the log. BoardID,
// AgentID and TaskID are optional scope fields.
type Event struct {
	Type    string
	OrgID   string
	BoardID string
	AgentID string
	TaskID  string
	Source  string
	Payload map[string]any
}

// Publisher appends events to the durable log and fans them out on the
// org and board pub/sub channels.
type Publisher struct {
	st *store.Store
	b  *bus.Bus
}

func NewPublisher(st *store.Store, b *bus.Bus) *Publisher {
	return &Publisher{st: st, b: b}
}

// Publish inserts the event row, then broadcasts it. The insert is the
// source of truth: a fan-out failure is logged and swallowed, so a
// Redis hiccup never loses the durable record or fails the caller.
// Returns the assigned event id.
func (p *Publisher) Publish(ctx context.Context, ev Event) (string, error) {
	if ev.Type == "" || ev.OrgID == "" {
		return "", fmt.Errorf("event requires type and organization")
	}
	if ev.Source == "" {
		ev.Source = "system"
	}
	if ev.Payload == nil {
		ev.Payload = map[string]any{}
	}

	eventID := id.Generate()
	now := time.Now().UTC()
	if err := p.st.CreateSystemEvent(ctx, store.CreateSystemEventParams{
		ID:        eventID,
		OrgID:     ev.OrgID,
		BoardID:   ev.BoardID,
		AgentID:   ev.AgentID,
		TaskID:    ev.TaskID,
		EventType: ev.Type,
		Source:    ev.Source,
		Payload:   ev.Payload,
		CreatedAt: now,
	}); err != nil {
		return "", fmt.Errorf("append event %s: %w", ev.Type, err)
	}
	metrics.EventsPublishedTotal.WithLabelValues(ev.Type).Inc()

	wire := map[string]any{
		"event_id":        eventID,
		"event_type":      ev.Type,
		"organization_id": ev.OrgID,
		"payload":         ev.Payload,
		"timestamp":       timefmt.Format(now),
	}
	if ev.BoardID != "" {
		wire["board_id"] = ev.BoardID
	}
	if ev.AgentID != "" {
		wire["agent_id"] = ev.AgentID
	}
	if ev.TaskID != "" {
		wire["task_id"] = ev.TaskID
	}

	if _, err := p.b.Publish(ctx, bus.OrgEvents(ev.OrgID), wire); err != nil {
		slog.Warn("event fan-out failed", "channel", bus.OrgEvents(ev.OrgID), "error", err)
	}
	if ev.BoardID != "" {
		if _, err := p.b.Publish(ctx, bus.BoardEvents(ev.OrgID, ev.BoardID), wire); err != nil {
			slog.Warn("event fan-out failed", "channel", bus.BoardEvents(ev.OrgID, ev.BoardID), "error", err)
		}
	}
	return eventID, nil
}
