// Package boardsync fans board mutations out to every operator client
// subscribed to a board's sync channel, regardless of which core
// instance holds their connection.
package boardsync

import (
	"context"
	"log/slog"
	"time"

	"github.com/abhi1693/openclaw-agency/internal/core/bus"
	"github.com/abhi1693/openclaw-agency/internal/core/protocol"
	"github.com/abhi1693/openclaw-agency/internal/core/store"
	"github.com/abhi1693/openclaw-agency/internal/util/timefmt"
)

// Broadcaster publishes board sync frames. Publishing is best-effort:
// the DB already holds the mutation, so a failed fan-out only costs
// clients a live update they can recover via the board.state snapshot.
type Broadcaster struct {
	st *store.Store
	b  *bus.Bus
}

func NewBroadcaster(st *store.Store, b *bus.Bus) *Broadcaster {
	return &Broadcaster{st: st, b: b}
}

// TaskUpdated announces a field-level change to a task.
func (bc *Broadcaster) TaskUpdated(ctx context.Context, boardID, taskID string, changes map[string]any, actor string) {
	bc.publish(ctx, boardID, map[string]any{
		"type":       protocol.TypeTaskUpdated,
		"task_id":    taskID,
		"changes":    changes,
		"updated_by": actor,
		"timestamp":  timefmt.Format(time.Now().UTC()),
	})
}

// TaskCreated announces a new task with its full wire rendering.
func (bc *Broadcaster) TaskCreated(ctx context.Context, boardID string, t store.Task) {
	bc.publish(ctx, boardID, map[string]any{
		"type":      protocol.TypeTaskCreated,
		"task":      TaskWire(t),
		"timestamp": timefmt.Format(time.Now().UTC()),
	})
}

// TaskDeleted announces a task removal.
func (bc *Broadcaster) TaskDeleted(ctx context.Context, boardID, taskID string) {
	bc.publish(ctx, boardID, map[string]any{
		"type":      protocol.TypeTaskDeleted,
		"task_id":   taskID,
		"timestamp": timefmt.Format(time.Now().UTC()),
	})
}

// Suggestion announces a new proactive suggestion to the board.
func (bc *Broadcaster) Suggestion(ctx context.Context, boardID string, sg store.Suggestion) {
	bc.publish(ctx, boardID, map[string]any{
		"type":       protocol.TypeSuggestionNew,
		"suggestion": SuggestionWire(sg),
	})
}

// Snapshot builds the board.state frame sent to every client right
// after handshake: the full task list, newest first.
func (bc *Broadcaster) Snapshot(ctx context.Context, boardID string) (map[string]any, error) {
	tasks, err := bc.st.ListTasksByBoardID(ctx, boardID)
	if err != nil {
		return nil, err
	}
	wire := make([]map[string]any, 0, len(tasks))
	for _, t := range tasks {
		wire = append(wire, TaskWire(t))
	}
	return map[string]any{
		"type":      protocol.TypeBoardState,
		"tasks":     wire,
		"timestamp": timefmt.Format(time.Now().UTC()),
	}, nil
}

func (bc *Broadcaster) publish(ctx context.Context, boardID string, frame map[string]any) {
	if _, err := bc.b.Publish(ctx, bus.BoardSync(boardID), frame); err != nil {
		slog.Warn("board sync publish failed", "board_id", boardID, "type", frame["type"], "error", err)
	}
}
