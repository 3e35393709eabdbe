package service

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/abhi1693/openclaw-agency/internal/core/auth"
	"github.com/abhi1693/openclaw-agency/internal/core/boardsync"
	"github.com/abhi1693/openclaw-agency/internal/core/bus"
	"github.com/abhi1693/openclaw-agency/internal/core/id"
	"github.com/abhi1693/openclaw-agency/internal/core/proactivity"
	"github.com/abhi1693/openclaw-agency/internal/core/protocol"
	"github.com/abhi1693/openclaw-agency/internal/core/relaypool"
	"github.com/abhi1693/openclaw-agency/internal/core/store"
	"github.com/abhi1693/openclaw-agency/internal/metrics"
	"github.com/abhi1693/openclaw-agency/internal/util/sanitize"
)

const maxTaskTitleLen = 200

// WSBoardSync returns the handler for /ws/board/{board_id}/sync.
//
// Operators authenticate with ?token=<session token>. After auth the
// client receives one board.state snapshot, then every frame published
// on the board's sync channel. Inbound task.move and task.create
// mutate the board and re-broadcast; each runs in its own goroutine so
// a slow write never stalls the read loop.
func WSBoardSync(st *store.Store, b *bus.Bus, bc *boardsync.Broadcaster, events *proactivity.Publisher, shutdownCh <-chan struct{}) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rejectDuringShutdown(w, shutdownCh) {
			return
		}
		boardID := r.PathValue("board_id")

		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			slog.Debug("ws/board: accept failed", "error", err)
			return
		}
		defer func() { _ = ws.CloseNow() }()

		ctx := r.Context()
		token := r.URL.Query().Get("token")
		if token == "" {
			closeUnauthorized(ctx, ws, "missing token")
			return
		}
		op, err := auth.ValidateToken(ctx, st, token)
		if err != nil {
			closeUnauthorized(ctx, ws, "invalid or expired token")
			return
		}

		board, err := st.GetBoardByID(ctx, boardID)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && board.OrgID != op.OrgID) {
			closeBoardNotFound(ctx, ws)
			return
		}
		if err != nil {
			slog.Error("ws/board: lookup failed", "board_id", boardID, "error", err)
			_ = ws.Close(websocket.StatusInternalError, "internal error")
			return
		}

		conn := relaypool.NewConn(ws)
		snapshot, err := bc.Snapshot(ctx, board.ID)
		if err != nil {
			slog.Error("ws/board: snapshot failed", "board_id", board.ID, "error", err)
			_ = ws.Close(websocket.StatusInternalError, "internal error")
			return
		}
		if err := conn.Send(ctx, snapshot); err != nil {
			return
		}

		metrics.WSConnectionsActive.WithLabelValues("board").Inc()
		defer metrics.WSConnectionsActive.WithLabelValues("board").Dec()

		sub := b.Subscribe(ctx, bus.BoardSync(board.ID))
		defer func() { _ = sub.Close() }()
		go forwardRoute(ctx, sub, conn, "board")

		slog.Info("board sync connected", "board_id", board.ID, "operator", op.Username)
		boardReadLoop(ctx, ws, conn, st, bc, events, board, op)
		slog.Info("board sync disconnected", "board_id", board.ID, "operator", op.Username)
	})
}

func boardReadLoop(ctx context.Context, ws *websocket.Conn, conn *relaypool.Conn, st *store.Store, bc *boardsync.Broadcaster, events *proactivity.Publisher, board store.Board, op *auth.OperatorInfo) {
	for {
		_, raw, err := ws.Read(ctx)
		if err != nil {
			return
		}
		metrics.WSMessagesTotal.WithLabelValues("board", "in").Inc()

		msg, err := protocol.Decode(raw)
		if err != nil {
			_ = conn.Send(ctx, protocol.ErrorMsg("invalid JSON"))
			continue
		}

		switch msg.Type {
		case protocol.TypeHeartbeat:
			_ = conn.Send(ctx, protocol.HeartbeatAck(msg.ID))

		case protocol.TypeTaskMove:
			// Mutations outlive the socket: a disconnect mid-write must
			// not half-apply a move.
			go applyTaskMove(context.WithoutCancel(ctx), conn, st, bc, events, board, op, msg.Payload)

		case protocol.TypeTaskCreate:
			go applyTaskCreate(context.WithoutCancel(ctx), conn, st, bc, events, board, op, msg.Payload)

		default:
			slog.Debug("ws/board: ignoring message", "type", msg.Type, "board_id", board.ID)
		}
	}
}

func applyTaskMove(ctx context.Context, conn *relaypool.Conn, st *store.Store, bc *boardsync.Broadcaster, events *proactivity.Publisher, board store.Board, op *auth.OperatorInfo, payload map[string]any) {
	taskID, _ := payload["task_id"].(string)
	newStatus, _ := payload["status"].(string)
	if taskID == "" || newStatus == "" {
		_ = conn.Send(ctx, protocol.ErrorMsg("missing task_id or status"))
		return
	}
	if !store.ValidTaskStatus(newStatus) {
		_ = conn.Send(ctx, protocol.ErrorMsg("invalid status"))
		return
	}

	task, err := st.GetTaskByID(ctx, taskID)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && task.BoardID != board.ID) {
		_ = conn.Send(ctx, protocol.ErrorMsg("task not found"))
		return
	}
	if err != nil {
		slog.Error("ws/board: task lookup failed", "task_id", taskID, "error", err)
		_ = conn.Send(ctx, protocol.ErrorMsg("task move failed"))
		return
	}
	if task.Status == newStatus {
		return
	}

	update := store.UpdateTaskStatusParams{ID: task.ID, Status: newStatus}
	if newStatus == store.TaskInProgress && task.InProgressAt == nil {
		now := time.Now().UTC()
		update.InProgressAt = &now
	}
	if err := st.UpdateTaskStatus(ctx, update); err != nil {
		slog.Error("ws/board: task move failed", "task_id", task.ID, "error", err)
		_ = conn.Send(ctx, protocol.ErrorMsg("task move failed"))
		return
	}

	bc.TaskUpdated(ctx, board.ID, task.ID, map[string]any{"status": newStatus}, op.Username)

	// Only a move into in_progress can push the board over its limit.
	wipExceeded := false
	if newStatus == store.TaskInProgress && board.WIPLimit > 0 {
		if n, err := st.CountActiveTasks(ctx, board.ID); err == nil {
			wipExceeded = n > board.WIPLimit
		}
	}
	if _, err := events.Publish(ctx, proactivity.Event{
		Type:    proactivity.EventTaskStatusChanged,
		OrgID:   board.OrgID,
		BoardID: board.ID,
		AgentID: task.AssignedAgentID,
		TaskID:  task.ID,
		Source:  "board_sync",
		Payload: map[string]any{
			"task_id":      task.ID,
			"old_status":   task.Status,
			"new_status":   newStatus,
			"wip_exceeded": wipExceeded,
		},
	}); err != nil {
		slog.Warn("ws/board: status event failed", "task_id", task.ID, "error", err)
	}
}

func applyTaskCreate(ctx context.Context, conn *relaypool.Conn, st *store.Store, bc *boardsync.Broadcaster, events *proactivity.Publisher, board store.Board, op *auth.OperatorInfo, payload map[string]any) {
	rawTitle, _ := payload["title"].(string)
	title := sanitize.Title(rawTitle, maxTaskTitleLen)
	if title == "" {
		_ = conn.Send(ctx, protocol.ErrorMsg("missing title"))
		return
	}
	description, _ := payload["description"].(string)
	priority, _ := payload["priority"].(string)
	assignedAgentID, _ := payload["assigned_agent_id"].(string)

	var dueAt *time.Time
	if s, _ := payload["due_at"].(string); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			_ = conn.Send(ctx, protocol.ErrorMsg("invalid due_at"))
			return
		}
		dueAt = &t
	}

	taskID := id.Generate()
	if err := st.CreateTask(ctx, store.CreateTaskParams{
		ID:              taskID,
		BoardID:         board.ID,
		OrgID:           board.OrgID,
		Title:           title,
		Description:     description,
		Priority:        priority,
		DueAt:           dueAt,
		AssignedAgentID: assignedAgentID,
		CreatedBy:       op.ID,
	}); err != nil {
		slog.Error("ws/board: task create failed", "board_id", board.ID, "error", err)
		_ = conn.Send(ctx, protocol.ErrorMsg("task create failed"))
		return
	}

	task, err := st.GetTaskByID(ctx, taskID)
	if err != nil {
		slog.Error("ws/board: task reload failed", "task_id", taskID, "error", err)
		return
	}
	if _, err := events.Publish(ctx, proactivity.Event{
		Type:    proactivity.EventTaskCreated,
		OrgID:   board.OrgID,
		BoardID: board.ID,
		TaskID:  taskID,
		Source:  "board_sync",
		Payload: map[string]any{"task_id": taskID, "title": title, "priority": task.Priority},
	}); err != nil {
		slog.Warn("ws/board: task.created event failed", "task_id", taskID, "error", err)
	}
	bc.TaskCreated(ctx, board.ID, task)
	slog.Info("task created via board sync", "task_id", taskID, "board_id", board.ID, "operator", op.Username)
}

func closeBoardNotFound(ctx context.Context, ws *websocket.Conn) {
	frame := &protocol.Message{
		Type:    protocol.TypeError,
		Payload: map[string]any{"reason": "board not found", "code": protocol.CloseNotFound},
	}
	if raw, err := protocol.Encode(frame); err == nil {
		_ = ws.Write(ctx, websocket.MessageText, raw)
	}
	_ = ws.Close(protocol.CloseNotFound, "board not found")
}
