package service

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/abhi1693/openclaw-agency/internal/core/auth"
	"github.com/abhi1693/openclaw-agency/internal/core/bus"
	"github.com/abhi1693/openclaw-agency/internal/core/protocol"
	"github.com/abhi1693/openclaw-agency/internal/core/relaypool"
	"github.com/abhi1693/openclaw-agency/internal/core/router"
	"github.com/abhi1693/openclaw-agency/internal/metrics"
)

// wsHandshakeTimeout bounds how long a client may take to send its
// auth message after the upgrade.
const wsHandshakeTimeout = 10 * time.Second

// WSUserChat returns the handler for /ws/user/chat.
//
// Protocol:
//  1. Client sends {type: auth, payload: {token: <JWT>}}.
//  2. Server replies auth_ok or auth_error and closes with 4001.
//  3. Client sends chat messages {agent_id, content}; replies arrive
//     as chat_reply frames. heartbeat is acked with the same id.
func WSUserChat(users *relaypool.Pool, rt *router.Router, b *bus.Bus, jwtSecret string, shutdownCh <-chan struct{}) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rejectDuringShutdown(w, shutdownCh) {
			return
		}
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			slog.Debug("ws/user: accept failed", "error", err)
			return
		}
		defer func() { _ = ws.CloseNow() }()

		ctx := r.Context()
		hsCtx, cancel := context.WithTimeout(ctx, wsHandshakeTimeout)
		authMsg, ok := readAuthMessage(hsCtx, ws)
		cancel()
		if !ok {
			return
		}
		token := protocol.UserToken(authMsg)
		if token == "" {
			closeUnauthorized(ctx, ws, "missing token")
			return
		}
		userID, orgID, err := auth.VerifyUserToken(token, jwtSecret)
		if err != nil {
			slog.Info("ws/user: auth failed", "error", err)
			closeUnauthorized(ctx, ws, "invalid or expired token")
			return
		}

		conn := relaypool.NewConn(ws)
		if err := conn.Send(ctx, protocol.AuthOK(map[string]any{
			"h5_user_id":      userID,
			"organization_id": orgID,
		})); err != nil {
			return
		}
		users.Register(userID, conn)
		defer users.Unregister(userID, conn)

		// Frames routed by other instances arrive on the user's route
		// channel and go out on this socket verbatim.
		sub := b.Subscribe(ctx, bus.UserRoute(userID))
		defer func() { _ = sub.Close() }()
		go forwardRoute(ctx, sub, conn, "user")

		slog.Info("user connected", "user_id", userID, "org_id", orgID)
		userReadLoop(ctx, ws, conn, rt, orgID, userID)
		slog.Info("user disconnected", "user_id", userID)
	})
}

func userReadLoop(ctx context.Context, ws *websocket.Conn, conn *relaypool.Conn, rt *router.Router, orgID, userID string) {
	for {
		_, raw, err := ws.Read(ctx)
		if err != nil {
			return
		}
		metrics.WSMessagesTotal.WithLabelValues("user", "in").Inc()

		msg, err := protocol.Decode(raw)
		if err != nil {
			_ = conn.Send(ctx, protocol.ErrorMsg("invalid JSON"))
			continue
		}

		switch msg.Type {
		case protocol.TypeHeartbeat:
			_ = conn.Send(ctx, protocol.HeartbeatAck(msg.ID))

		case protocol.TypeChat:
			agentID, _ := msg.Payload["agent_id"].(string)
			content, _ := msg.Payload["content"].(string)
			if agentID == "" || content == "" {
				_ = conn.Send(ctx, protocol.ErrorMsg("missing agent_id or content"))
				continue
			}
			err := rt.UserToAgent(ctx, orgID, userID, agentID, content, msg.ID)
			switch {
			case errors.Is(err, router.ErrUnknownAgent):
				_ = conn.Send(ctx, protocol.ErrorMsg("invalid agent_id"))
			case errors.Is(err, router.ErrNotAuthorized):
				// Deliberately indistinct from a routing failure so a
				// probing client cannot map the grant table.
				_ = conn.Send(ctx, protocol.ErrorMsg("failed to route message"))
			case err != nil:
				slog.Warn("ws/user: route failed", "user_id", userID, "agent_id", agentID, "error", err)
				_ = conn.Send(ctx, protocol.ErrorMsg("failed to route message"))
			}

		default:
			slog.Debug("ws/user: ignoring message", "type", msg.Type, "user_id", userID)
		}
	}
}

// rejectDuringShutdown answers 503 once draining has begun so clients
// reconnect against a live instance.
func rejectDuringShutdown(w http.ResponseWriter, shutdownCh <-chan struct{}) bool {
	if shutdownCh == nil {
		return false
	}
	select {
	case <-shutdownCh:
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return true
	default:
		return false
	}
}

// readAuthMessage reads the single handshake frame and enforces that
// it is a well-formed auth message. On failure the socket is closed
// with 4001 and false is returned.
func readAuthMessage(ctx context.Context, ws *websocket.Conn) (*protocol.Message, bool) {
	_, raw, err := ws.Read(ctx)
	if err != nil {
		slog.Debug("ws: handshake read failed", "error", err)
		return nil, false
	}
	msg, err := protocol.Decode(raw)
	if err != nil {
		closeUnauthorized(ctx, ws, "invalid auth message")
		return nil, false
	}
	if msg.Type != protocol.TypeAuth {
		closeUnauthorized(ctx, ws, "expected auth message")
		return nil, false
	}
	return msg, true
}

// closeUnauthorized sends an auth_error frame, then closes with 4001.
// The reason appears in both so clients need not parse close frames.
func closeUnauthorized(ctx context.Context, ws *websocket.Conn, reason string) {
	if raw, err := protocol.Encode(protocol.AuthError(reason)); err == nil {
		_ = ws.Write(ctx, websocket.MessageText, raw)
	}
	_ = ws.Close(protocol.CloseUnauthorized, reason)
}

// forwardRoute copies published route-channel frames onto the socket.
// Ends when the subscription closes; a dead socket evicts itself via
// the pool on the next direct send.
func forwardRoute(ctx context.Context, sub *redis.PubSub, conn *relaypool.Conn, kind string) {
	for msg := range sub.Channel() {
		if err := conn.SendRaw(ctx, []byte(msg.Payload)); err != nil {
			slog.Debug("ws: route forward failed", "channel", msg.Channel, "error", err)
			return
		}
		metrics.WSMessagesTotal.WithLabelValues(kind, "out").Inc()
	}
}
