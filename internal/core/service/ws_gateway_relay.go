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
	"github.com/abhi1693/openclaw-agency/internal/core/bus"
	"github.com/abhi1693/openclaw-agency/internal/core/protocol"
	"github.com/abhi1693/openclaw-agency/internal/core/relaypool"
	"github.com/abhi1693/openclaw-agency/internal/core/router"
	"github.com/abhi1693/openclaw-agency/internal/core/store"
	"github.com/abhi1693/openclaw-agency/internal/metrics"
)

// WSGatewayRelay returns the handler for /ws/gateway/{gateway_id}/relay.
//
// Protocol:
//  1. Gateway sends {type: auth, payload: {relay_token: <opaque>}}.
//  2. Server replies auth_ok with its heartbeat config, or auth_error
//     and closes with 4001. Unknown gateway and bad token read the
//     same from outside.
//  3. Gateway sends chat_reply frames for its agents and heartbeats.
func WSGatewayRelay(st *store.Store, gateways *relaypool.Pool, rt *router.Router, b *bus.Bus, heartbeatInterval time.Duration, shutdownCh <-chan struct{}) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rejectDuringShutdown(w, shutdownCh) {
			return
		}
		gatewayID := r.PathValue("gateway_id")

		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			slog.Debug("ws/gateway: accept failed", "error", err)
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
		token := protocol.GatewayToken(authMsg)
		if token == "" {
			closeUnauthorized(ctx, ws, "missing relay_token")
			return
		}

		gw, err := st.GetGatewayByID(ctx, gatewayID)
		if errors.Is(err, sql.ErrNoRows) {
			closeUnauthorized(ctx, ws, "invalid credentials")
			return
		}
		if err != nil {
			slog.Error("ws/gateway: lookup failed", "gateway_id", gatewayID, "error", err)
			_ = ws.Close(websocket.StatusInternalError, "internal error")
			return
		}
		if auth.HashToken(token) != gw.RelayTokenHash {
			closeUnauthorized(ctx, ws, "invalid credentials")
			return
		}

		if err := st.MarkGatewayOnline(ctx, store.MarkGatewayOnlineParams{
			ID:             gw.ID,
			ConnectionInfo: gw.ConnectionInfo,
		}); err != nil {
			slog.Error("ws/gateway: mark online failed", "gateway_id", gw.ID, "error", err)
			_ = ws.Close(websocket.StatusInternalError, "internal error")
			return
		}

		conn := relaypool.NewConn(ws)
		if err := conn.Send(ctx, protocol.AuthOK(map[string]any{
			"gateway_id": gw.ID,
			"config": map[string]any{
				"heartbeat_interval_seconds": int64(heartbeatInterval.Seconds()),
			},
		})); err != nil {
			return
		}
		gateways.Register(gw.ID, conn)
		defer func() {
			// The replaced socket of a reconnect loses the Unregister
			// race and must not flip the new connection offline.
			if gateways.Unregister(gw.ID, conn) {
				markGatewayOffline(context.WithoutCancel(ctx), st, gw.ID)
			}
		}()

		sub := b.Subscribe(ctx, bus.GatewayRoute(gw.ID))
		defer func() { _ = sub.Close() }()
		go forwardRoute(ctx, sub, conn, "gateway")

		slog.Info("gateway connected", "gateway_id", gw.ID, "name", gw.Name)
		gatewayReadLoop(ctx, ws, conn, rt, gw.OrgID, gw.ID)
		slog.Info("gateway disconnected", "gateway_id", gw.ID)
	})
}

func gatewayReadLoop(ctx context.Context, ws *websocket.Conn, conn *relaypool.Conn, rt *router.Router, orgID, gatewayID string) {
	for {
		_, raw, err := ws.Read(ctx)
		if err != nil {
			return
		}
		metrics.WSMessagesTotal.WithLabelValues("gateway", "in").Inc()

		msg, err := protocol.Decode(raw)
		if err != nil {
			_ = conn.Send(ctx, protocol.ErrorMsg("invalid JSON"))
			continue
		}

		switch msg.Type {
		case protocol.TypeHeartbeat:
			// Liveness bookkeeping belongs to the HTTP heartbeat; the
			// socket ping is purely keep-alive.
			_ = conn.Send(ctx, protocol.HeartbeatAck(msg.ID))

		case protocol.TypeChatReply, "chat.reply":
			sessionKey, _ := msg.Payload["session_key"].(string)
			content, _ := msg.Payload["content"].(string)
			if sessionKey == "" || content == "" {
				// Trusted peer; a malformed frame is a gateway bug, not
				// something to bounce back over the wire.
				slog.Debug("ws/gateway: malformed chat_reply dropped", "gateway_id", gatewayID)
				continue
			}
			// Only the nested extra object reaches the user; stray
			// top-level keys never leak into the chat frame.
			extra, _ := msg.Payload["extra"].(map[string]any)
			err := rt.AgentToUser(ctx, orgID, sessionKey, content, extra, msg.ID)
			if errors.Is(err, router.ErrUnknownSession) {
				slog.Warn("ws/gateway: reply for unknown session dropped", "gateway_id", gatewayID, "session_key", sessionKey)
			} else if err != nil {
				slog.Warn("ws/gateway: reply route failed", "gateway_id", gatewayID, "session_key", sessionKey, "error", err)
			}

		default:
			slog.Debug("ws/gateway: ignoring message", "type", msg.Type, "gateway_id", gatewayID)
		}
	}
}

// markGatewayOffline flips the row offline unless a re-registration or
// explicit heartbeat already moved it off online.
func markGatewayOffline(ctx context.Context, st *store.Store, gatewayID string) {
	gw, err := st.GetGatewayByID(ctx, gatewayID)
	if err != nil {
		slog.Warn("ws/gateway: offline lookup failed", "gateway_id", gatewayID, "error", err)
		return
	}
	if gw.Status != store.GatewayOnline {
		return
	}
	if err := st.UpdateGatewayStatus(ctx, gatewayID, store.GatewayOffline); err != nil {
		slog.Warn("ws/gateway: offline update failed", "gateway_id", gatewayID, "error", err)
	}
}
