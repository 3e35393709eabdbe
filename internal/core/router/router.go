// Package router moves chat traffic between end-user and gateway
// WebSocket connections. Delivery tries the local pool first and falls
// back to the per-connection pub/sub route channel, so a message
// reaches its target no matter which core instance holds the socket.
package router

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/abhi1693/openclaw-agency/internal/core/bus"
	"github.com/abhi1693/openclaw-agency/internal/core/id"
	"github.com/abhi1693/openclaw-agency/internal/core/proactivity"
	"github.com/abhi1693/openclaw-agency/internal/core/protocol"
	"github.com/abhi1693/openclaw-agency/internal/core/relaypool"
	"github.com/abhi1693/openclaw-agency/internal/core/store"
	"github.com/abhi1693/openclaw-agency/internal/metrics"
)

var (
	// ErrUnknownAgent means the agent does not exist in the caller's
	// organization.
	ErrUnknownAgent = errors.New("unknown agent")

	// ErrNotAuthorized means no grant binds the user to the agent.
	ErrNotAuthorized = errors.New("user not authorized for agent")

	// ErrUnknownSession means no active chat session matches the key.
	ErrUnknownSession = errors.New("unknown chat session")

	// ErrNoRoute means no delivery path accepted the message: the
	// target connection is neither local nor held by any other
	// instance subscribed to its route channel.
	ErrNoRoute = errors.New("no route to connection")
)

// SessionKey derives the chat session key for a (user, agent) pair.
func SessionKey(userID, agentID string) string {
	return "h5:" + userID + ":" + agentID
}

// Router resolves chat sessions and forwards frames in both directions.
type Router struct {
	st       *store.Store
	b        *bus.Bus
	users    *relaypool.Pool
	gateways *relaypool.Pool
	events   *proactivity.Publisher
}

func New(st *store.Store, b *bus.Bus, users, gateways *relaypool.Pool, events *proactivity.Publisher) *Router {
	return &Router{st: st, b: b, users: users, gateways: gateways, events: events}
}

// UserToAgent forwards one user chat message to the agent's gateway.
// The session is materialized on first contact; after that its stored
// gateway_id makes routing a single lookup.
func (r *Router) UserToAgent(ctx context.Context, orgID, userID, agentID, content, msgID string) error {
	sess, err := r.resolveSession(ctx, orgID, userID, agentID)
	if err != nil {
		metrics.RelayRoutedTotal.WithLabelValues("user_to_agent", "error").Inc()
		return err
	}

	if err := r.st.TouchChatSession(ctx, sess.ID); err != nil {
		slog.Warn("chat session touch failed", "session_key", sess.SessionKey, "error", err)
	}

	frame := &protocol.Message{
		Type: protocol.TypeChatSend,
		ID:   msgID,
		Payload: map[string]any{
			"session_key": sess.SessionKey,
			"h5_user_id":  userID,
			"agent_id":    agentID,
			"content":     content,
			"role":        "user",
		},
	}
	return r.deliver(ctx, "user_to_agent", r.gateways, bus.GatewayRoute(sess.GatewayID), sess.GatewayID, frame)
}

// AgentToUser forwards a gateway reply back to the session's user.
// Extra payload fields supplied by the gateway are spread over the
// base payload and may override it.
func (r *Router) AgentToUser(ctx context.Context, orgID, sessionKey, content string, extra map[string]any, msgID string) error {
	sess, err := r.st.GetActiveChatSessionByKey(ctx, store.GetActiveChatSessionParams{
		OrgID:      orgID,
		SessionKey: sessionKey,
	})
	if errors.Is(err, sql.ErrNoRows) {
		metrics.RelayRoutedTotal.WithLabelValues("agent_to_user", "error").Inc()
		return ErrUnknownSession
	}
	if err != nil {
		metrics.RelayRoutedTotal.WithLabelValues("agent_to_user", "error").Inc()
		return fmt.Errorf("load chat session: %w", err)
	}

	if err := r.st.TouchChatSession(ctx, sess.ID); err != nil {
		slog.Warn("chat session touch failed", "session_key", sess.SessionKey, "error", err)
	}

	payload := map[string]any{
		"session_key": sess.SessionKey,
		"agent_id":    sess.AgentID,
		"content":     content,
		"role":        "assistant",
	}
	for k, v := range extra {
		payload[k] = v
	}
	frame := &protocol.Message{
		Type:    protocol.TypeChatReply,
		ID:      msgID,
		Payload: payload,
	}
	return r.deliver(ctx, "agent_to_user", r.users, bus.UserRoute(sess.UserID), sess.UserID, frame)
}

// resolveSession returns the active session for the pair, creating it
// on first contact. Creation checks the user→agent grant and pins the
// agent's gateway onto the session.
func (r *Router) resolveSession(ctx context.Context, orgID, userID, agentID string) (store.ChatSession, error) {
	key := SessionKey(userID, agentID)
	sess, err := r.st.GetActiveChatSessionByKey(ctx, store.GetActiveChatSessionParams{
		OrgID:      orgID,
		SessionKey: key,
	})
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return store.ChatSession{}, fmt.Errorf("load chat session: %w", err)
	}

	agent, err := r.st.GetAgentByID(ctx, agentID)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && agent.OrgID != orgID) {
		return store.ChatSession{}, ErrUnknownAgent
	}
	if err != nil {
		return store.ChatSession{}, fmt.Errorf("load agent: %w", err)
	}

	if _, err := r.st.GetGrant(ctx, store.GetGrantParams{
		OrgID:   orgID,
		UserID:  userID,
		AgentID: agentID,
	}); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ChatSession{}, ErrNotAuthorized
		}
		return store.ChatSession{}, fmt.Errorf("load grant: %w", err)
	}

	created := store.CreateChatSessionParams{
		ID:         id.Generate(),
		OrgID:      orgID,
		UserID:     userID,
		AgentID:    agentID,
		GatewayID:  agent.GatewayID,
		SessionKey: key,
	}
	if err := r.st.CreateChatSession(ctx, created); err != nil {
		// Lost a create race against a concurrent first message; the
		// winner's row is the session.
		sess, err2 := r.st.GetActiveChatSessionByKey(ctx, store.GetActiveChatSessionParams{
			OrgID:      orgID,
			SessionKey: key,
		})
		if err2 != nil {
			return store.ChatSession{}, fmt.Errorf("create chat session: %w", err)
		}
		return sess, nil
	}

	if _, err := r.events.Publish(ctx, proactivity.Event{
		Type:    proactivity.EventChatSessionStarted,
		OrgID:   orgID,
		BoardID: agent.BoardID,
		AgentID: agentID,
		Source:  "relay",
		Payload: map[string]any{
			"session_key": key,
			"user_id":     userID,
			"agent_id":    agentID,
		},
	}); err != nil {
		slog.Warn("session start event failed", "session_key", key, "error", err)
	}

	return store.ChatSession{
		ID:         created.ID,
		OrgID:      orgID,
		UserID:     userID,
		AgentID:    agentID,
		GatewayID:  agent.GatewayID,
		SessionKey: key,
		Status:     store.ChatSessionActive,
	}, nil
}

// deliver tries the local pool, then the route channel. A publish that
// reaches zero subscribers counts as a failure: no instance anywhere
// holds the target connection.
func (r *Router) deliver(ctx context.Context, direction string, pool *relaypool.Pool, channel, connID string, frame *protocol.Message) error {
	if pool.Send(ctx, connID, frame) {
		metrics.RelayRoutedTotal.WithLabelValues(direction, "local").Inc()
		return nil
	}

	n, err := r.b.Publish(ctx, channel, frame)
	if err != nil {
		metrics.RelayRoutedTotal.WithLabelValues(direction, "error").Inc()
		return fmt.Errorf("publish route: %w", err)
	}
	if n == 0 {
		metrics.RelayRoutedTotal.WithLabelValues(direction, "error").Inc()
		return ErrNoRoute
	}
	metrics.RelayRoutedTotal.WithLabelValues(direction, "remote").Inc()
	return nil
}
