// Package relay implements the gateway side of the core relay: HTTP
// registration against the gateway registry and a persistent WebSocket
// connection that carries chat traffic and liveness heartbeats.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"

	"github.com/abhi1693/openclaw-agency/internal/core/id"
	"github.com/abhi1693/openclaw-agency/internal/core/protocol"
)

// ErrAuthRejected is returned by Connect when the core refuses the
// relay token. Reconnecting will not help; the gateway must
// re-register.
var ErrAuthRejected = errors.New("relay token rejected by core")

// ChatSend is an inbound chat message routed to this gateway.
type ChatSend struct {
	ID         string
	SessionKey string
	AgentID    string
	UserID     string
	Content    string
}

// Responder produces the agent's reply to an inbound chat message.
// It runs on its own goroutine per message; the returned string is
// sent back as a chat_reply on the same session.
type Responder func(ctx context.Context, msg ChatSend) (string, error)

// Client maintains the relay WebSocket to the core. One Client maps to
// one registered gateway.
type Client struct {
	wsURL      string
	relayToken string
	respond    Responder

	// OnAuthRejected is called when the core rejects the relay token
	// during the handshake. The runner clears saved state and stops.
	OnAuthRejected func()

	mu       sync.Mutex
	ws       *websocket.Conn
	stopOnce sync.Once

	newID func() string
}

// NewClient builds a relay client. If respond is nil the client
// acknowledges chat messages with a canned reply, which keeps a
// gateway useful before any agent runtime is wired in.
func NewClient(wsURL, relayToken string, respond Responder) *Client {
	if respond == nil {
		respond = defaultResponder
	}
	return &Client{
		wsURL:      wsURL,
		relayToken: relayToken,
		respond:    respond,
		newID:      id.Generate,
	}
}

func defaultResponder(_ context.Context, msg ChatSend) (string, error) {
	return "Message received: " + msg.Content, nil
}

const handshakeTimeout = 10 * time.Second

// Connect dials the relay endpoint, performs the auth handshake, and
// then serves the read loop until the connection drops or ctx is
// cancelled. Returns ErrAuthRejected if the core refuses the token.
func (c *Client) Connect(ctx context.Context) error {
	wsURL, err := normalizeWSURL(c.wsURL)
	if err != nil {
		return err
	}

	dialCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	ws, _, err := websocket.Dial(dialCtx, wsURL, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}
	ws.SetReadLimit(1 << 20)

	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.ws = nil
		c.mu.Unlock()
		_ = ws.CloseNow()
	}()

	heartbeatInterval, err := c.handshake(ctx, ws)
	if err != nil {
		return err
	}

	slog.Info("connected to core relay", "url", wsURL, "heartbeat_interval", heartbeatInterval)

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go c.heartbeatLoop(hbCtx, heartbeatInterval)

	// Main receive loop.
	for {
		_, raw, err := ws.Read(ctx)
		if err != nil {
			return fmt.Errorf("receive: %w", err)
		}
		c.handleMessage(ctx, raw)
	}
}

// handshake sends the auth frame and waits for auth_ok, returning the
// heartbeat interval the core wants. auth_error maps to
// ErrAuthRejected.
func (c *Client) handshake(ctx context.Context, ws *websocket.Conn) (time.Duration, error) {
	hsCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	auth := &protocol.Message{
		Type:    protocol.TypeAuth,
		Payload: map[string]any{"relay_token": c.relayToken},
	}
	raw, err := protocol.Encode(auth)
	if err != nil {
		return 0, err
	}
	if err := ws.Write(hsCtx, websocket.MessageText, raw); err != nil {
		return 0, fmt.Errorf("send auth: %w", err)
	}

	_, reply, err := ws.Read(hsCtx)
	if err != nil {
		return 0, fmt.Errorf("read handshake reply: %w", err)
	}
	msg, err := protocol.Decode(reply)
	if err != nil {
		return 0, fmt.Errorf("decode handshake reply: %w", err)
	}
	switch msg.Type {
	case protocol.TypeAuthOK:
		interval := 30 * time.Second
		if cfg, ok := msg.Payload["config"].(map[string]any); ok {
			if secs, ok := cfg["heartbeat_interval_seconds"].(float64); ok && secs > 0 {
				interval = time.Duration(secs) * time.Second
			}
		}
		return interval, nil
	case protocol.TypeAuthError:
		reason, _ := msg.Payload["reason"].(string)
		slog.Warn("relay handshake rejected", "reason", reason)
		return 0, ErrAuthRejected
	default:
		return 0, fmt.Errorf("unexpected handshake reply type %q", msg.Type)
	}
}

func (c *Client) handleMessage(ctx context.Context, raw []byte) {
	msg, err := protocol.Decode(raw)
	if err != nil {
		slog.Warn("relay: undecodable frame dropped", "error", err)
		return
	}

	switch msg.Type {
	case protocol.TypeChatSend:
		go c.handleChatSend(ctx, msg)

	case protocol.TypeHeartbeatAck, protocol.TypeSystem:
		// Nothing to do.

	case protocol.TypeError:
		reason, _ := msg.Payload["reason"].(string)
		slog.Warn("relay: error frame from core", "reason", reason)

	default:
		slog.Warn("relay: unhandled message", "type", msg.Type, "id", msg.ID)
	}
}

func (c *Client) handleChatSend(ctx context.Context, msg *protocol.Message) {
	cs := ChatSend{ID: msg.ID}
	cs.SessionKey, _ = msg.Payload["session_key"].(string)
	cs.AgentID, _ = msg.Payload["agent_id"].(string)
	cs.UserID, _ = msg.Payload["h5_user_id"].(string)
	cs.Content, _ = msg.Payload["content"].(string)
	if cs.SessionKey == "" {
		slog.Warn("relay: chat.send without session_key dropped", "id", msg.ID)
		return
	}

	reply, err := c.respond(ctx, cs)
	if err != nil {
		slog.Error("responder failed", "session_key", cs.SessionKey, "error", err)
		reply = "The agent could not process this message."
	}

	// The reply carries the inbound message id so the core can correlate
	// it with the originating chat.send.
	out := &protocol.Message{
		Type: protocol.TypeChatReply,
		ID:   msg.ID,
		Payload: map[string]any{
			"session_key": cs.SessionKey,
			"content":     reply,
		},
	}
	if err := c.Send(ctx, out); err != nil {
		slog.Warn("relay: chat_reply send failed", "session_key", cs.SessionKey, "error", err)
	}
}

// Send writes one frame to the core. The mutex serializes concurrent
// writers; the websocket itself does not allow interleaved writes.
func (c *Client) Send(ctx context.Context, msg *protocol.Message) error {
	raw, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil {
		return errors.New("not connected")
	}
	return c.ws.Write(ctx, websocket.MessageText, raw)
}

func (c *Client) heartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hb := &protocol.Message{Type: protocol.TypeHeartbeat, ID: c.newID()}
			if err := c.Send(ctx, hb); err != nil {
				slog.Warn("relay heartbeat send failed", "error", err)
				return
			}
		}
	}
}

// connectFn is the connection establisher. Injected in tests.
type connectFn func(ctx context.Context) error

// Run keeps the relay connection alive with exponential backoff.
// Starts at 1s, doubles up to 60s, resets after a connection that
// lasted longer than resetThreshold. Returns when ctx is cancelled or
// the core rejects the relay token.
func (c *Client) Run(ctx context.Context) {
	c.run(ctx, c.Connect, newDefaultBackoff(), resetThreshold)
}

func (c *Client) run(ctx context.Context, connect connectFn, bo backoff.BackOff, threshold time.Duration) {
	for {
		start := time.Now()
		err := connect(ctx)
		if ctx.Err() != nil {
			return
		}

		// A rejected token means this gateway's registration is gone.
		// Don't retry; the runner re-registers from scratch.
		if errors.Is(err, ErrAuthRejected) {
			slog.Warn("relay token rejected, gateway may be deregistered")
			c.stopOnce.Do(func() {
				if c.OnAuthRejected != nil {
					c.OnAuthRejected()
				}
			})
			return
		}

		if time.Since(start) >= threshold {
			bo.Reset()
		}

		interval := bo.NextBackOff()
		slog.Warn("disconnected from core relay, reconnecting...", "error", err, "backoff", interval)
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// normalizeWSURL accepts http(s) or ws(s) URLs and returns a ws(s)
// URL suitable for dialing.
func normalizeWSURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse relay url: %w", err)
	}
	switch {
	case u.Scheme == "http":
		u.Scheme = "ws"
	case u.Scheme == "https":
		u.Scheme = "wss"
	case strings.HasPrefix(u.Scheme, "ws"):
	default:
		return "", fmt.Errorf("unsupported relay url scheme %q", u.Scheme)
	}
	return u.String(), nil
}
