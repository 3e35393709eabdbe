// Package relaypool tracks the live WebSocket connections of the relay:
// one pool keyed by end-user id, one keyed by gateway id. Both share the
// same mechanics; the kind only feeds logs and metrics.
package relaypool

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/coder/websocket"

	"github.com/abhi1693/openclaw-agency/internal/core/protocol"
	"github.com/abhi1693/openclaw-agency/internal/metrics"
)

// Conn wraps a WebSocket connection with a send mutex. The mutex
// serializes writes so concurrent senders (read-loop replies, router
// deliveries, route-channel forwards) cannot interleave frames.
type Conn struct {
	ws *websocket.Conn
	mu sync.Mutex

	SendFn  func(ctx context.Context, raw []byte) error     // Optional: overrides socket writes for testing.
	CloseFn func(code websocket.StatusCode, reason string) error // Optional: overrides socket close for testing.
}

// NewConn wraps an accepted or dialed socket.
func NewConn(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws}
}

// Send marshals v to JSON and writes it as one text frame.
func (c *Conn) Send(ctx context.Context, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	return c.SendRaw(ctx, raw)
}

// SendRaw writes pre-encoded bytes as one text frame.
func (c *Conn) SendRaw(ctx context.Context, raw []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.SendFn != nil {
		return c.SendFn(ctx, raw)
	}
	if c.ws == nil {
		return fmt.Errorf("connection is nil")
	}
	return c.ws.Write(ctx, websocket.MessageText, raw)
}

// Close closes the underlying socket with the given status.
func (c *Conn) Close(code websocket.StatusCode, reason string) error {
	if c.CloseFn != nil {
		return c.CloseFn(code, reason)
	}
	if c.ws == nil {
		return nil
	}
	return c.ws.Close(code, reason)
}

// Pool tracks connections by id. Thread-safe.
type Pool struct {
	kind  string
	mu    sync.RWMutex
	conns map[string]*Conn
}

// NewUserPool creates the pool for end-user chat connections.
func NewUserPool() *Pool {
	return newPool("user")
}

// NewGatewayPool creates the pool for gateway relay connections.
func NewGatewayPool() *Pool {
	return newPool("gateway")
}

func newPool(kind string) *Pool {
	return &Pool{kind: kind, conns: make(map[string]*Conn)}
}

// Kind reports which pool this is ("user" or "gateway").
func (p *Pool) Kind() string {
	return p.kind
}

// Register adds a connection, replacing any existing one for the same
// id. The old socket is closed with 1012 after the map swap, so its
// deferred cleanup can never tear down the replacement.
func (p *Pool) Register(id string, c *Conn) {
	p.mu.Lock()
	old := p.conns[id]
	p.conns[id] = c
	p.setGauge()
	p.mu.Unlock()

	if old != nil && old != c {
		_ = old.Close(protocol.CloseReplaced, protocol.ReasonReplaced)
	}
}

// Unregister removes the connection only if it is still the registered
// one for that id. Returns true if the connection was actually removed.
func (p *Pool) Unregister(id string, c *Conn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conns[id] == c {
		delete(p.conns, id)
		p.setGauge()
		return true
	}
	return false
}

// Get returns the connection for id.
func (p *Pool) Get(id string) (*Conn, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.conns[id]
	return c, ok
}

// Send delivers v to the connection for id. Returns false when no
// connection exists or the write fails; a failed write evicts and
// closes the broken connection.
func (p *Pool) Send(ctx context.Context, id string, v any) bool {
	c, ok := p.Get(id)
	if !ok {
		return false
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return false
	}
	if err := c.SendRaw(ctx, raw); err != nil {
		if p.Unregister(id, c) {
			_ = c.Close(websocket.StatusInternalError, "send failed")
		}
		return false
	}
	metrics.WSMessagesTotal.WithLabelValues(p.kind, "out").Inc()
	return true
}

// Len returns the number of registered connections.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.conns)
}

// IDs returns the ids of all registered connections.
func (p *Pool) IDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, 0, len(p.conns))
	for id := range p.conns {
		ids = append(ids, id)
	}
	return ids
}

// CloseAll empties the pool and closes every connection with the given
// status. Used on shutdown.
func (p *Pool) CloseAll(code websocket.StatusCode, reason string) {
	p.mu.Lock()
	conns := p.conns
	p.conns = make(map[string]*Conn)
	p.setGauge()
	p.mu.Unlock()

	for _, c := range conns {
		_ = c.Close(code, reason)
	}
}

// setGauge must be called with the mutex held.
func (p *Pool) setGauge() {
	metrics.WSConnectionsActive.WithLabelValues(p.kind).Set(float64(len(p.conns)))
}
