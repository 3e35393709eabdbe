package relay

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abhi1693/openclaw-agency/internal/core/protocol"
)

// relayTestServer accepts one WS connection, validates the auth frame
// against wantToken, and then hands the socket to serve.
func relayTestServer(t *testing.T, wantToken string, serve func(ctx context.Context, ws *websocket.Conn)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		require.NoError(t, err)
		ctx := r.Context()

		_, raw, err := ws.Read(ctx)
		require.NoError(t, err)
		msg, err := protocol.Decode(raw)
		require.NoError(t, err)
		require.Equal(t, protocol.TypeAuth, msg.Type)

		if protocol.GatewayToken(msg) != wantToken {
			reply, _ := protocol.Encode(protocol.AuthError("invalid relay token"))
			_ = ws.Write(ctx, websocket.MessageText, reply)
			_ = ws.Close(protocol.CloseUnauthorized, "invalid relay token")
			return
		}
		reply, _ := protocol.Encode(protocol.AuthOK(map[string]any{
			"gateway_id": "G1",
			"config": map[string]any{
				"heartbeat_interval_seconds": float64(1),
			},
		}))
		require.NoError(t, ws.Write(ctx, websocket.MessageText, reply))
		serve(ctx, ws)
	}))
}

func TestConnect_RepliesToChatSend(t *testing.T) {
	gotReply := make(chan *protocol.Message, 1)

	srv := relayTestServer(t, "rt-1", func(ctx context.Context, ws *websocket.Conn) {
		send := &protocol.Message{
			Type: protocol.TypeChatSend,
			ID:   "m1",
			Payload: map[string]any{
				"session_key": "h5:U1:A1",
				"agent_id":    "A1",
				"h5_user_id":  "U1",
				"content":     "hello there",
				"role":        "user",
			},
		}
		raw, _ := protocol.Encode(send)
		require.NoError(t, ws.Write(ctx, websocket.MessageText, raw))

		for {
			_, in, err := ws.Read(ctx)
			if err != nil {
				return
			}
			msg, err := protocol.Decode(in)
			require.NoError(t, err)
			if msg.Type == protocol.TypeChatReply {
				gotReply <- msg
				return
			}
		}
	})
	defer srv.Close()

	c := NewClient(srv.URL, "rt-1", func(_ context.Context, msg ChatSend) (string, error) {
		return "echo: " + msg.Content, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() { _ = c.Connect(ctx) }()

	select {
	case reply := <-gotReply:
		assert.Equal(t, "h5:U1:A1", reply.Payload["session_key"])
		assert.Equal(t, "echo: hello there", reply.Payload["content"])
		assert.Equal(t, "m1", reply.ID, "reply echoes the inbound message id")
	case <-ctx.Done():
		t.Fatal("timed out waiting for chat_reply")
	}
}

func TestConnect_SendsHeartbeats(t *testing.T) {
	gotHeartbeat := make(chan struct{}, 1)

	srv := relayTestServer(t, "rt-1", func(ctx context.Context, ws *websocket.Conn) {
		for {
			_, in, err := ws.Read(ctx)
			if err != nil {
				return
			}
			msg, err := protocol.Decode(in)
			require.NoError(t, err)
			if msg.Type == protocol.TypeHeartbeat {
				ack, _ := protocol.Encode(protocol.HeartbeatAck(msg.ID))
				_ = ws.Write(ctx, websocket.MessageText, ack)
				select {
				case gotHeartbeat <- struct{}{}:
				default:
				}
			}
		}
	})
	defer srv.Close()

	c := NewClient(srv.URL, "rt-1", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() { _ = c.Connect(ctx) }()

	select {
	case <-gotHeartbeat:
	case <-ctx.Done():
		t.Fatal("timed out waiting for heartbeat")
	}
}

func TestConnect_AuthRejected(t *testing.T) {
	srv := relayTestServer(t, "rt-1", func(context.Context, *websocket.Conn) {})
	defer srv.Close()

	c := NewClient(srv.URL, "wrong-token", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := c.Connect(ctx)
	assert.ErrorIs(t, err, ErrAuthRejected)
}

func TestRun_ReconnectsOnFailure(t *testing.T) {
	var attempts atomic.Int32
	targetAttempts := int32(4)

	c := NewClient("ws://unused", "rt-1", nil)
	ctx, cancel := context.WithCancel(context.Background())

	mockConnect := func(context.Context) error {
		n := attempts.Add(1)
		if n >= targetAttempts {
			cancel()
		}
		return fmt.Errorf("connection lost")
	}

	c.run(ctx, mockConnect, newFastBackoff(), 5*time.Millisecond)

	assert.GreaterOrEqual(t, attempts.Load(), targetAttempts, "connect call count")
}

func TestRun_StopsOnAuthRejection(t *testing.T) {
	var attempts atomic.Int32
	rejected := make(chan struct{})

	c := NewClient("ws://unused", "rt-1", nil)
	c.OnAuthRejected = func() { close(rejected) }

	mockConnect := func(context.Context) error {
		attempts.Add(1)
		return fmt.Errorf("handshake: %w", ErrAuthRejected)
	}

	c.run(context.Background(), mockConnect, newFastBackoff(), 5*time.Millisecond)

	assert.Equal(t, int32(1), attempts.Load(), "rejected auth must not retry")
	select {
	case <-rejected:
	default:
		t.Fatal("OnAuthRejected was not called")
	}
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	var attempts atomic.Int32

	c := NewClient("ws://unused", "rt-1", nil)
	ctx, cancel := context.WithCancel(context.Background())

	mockConnect := func(context.Context) error {
		attempts.Add(1)
		return fmt.Errorf("connection lost")
	}

	go func() {
		time.Sleep(15 * time.Millisecond)
		cancel()
	}()

	c.run(ctx, mockConnect, newFastBackoff(), 5*time.Millisecond)

	assert.GreaterOrEqual(t, attempts.Load(), int32(1), "expected at least 1 attempt")
}

func TestNormalizeWSURL(t *testing.T) {
	cases := map[string]string{
		"http://core:8780/ws/gateway/G1/relay":  "ws://core:8780/ws/gateway/G1/relay",
		"https://core.example/ws/gateway/G1":    "wss://core.example/ws/gateway/G1",
		"ws://core:8780/ws/gateway/G1/relay":    "ws://core:8780/ws/gateway/G1/relay",
		"wss://core.example/ws/gateway/G1":      "wss://core.example/ws/gateway/G1",
	}
	for in, want := range cases {
		got, err := normalizeWSURL(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}

	_, err := normalizeWSURL("ftp://core/relay")
	assert.Error(t, err)
}
