package router_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abhi1693/openclaw-agency/internal/core/bus"
	"github.com/abhi1693/openclaw-agency/internal/core/db"
	"github.com/abhi1693/openclaw-agency/internal/core/id"
	"github.com/abhi1693/openclaw-agency/internal/core/proactivity"
	"github.com/abhi1693/openclaw-agency/internal/core/relaypool"
	"github.com/abhi1693/openclaw-agency/internal/core/router"
	"github.com/abhi1693/openclaw-agency/internal/core/store"
)

type fixture struct {
	st       *store.Store
	bus      *bus.Bus
	users    *relaypool.Pool
	gateways *relaypool.Pool
	router   *router.Router

	orgID     string
	userID    string
	agentID   string
	gatewayID string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	sqlDB, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.Migrate(sqlDB))
	st := store.New(sqlDB)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	b := bus.New(rdb)

	f := &fixture{
		st:       st,
		bus:      b,
		users:    relaypool.NewUserPool(),
		gateways: relaypool.NewGatewayPool(),
	}
	f.router = router.New(st, b, f.users, f.gateways, proactivity.NewPublisher(st, b))

	ctx := context.Background()
	f.orgID = id.Generate()
	require.NoError(t, st.CreateOrg(ctx, store.CreateOrgParams{ID: f.orgID, Name: "org-" + f.orgID[:8]}))

	f.gatewayID = id.Generate()
	require.NoError(t, st.CreateGateway(ctx, store.CreateGatewayParams{
		ID:                    f.gatewayID,
		OrgID:                 f.orgID,
		Name:                  "gw",
		RelayTokenHash:        id.Generate(),
		RegistrationTokenHash: id.Generate(),
	}))

	boardID := id.Generate()
	require.NoError(t, st.CreateBoard(ctx, store.CreateBoardParams{ID: boardID, OrgID: f.orgID, Name: "board"}))

	f.agentID = id.Generate()
	require.NoError(t, st.CreateAgent(ctx, store.CreateAgentParams{
		ID: f.agentID, OrgID: f.orgID, GatewayID: f.gatewayID, BoardID: boardID, Name: "agent",
	}))

	f.userID = id.Generate()
	require.NoError(t, st.CreateEndUser(ctx, store.CreateEndUserParams{
		ID: f.userID, OrgID: f.orgID, Username: "u1", PasswordHash: "x",
	}))
	require.NoError(t, st.CreateGrant(ctx, store.CreateGrantParams{
		ID: id.Generate(), OrgID: f.orgID, UserID: f.userID, AgentID: f.agentID, BoardID: boardID,
	}))

	return f
}

func decodeFrame(t *testing.T, raw []byte) map[string]any {
	t.Helper()
	var frame map[string]any
	require.NoError(t, json.Unmarshal(raw, &frame))
	return frame
}

func TestUserToAgentLocalDelivery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sent := captureGateway(f)

	err := f.router.UserToAgent(ctx, f.orgID, f.userID, f.agentID, "Hi", "m1")
	require.NoError(t, err)
	require.Len(t, *sent, 1)

	frame := decodeFrame(t, (*sent)[0])
	assert.Equal(t, "chat.send", frame["type"])
	assert.Equal(t, "m1", frame["id"])

	payload := frame["payload"].(map[string]any)
	wantKey := router.SessionKey(f.userID, f.agentID)
	assert.Equal(t, wantKey, payload["session_key"])
	assert.Equal(t, f.userID, payload["h5_user_id"])
	assert.Equal(t, f.agentID, payload["agent_id"])
	assert.Equal(t, "Hi", payload["content"])
	assert.Equal(t, "user", payload["role"])

	sess, err := f.st.GetActiveChatSessionByKey(ctx, store.GetActiveChatSessionParams{
		OrgID: f.orgID, SessionKey: wantKey,
	})
	require.NoError(t, err)
	assert.Equal(t, f.gatewayID, sess.GatewayID)
}

func TestUserToAgentEmitsSessionStartedOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	captureGateway(f)

	require.NoError(t, f.router.UserToAgent(ctx, f.orgID, f.userID, f.agentID, "one", "m1"))
	require.NoError(t, f.router.UserToAgent(ctx, f.orgID, f.userID, f.agentID, "two", "m2"))

	events, err := f.st.ListEventsBefore(ctx, time.Now().Add(time.Hour), 100)
	require.NoError(t, err)
	var started int
	for _, ev := range events {
		if ev.EventType == proactivity.EventChatSessionStarted {
			started++
		}
	}
	assert.Equal(t, 1, started, "session start event should fire only on first contact")
}

func TestUserToAgentRemoteDelivery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// No local gateway connection; another instance is subscribed to
	// the gateway's route channel.
	sub := f.bus.Subscribe(ctx, bus.GatewayRoute(f.gatewayID))
	t.Cleanup(func() { _ = sub.Close() })
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, f.router.UserToAgent(ctx, f.orgID, f.userID, f.agentID, "Hi", "m1"))

	select {
	case msg := <-sub.Channel():
		frame := decodeFrame(t, []byte(msg.Payload))
		assert.Equal(t, "chat.send", frame["type"])
	case <-time.After(5 * time.Second):
		t.Fatal("route channel message not received")
	}
}

func TestUserToAgentNoRoute(t *testing.T) {
	f := newFixture(t)

	err := f.router.UserToAgent(context.Background(), f.orgID, f.userID, f.agentID, "Hi", "m1")
	assert.ErrorIs(t, err, router.ErrNoRoute)
}

func TestUserToAgentUnknownAgent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.router.UserToAgent(ctx, f.orgID, f.userID, "no-such-agent", "Hi", "m1")
	assert.ErrorIs(t, err, router.ErrUnknownAgent)

	// An agent in another org is just as unknown.
	otherOrg := id.Generate()
	require.NoError(t, f.st.CreateOrg(ctx, store.CreateOrgParams{ID: otherOrg, Name: "other"}))
	err = f.router.UserToAgent(ctx, otherOrg, f.userID, f.agentID, "Hi", "m1")
	assert.ErrorIs(t, err, router.ErrUnknownAgent)
}

func TestUserToAgentWithoutGrant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	stranger := id.Generate()
	require.NoError(t, f.st.CreateEndUser(ctx, store.CreateEndUserParams{
		ID: stranger, OrgID: f.orgID, Username: "stranger", PasswordHash: "x",
	}))

	err := f.router.UserToAgent(ctx, f.orgID, stranger, f.agentID, "Hi", "m1")
	assert.ErrorIs(t, err, router.ErrNotAuthorized)
}

func TestAgentToUserDelivery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	captureGateway(f)
	require.NoError(t, f.router.UserToAgent(ctx, f.orgID, f.userID, f.agentID, "Hi", "m1"))

	sent := captureUser(f)
	key := router.SessionKey(f.userID, f.agentID)
	err := f.router.AgentToUser(ctx, f.orgID, key, "Hello!", nil, "m2")
	require.NoError(t, err)
	require.Len(t, *sent, 1)

	frame := decodeFrame(t, (*sent)[0])
	assert.Equal(t, "chat_reply", frame["type"])
	assert.Equal(t, "m2", frame["id"])

	payload := frame["payload"].(map[string]any)
	assert.Equal(t, key, payload["session_key"])
	assert.Equal(t, f.agentID, payload["agent_id"])
	assert.Equal(t, "Hello!", payload["content"])
	assert.Equal(t, "assistant", payload["role"])
}

func TestAgentToUserExtraOverrides(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	captureGateway(f)
	require.NoError(t, f.router.UserToAgent(ctx, f.orgID, f.userID, f.agentID, "Hi", "m1"))

	sent := captureUser(f)
	key := router.SessionKey(f.userID, f.agentID)
	extra := map[string]any{"role": "system", "turn_done": true}
	require.NoError(t, f.router.AgentToUser(ctx, f.orgID, key, "Hello!", extra, "m2"))

	payload := decodeFrame(t, (*sent)[0])["payload"].(map[string]any)
	assert.Equal(t, "system", payload["role"], "extra fields win over the base payload")
	assert.Equal(t, true, payload["turn_done"])
}

func TestAgentToUserUnknownSession(t *testing.T) {
	f := newFixture(t)

	err := f.router.AgentToUser(context.Background(), f.orgID, "h5:nobody:nothing", "Hello!", nil, "m2")
	assert.ErrorIs(t, err, router.ErrUnknownSession)
}

func captureGateway(f *fixture) *[][]byte {
	var sent [][]byte
	c := &relaypool.Conn{}
	c.SendFn = func(_ context.Context, raw []byte) error {
		sent = append(sent, raw)
		return nil
	}
	f.gateways.Register(f.gatewayID, c)
	return &sent
}

func captureUser(f *fixture) *[][]byte {
	var sent [][]byte
	c := &relaypool.Conn{}
	c.SendFn = func(_ context.Context, raw []byte) error {
		sent = append(sent, raw)
		return nil
	}
	f.users.Register(f.userID, c)
	return &sent
}
