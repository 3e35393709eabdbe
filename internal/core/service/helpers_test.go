package service_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/coder/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/abhi1693/openclaw-agency/internal/core/auth"
	"github.com/abhi1693/openclaw-agency/internal/core/bus"
	"github.com/abhi1693/openclaw-agency/internal/core/db"
	"github.com/abhi1693/openclaw-agency/internal/core/id"
	"github.com/abhi1693/openclaw-agency/internal/core/protocol"
	"github.com/abhi1693/openclaw-agency/internal/core/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	sqlDB, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.Migrate(sqlDB))
	return store.New(sqlDB)
}

func newTestBus(t *testing.T) *bus.Bus {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return bus.New(rdb)
}

func seedOrg(t *testing.T, st *store.Store, name string) string {
	t.Helper()
	orgID := id.Generate()
	require.NoError(t, st.CreateOrg(context.Background(), store.CreateOrgParams{ID: orgID, Name: name}))
	return orgID
}

// bcrypt.MinCost keeps per-test hashing cheap; production hashes use
// the default cost via bootstrap.
func hashPassword(t *testing.T, password string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	return string(hash)
}

func seedOperator(t *testing.T, st *store.Store, orgID, username, password string) string {
	t.Helper()
	opID := id.Generate()
	require.NoError(t, st.CreateOperator(context.Background(), store.CreateOperatorParams{
		ID:           opID,
		OrgID:        orgID,
		Username:     username,
		PasswordHash: hashPassword(t, password),
		IsAdmin:      true,
	}))
	return opID
}

func seedEndUser(t *testing.T, st *store.Store, orgID, username, password string) string {
	t.Helper()
	userID := id.Generate()
	require.NoError(t, st.CreateEndUser(context.Background(), store.CreateEndUserParams{
		ID:           userID,
		OrgID:        orgID,
		Username:     username,
		DisplayName:  username,
		PasswordHash: hashPassword(t, password),
	}))
	return userID
}

func seedGateway(t *testing.T, st *store.Store, orgID, name, relayToken string) string {
	t.Helper()
	gwID := id.Generate()
	require.NoError(t, st.CreateGateway(context.Background(), store.CreateGatewayParams{
		ID:                    gwID,
		OrgID:                 orgID,
		Name:                  name,
		RelayTokenHash:        auth.HashToken(relayToken),
		RegistrationTokenHash: auth.HashToken("reg-" + name),
	}))
	return gwID
}

func seedBoard(t *testing.T, st *store.Store, orgID string) string {
	t.Helper()
	boardID := id.Generate()
	require.NoError(t, st.CreateBoard(context.Background(), store.CreateBoardParams{
		ID: boardID, OrgID: orgID, Name: "board",
	}))
	return boardID
}

func seedAgent(t *testing.T, st *store.Store, orgID, gatewayID, boardID string) string {
	t.Helper()
	agentID := id.Generate()
	require.NoError(t, st.CreateAgent(context.Background(), store.CreateAgentParams{
		ID: agentID, OrgID: orgID, GatewayID: gatewayID, BoardID: boardID, Name: "agent",
	}))
	return agentID
}

func seedGrant(t *testing.T, st *store.Store, orgID, userID, agentID, boardID string) {
	t.Helper()
	require.NoError(t, st.CreateGrant(context.Background(), store.CreateGrantParams{
		ID: id.Generate(), OrgID: orgID, UserID: userID, AgentID: agentID, BoardID: boardID,
	}))
}

// postJSON posts a JSON body and decodes the JSON response.
func postJSON(t *testing.T, client *http.Client, url string, body map[string]any, headers map[string]string) (int, map[string]any) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func decodeBody(resp *http.Response, v any) error {
	return json.NewDecoder(resp.Body).Decode(v)
}

func jsonBody(t *testing.T, body map[string]any) *bytes.Reader {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	return bytes.NewReader(raw)
}

// wsURL converts an httptest server URL to its ws:// form.
func wsURL(httpURL, path string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + path
}

func dialWS(t *testing.T, ctx context.Context, url string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.CloseNow() })
	return ws
}

func sendFrame(t *testing.T, ctx context.Context, ws *websocket.Conn, msg *protocol.Message) {
	t.Helper()
	raw, err := protocol.Encode(msg)
	require.NoError(t, err)
	require.NoError(t, ws.Write(ctx, websocket.MessageText, raw))
}

func readFrame(t *testing.T, ctx context.Context, ws *websocket.Conn) *protocol.Message {
	t.Helper()
	_, raw, err := ws.Read(ctx)
	require.NoError(t, err)
	msg, err := protocol.Decode(raw)
	require.NoError(t, err)
	return msg
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}
