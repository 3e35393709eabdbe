package patchsrv

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tokenHash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func patchRequest(t *testing.T, srv *httptest.Server, bearer, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPatch, srv.URL+"/v1/agents/heartbeats", strings.NewReader(body))
	require.NoError(t, err)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func TestPatchHeartbeats(t *testing.T) {
	s := New("relay-token-1")
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	body := `{"agents":[
		{"id":"A1","name":"planner","workspace":"/srv/w","heartbeat":{"interval_minutes":30}},
		{"id":"A2","name":"reviewer","workspace":"/srv/w","heartbeat":null}
	]}`
	resp := patchRequest(t, srv, tokenHash("relay-token-1"), body)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	applied := s.Applied()
	require.Len(t, applied, 2)
	assert.Equal(t, "planner", applied["A1"].Name)
	assert.NotNil(t, applied["A1"].Heartbeat)
	assert.Nil(t, applied["A2"].Heartbeat)
}

func TestPatchHeartbeats_Idempotent(t *testing.T) {
	s := New("relay-token-1")
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	body := `{"agents":[{"id":"A1","name":"planner","workspace":"/srv/w","heartbeat":{"interval_minutes":30}}]}`
	for range 2 {
		resp := patchRequest(t, srv, tokenHash("relay-token-1"), body)
		_ = resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	assert.Len(t, s.Applied(), 1)
}

func TestPatchHeartbeats_RejectsBadBearer(t *testing.T) {
	s := New("relay-token-1")
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	cases := map[string]string{
		"wrong hash": tokenHash("some-other-token"),
		"raw token":  "relay-token-1",
		"missing":    "",
	}
	for name, bearer := range cases {
		t.Run(name, func(t *testing.T) {
			resp := patchRequest(t, srv, bearer, `{"agents":[]}`)
			_ = resp.Body.Close()
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		})
	}
	assert.Empty(t, s.Applied())
}

func TestPatchHeartbeats_BadBody(t *testing.T) {
	s := New("relay-token-1")
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp := patchRequest(t, srv, tokenHash("relay-token-1"), `{"agents":`)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
