package auth_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/abhi1693/openclaw-agency/internal/core/auth"
	"github.com/abhi1693/openclaw-agency/internal/core/db"
	"github.com/abhi1693/openclaw-agency/internal/core/id"
	"github.com/abhi1693/openclaw-agency/internal/core/store"
)

func setupStore(t *testing.T) *store.Store {
	t.Helper()
	sqlDB, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.Migrate(sqlDB); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}

	return store.New(sqlDB)
}

func createTestOperator(t *testing.T, st *store.Store) (orgID, operatorID string) {
	t.Helper()
	ctx := context.Background()

	orgID = id.Generate()
	if err := st.CreateOrg(ctx, store.CreateOrgParams{ID: orgID, Name: "test-org"}); err != nil {
		t.Fatalf("CreateOrg: %v", err)
	}

	hash, _ := bcrypt.GenerateFromPassword([]byte("password123"), bcrypt.MinCost)
	operatorID = id.Generate()
	if err := st.CreateOperator(ctx, store.CreateOperatorParams{
		ID:           operatorID,
		OrgID:        orgID,
		Username:     "testop",
		PasswordHash: string(hash),
		IsAdmin:      true,
	}); err != nil {
		t.Fatalf("CreateOperator: %v", err)
	}

	return orgID, operatorID
}

func createTestEndUser(t *testing.T, st *store.Store, orgID string) string {
	t.Helper()
	hash, _ := bcrypt.GenerateFromPassword([]byte("userpass"), bcrypt.MinCost)
	userID := id.Generate()
	if err := st.CreateEndUser(context.Background(), store.CreateEndUserParams{
		ID:           userID,
		OrgID:        orgID,
		Username:     "visitor",
		PasswordHash: string(hash),
		DisplayName:  "Visitor",
	}); err != nil {
		t.Fatalf("CreateEndUser: %v", err)
	}
	return userID
}

func TestLogin_Success(t *testing.T) {
	st := setupStore(t)
	orgID, operatorID := createTestOperator(t, st)
	ctx := context.Background()

	token, op, err := auth.Login(ctx, st, "test-org", "testop", "password123", 24*time.Hour)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	if op.ID != operatorID {
		t.Errorf("op.ID = %q, want %q", op.ID, operatorID)
	}
	if op.OrgID != orgID {
		t.Errorf("op.OrgID = %q, want %q", op.OrgID, orgID)
	}
}

func TestLogin_InvalidPassword(t *testing.T) {
	st := setupStore(t)
	createTestOperator(t, st)

	_, _, err := auth.Login(context.Background(), st, "test-org", "testop", "wrong", 24*time.Hour)
	if err != auth.ErrInvalidCredentials {
		t.Errorf("err = %v, want ErrInvalidCredentials", err)
	}
}

func TestLogin_UnknownOrgAndUser(t *testing.T) {
	st := setupStore(t)
	createTestOperator(t, st)
	ctx := context.Background()

	_, _, err := auth.Login(ctx, st, "no-such-org", "testop", "password123", 24*time.Hour)
	if err != auth.ErrInvalidCredentials {
		t.Errorf("unknown org: err = %v, want ErrInvalidCredentials", err)
	}

	_, _, err = auth.Login(ctx, st, "test-org", "nobody", "password123", 24*time.Hour)
	if err != auth.ErrInvalidCredentials {
		t.Errorf("unknown user: err = %v, want ErrInvalidCredentials", err)
	}
}

func TestValidateToken_Success(t *testing.T) {
	st := setupStore(t)
	createTestOperator(t, st)
	ctx := context.Background()

	token, _, err := auth.Login(ctx, st, "test-org", "testop", "password123", 24*time.Hour)
	require.NoError(t, err)

	info, err := auth.ValidateToken(ctx, st, token)
	require.NoError(t, err)
	if info.Username != "testop" {
		t.Errorf("Username = %q, want %q", info.Username, "testop")
	}
	if !info.IsAdmin {
		t.Error("expected IsAdmin=true")
	}
}

func TestValidateToken_Invalid(t *testing.T) {
	st := setupStore(t)

	_, err := auth.ValidateToken(context.Background(), st, "invalid-token")
	if err != auth.ErrInvalidToken {
		t.Errorf("err = %v, want ErrInvalidToken", err)
	}
	_, err = auth.ValidateToken(context.Background(), st, "")
	if err != auth.ErrInvalidToken {
		t.Errorf("empty token: err = %v, want ErrInvalidToken", err)
	}
}

func TestLogout(t *testing.T) {
	st := setupStore(t)
	createTestOperator(t, st)
	ctx := context.Background()

	token, _, err := auth.Login(ctx, st, "test-org", "testop", "password123", 24*time.Hour)
	require.NoError(t, err)

	require.NoError(t, auth.Logout(ctx, st, token))
	_, err = auth.ValidateToken(ctx, st, token)
	require.Error(t, err)
}

func TestLoginEndUser(t *testing.T) {
	st := setupStore(t)
	orgID, _ := createTestOperator(t, st)
	userID := createTestEndUser(t, st, orgID)
	ctx := context.Background()

	user, err := auth.LoginEndUser(ctx, st, "test-org", "visitor", "userpass")
	require.NoError(t, err)
	if user.ID != userID {
		t.Errorf("ID = %q, want %q", user.ID, userID)
	}

	// Login touches last_login_at.
	u, err := st.GetEndUserByID(ctx, userID)
	require.NoError(t, err)
	if u.LastLoginAt == nil {
		t.Error("LastLoginAt = nil after login")
	}

	_, err = auth.LoginEndUser(ctx, st, "test-org", "visitor", "bad")
	if err != auth.ErrInvalidCredentials {
		t.Errorf("bad password: err = %v, want ErrInvalidCredentials", err)
	}
}

func TestUserToken_RoundTrip(t *testing.T) {
	secret := "test-secret"

	token, err := auth.MintUserToken("user-1", "org-1", secret, time.Hour)
	require.NoError(t, err)

	userID, orgID, err := auth.VerifyUserToken(token, secret)
	require.NoError(t, err)
	assert.Equal(t, "user-1", userID)
	assert.Equal(t, "org-1", orgID)
}

func TestUserToken_WrongSecret(t *testing.T) {
	token, err := auth.MintUserToken("user-1", "org-1", "secret-a", time.Hour)
	require.NoError(t, err)

	_, _, err = auth.VerifyUserToken(token, "secret-b")
	if err != auth.ErrTokenInvalid {
		t.Errorf("err = %v, want ErrTokenInvalid", err)
	}
}

func TestUserToken_Expired(t *testing.T) {
	token, err := auth.MintUserToken("user-1", "org-1", "secret", -time.Minute)
	require.NoError(t, err)

	_, _, err = auth.VerifyUserToken(token, "secret")
	if err != auth.ErrTokenExpired {
		t.Errorf("err = %v, want ErrTokenExpired", err)
	}
}

func TestTokenFromHeader(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"Bearer abc123", "abc123"},
		{"Bearer ", ""},
		{"Basic abc123", ""},
		{"", ""},
	}

	for _, tt := range tests {
		got := auth.TokenFromHeader(tt.header)
		if got != tt.want {
			t.Errorf("TokenFromHeader(%q) = %q, want %q", tt.header, got, tt.want)
		}
	}
}

func TestHashToken(t *testing.T) {
	h := auth.HashToken("relay-token")
	if len(h) != 64 {
		t.Errorf("len = %d, want 64 hex chars", len(h))
	}
	if h != auth.HashToken("relay-token") {
		t.Error("HashToken not deterministic")
	}
	if h == auth.HashToken("other") {
		t.Error("distinct tokens hash equal")
	}
}

func TestContextOperatorRoundtrip(t *testing.T) {
	info := &auth.OperatorInfo{
		ID:       "op-1",
		OrgID:    "org-1",
		Username: "alice",
		IsAdmin:  true,
	}

	ctx := auth.WithOperator(context.Background(), info)
	got := auth.GetOperator(ctx)
	if got == nil {
		t.Fatal("GetOperator returned nil")
	}
	if got.ID != info.ID {
		t.Errorf("ID = %q, want %q", got.ID, info.ID)
	}

	if auth.GetOperator(context.Background()) != nil {
		t.Error("GetOperator on empty context should be nil")
	}
}

func TestRequireOperator(t *testing.T) {
	st := setupStore(t)
	createTestOperator(t, st)
	ctx := context.Background()

	token, _, err := auth.Login(ctx, st, "test-org", "testop", "password123", 24*time.Hour)
	require.NoError(t, err)

	var seen *auth.OperatorInfo
	handler := auth.RequireOperator(st, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = auth.GetOperator(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	// Valid token reaches the handler with the operator attached.
	req := httptest.NewRequest(http.MethodGet, "/api/suggestions", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rec.Code)
	}
	require.NotNil(t, seen)
	assert.Equal(t, "testop", seen.Username)

	// Missing token is rejected before the handler.
	seen = nil
	req = httptest.NewRequest(http.MethodGet, "/api/suggestions", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
	if seen != nil {
		t.Error("handler ran without auth")
	}
}
