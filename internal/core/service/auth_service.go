package service

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/abhi1693/openclaw-agency/internal/core/auth"
	"github.com/abhi1693/openclaw-agency/internal/core/config"
	"github.com/abhi1693/openclaw-agency/internal/core/store"
	"github.com/abhi1693/openclaw-agency/internal/util/timefmt"
)

// AuthService serves operator and end-user login over HTTP. Operators
// get opaque session tokens backed by DB rows; end users get signed
// JWTs they later present on the chat WebSocket.
type AuthService struct {
	st  *store.Store
	cfg config.AuthConfig
}

func NewAuthService(st *store.Store, cfg config.AuthConfig) *AuthService {
	return &AuthService{st: st, cfg: cfg}
}

type loginRequest struct {
	Organization string `json:"organization"`
	Username     string `json:"username"`
	Password     string `json:"password"`
}

// OperatorLogin handles POST /auth/operator/login.
func (s *AuthService) OperatorLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		errorJSON(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Organization == "" || req.Username == "" || req.Password == "" {
		errorJSON(w, http.StatusBadRequest, "organization, username and password are required")
		return
	}

	token, op, err := auth.Login(r.Context(), s.st, req.Organization, req.Username, req.Password, s.cfg.SessionTTL)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		errorJSON(w, http.StatusUnauthorized, "Invalid username or password.")
		return
	}
	if err != nil {
		slog.Error("operator login failed", "username", req.Username, "error", err)
		errorJSON(w, http.StatusInternalServerError, "login failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"token": token,
		"operator": map[string]any{
			"id":              op.ID,
			"organization_id": op.OrgID,
			"username":        op.Username,
			"is_admin":        op.IsAdmin,
		},
	})
}

// OperatorLogout handles POST /auth/operator/logout. Idempotent: an
// unknown or already-cleared token still answers ok.
func (s *AuthService) OperatorLogout(w http.ResponseWriter, r *http.Request) {
	token := auth.TokenFromHeader(r.Header.Get("Authorization"))
	if token == "" {
		errorJSON(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if err := auth.Logout(r.Context(), s.st, token); err != nil {
		slog.Error("logout failed", "error", err)
		errorJSON(w, http.StatusInternalServerError, "logout failed")
		return
	}
	okJSON(w)
}

// UserLogin handles POST /auth/user/login. The returned access token
// is the JWT the chat WebSocket handshake expects.
func (s *AuthService) UserLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		errorJSON(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Organization == "" || req.Username == "" || req.Password == "" {
		errorJSON(w, http.StatusBadRequest, "organization, username and password are required")
		return
	}

	user, err := auth.LoginEndUser(r.Context(), s.st, req.Organization, req.Username, req.Password)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		errorJSON(w, http.StatusUnauthorized, "Invalid username or password.")
		return
	}
	if err != nil {
		slog.Error("end-user login failed", "username", req.Username, "error", err)
		errorJSON(w, http.StatusInternalServerError, "login failed")
		return
	}

	token, err := auth.MintUserToken(user.ID, user.OrgID, s.cfg.JWTSecret, s.cfg.UserTokenTTL)
	if err != nil {
		slog.Error("mint user token failed", "user_id", user.ID, "error", err)
		errorJSON(w, http.StatusInternalServerError, "login failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": token,
		"expires_in":   int64(s.cfg.UserTokenTTL.Seconds()),
		"user":         endUserWire(user),
	})
}

func endUserWire(u *store.EndUser) map[string]any {
	var lastLogin any
	if u.LastLoginAt != nil {
		lastLogin = timefmt.Format(*u.LastLoginAt)
	}
	return map[string]any{
		"id":              u.ID,
		"organization_id": u.OrgID,
		"username":        u.Username,
		"display_name":    u.DisplayName,
		"status":          u.Status,
		"last_login_at":   lastLogin,
		"created_at":      timefmt.Format(u.CreatedAt),
	}
}
