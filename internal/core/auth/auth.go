package auth

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/abhi1693/openclaw-agency/internal/core/id"
	"github.com/abhi1693/openclaw-agency/internal/core/store"
)

var (
	// ErrInvalidCredentials covers unknown org, unknown user, and wrong
	// password alike so responses never reveal which part failed.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrInvalidToken covers missing, malformed, and expired tokens.
	ErrInvalidToken = errors.New("invalid or expired token")
)

type contextKey int

const operatorKey contextKey = iota

// OperatorInfo contains the authenticated operator's information.
type OperatorInfo struct {
	ID       string
	OrgID    string
	Username string
	IsAdmin  bool
}

// WithOperator stores an OperatorInfo in the context.
func WithOperator(ctx context.Context, o *OperatorInfo) context.Context {
	return context.WithValue(ctx, operatorKey, o)
}

// GetOperator retrieves OperatorInfo from the context. Returns nil if not
// authenticated.
func GetOperator(ctx context.Context) *OperatorInfo {
	o, _ := ctx.Value(operatorKey).(*OperatorInfo)
	return o
}

// Login validates operator credentials and creates a new session token.
func Login(ctx context.Context, st *store.Store, orgName, username, password string, ttl time.Duration) (string, *OperatorInfo, error) {
	org, err := st.GetOrgByName(ctx, orgName)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", nil, ErrInvalidCredentials
		}
		return "", nil, fmt.Errorf("query org: %w", err)
	}

	op, err := st.GetOperatorByUsername(ctx, store.GetOperatorByUsernameParams{
		OrgID:    org.ID,
		Username: username,
	})
	if err != nil {
		if err == sql.ErrNoRows {
			return "", nil, ErrInvalidCredentials
		}
		return "", nil, fmt.Errorf("query operator: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(op.PasswordHash), []byte(password)); err != nil {
		return "", nil, ErrInvalidCredentials
	}

	token := id.Generate()
	if err := st.CreateOperatorSession(ctx, store.CreateOperatorSessionParams{
		Token:      token,
		OperatorID: op.ID,
		OrgID:      op.OrgID,
		ExpiresAt:  time.Now().Add(ttl).UTC(),
	}); err != nil {
		return "", nil, fmt.Errorf("create session: %w", err)
	}

	return token, &OperatorInfo{
		ID:       op.ID,
		OrgID:    op.OrgID,
		Username: op.Username,
		IsAdmin:  op.IsAdmin,
	}, nil
}

// ValidateToken resolves a session token to an OperatorInfo. Expired
// sessions behave as missing.
func ValidateToken(ctx context.Context, st *store.Store, token string) (*OperatorInfo, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}

	sess, err := st.GetOperatorSessionByToken(ctx, token)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrInvalidToken
		}
		return nil, fmt.Errorf("query session: %w", err)
	}

	op, err := st.GetOperatorByID(ctx, sess.OperatorID)
	if err != nil {
		return nil, fmt.Errorf("query operator: %w", err)
	}

	return &OperatorInfo{
		ID:       op.ID,
		OrgID:    op.OrgID,
		Username: op.Username,
		IsAdmin:  op.IsAdmin,
	}, nil
}

// Logout deletes the session for the given token. Unknown tokens are a
// no-op.
func Logout(ctx context.Context, st *store.Store, token string) error {
	return st.DeleteOperatorSession(ctx, token)
}

// LoginEndUser validates end-user credentials. Disabled accounts fail
// like bad passwords. On success the user's last_login_at is updated.
func LoginEndUser(ctx context.Context, st *store.Store, orgName, username, password string) (*store.EndUser, error) {
	org, err := st.GetOrgByName(ctx, orgName)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("query org: %w", err)
	}

	user, err := st.GetEndUserByUsername(ctx, store.GetEndUserByUsernameParams{
		OrgID:    org.ID,
		Username: username,
	})
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("query end user: %w", err)
	}

	if user.Status != store.EndUserActive {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	if err := st.UpdateEndUserLastLogin(ctx, user.ID); err != nil {
		return nil, fmt.Errorf("update last login: %w", err)
	}
	return &user, nil
}

// TokenFromHeader extracts a Bearer token from an Authorization header value.
func TokenFromHeader(authHeader string) string {
	const prefix = "Bearer "
	if strings.HasPrefix(authHeader, prefix) {
		return strings.TrimPrefix(authHeader, prefix)
	}
	return ""
}

// HashToken returns the hex SHA-256 of a raw token. Relay and
// registration tokens are stored only in this form.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
