package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrTokenExpired = errors.New("token expired")
	ErrTokenInvalid = errors.New("token invalid")
)

// UserClaims are the claims carried by end-user access tokens. The
// subject is the end-user id.
type UserClaims struct {
	jwt.RegisteredClaims

	OrgID string `json:"org"`
}

// MintUserToken creates a signed HS256 JWT for an end user.
func MintUserToken(userID, orgID, secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := UserClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		OrgID: orgID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign user token: %w", err)
	}
	return signed, nil
}

// VerifyUserToken parses and verifies an end-user JWT, returning the
// user and org ids. Use errors.Is(err, ErrTokenExpired) to tell expired
// tokens from tampered or malformed ones.
func VerifyUserToken(tokenString, secret string) (userID, orgID string, err error) {
	token, err := jwt.ParseWithClaims(
		tokenString,
		&UserClaims{},
		func(t *jwt.Token) (any, error) {
			// Reject anything but HMAC to block alg-substitution tricks.
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return []byte(secret), nil
		},
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", "", ErrTokenExpired
		}
		return "", "", ErrTokenInvalid
	}

	claims, ok := token.Claims.(*UserClaims)
	if !ok || !token.Valid || claims.Subject == "" {
		return "", "", ErrTokenInvalid
	}
	return claims.Subject, claims.OrgID, nil
}
