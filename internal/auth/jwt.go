package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SessionClaims are the JWT claims minted after TOTP verification.
type SessionClaims struct {
	jwt.RegisteredClaims
	SessionID string `json:"sessionId"`
	HostID    string `json:"hostId"`
}

// JWTIssuer mints and verifies HMAC-signed session JWTs.
type JWTIssuer struct {
	secret []byte
}

// NewJWTIssuer constructs an issuer over an HS256 secret (>= 32 bytes,
// enforced by internal/config at load time).
func NewJWTIssuer(secret string) *JWTIssuer {
	return &JWTIssuer{secret: []byte(secret)}
}

// Issue mints a JWT for sessionID/hostID expiring at expiresAt.
func (j *JWTIssuer) Issue(sessionID, hostID string, expiresAt time.Time) (string, error) {
	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		SessionID: sessionID,
		HostID:    hostID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(j.secret)
	if err != nil {
		return "", fmt.Errorf("sign jwt: %w", err)
	}
	return signed, nil
}

// Verify parses and validates tokenString, returning its claims.
// Expired, malformed, or wrong-algorithm tokens return an error.
func (j *JWTIssuer) Verify(tokenString string) (*SessionClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &SessionClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return j.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse jwt: %w", err)
	}
	claims, ok := token.Claims.(*SessionClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid jwt claims")
	}
	return claims, nil
}
