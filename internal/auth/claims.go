package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// expiry parses the unverified claims of a JWT access token to learn its
// expiry, without checking the signature: the client has no reliable way
// to hold the server's verification key, and does not need to — the
// server re-validates on every RPC. This is used only to decide when to
// proactively refresh, never to authorize anything locally.
func expiry(token string) (time.Time, error) {
	var claims jwt.RegisteredClaims
	_, _, err := jwt.NewParser().ParseUnverified(token, &claims)
	if err != nil {
		return time.Time{}, fmt.Errorf("auth: parse token claims: %w", err)
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, fmt.Errorf("auth: token has no exp claim")
	}
	return claims.ExpiresAt.Time, nil
}

// expiresWithin reports whether token's exp claim falls within window of
// now. A token that fails to parse is treated as already expired, so
// callers proactively refresh rather than hand a garbage token to the
// handshake.
func expiresWithin(token string, window time.Duration) bool {
	exp, err := expiry(token)
	if err != nil {
		return true
	}
	return time.Until(exp) <= window
}
