package dashsync

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// expirySkew treats tokens this close to expiry as already expired, so a
// request is not sent with a token that lapses in flight.
const expirySkew = 30 * time.Second

// TokenClaims is what the client reads from a bearer token. The signature
// is not verified here; the backend does that.
type TokenClaims struct {
	UserID       string `json:"user_id,omitempty"`
	Organisation string `json:"organisation,omitempty"`
	jwt.RegisteredClaims
}

// ParseToken decodes the claims of a JWT bearer token without verifying it.
// Opaque (non-JWT) tokens return an error.
func ParseToken(token string) (*TokenClaims, error) {
	claims := &TokenClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

// TokenExpiry returns the exp claim of a JWT. ok is false for opaque tokens
// and tokens without an expiry.
func TokenExpiry(token string) (exp time.Time, ok bool) {
	claims, err := ParseToken(token)
	if err != nil || claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// tokenExpired reports whether token is a JWT that has expired at now.
func tokenExpired(token string, now time.Time) bool {
	exp, ok := TokenExpiry(token)
	return ok && !now.Add(expirySkew).Before(exp)
}
