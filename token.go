package livechat

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrOpaqueToken is returned by ParseTokenInfo for tokens that are not JWTs.
// Opaque tokens are still valid session tokens; they just carry no claims.
var ErrOpaqueToken = errors.New("livechat: token is opaque")

// TokenInfo is what a client can learn from a session token without the
// signing key. It is informational only; the server validates tokens.
type TokenInfo struct {
	Subject   string
	Name      string
	Variant   Variant
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Expired reports whether the token has an expiry before now.
func (t TokenInfo) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && !now.Before(t.ExpiresAt)
}

// TokenClaims are the claims carried by JWT session tokens.
type TokenClaims struct {
	Name    string  `json:"name,omitempty"`
	Variant Variant `json:"variant,omitempty"`
	jwt.RegisteredClaims
}

// ParseTokenInfo reads the claims of a JWT session token without verifying
// its signature.
func ParseTokenInfo(token string) (*TokenInfo, error) {
	var claims TokenClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return nil, ErrOpaqueToken
	}
	info := &TokenInfo{
		Subject: claims.Subject,
		Name:    claims.Name,
		Variant: claims.Variant,
	}
	if claims.IssuedAt != nil {
		info.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		info.ExpiresAt = claims.ExpiresAt.Time
	}
	return info, nil
}
