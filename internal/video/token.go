package video

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// streamTokenTTL is the lifetime of a playback token: long enough for a
// viewing session, short enough that a leaked URL goes stale.
const streamTokenTTL = 15 * time.Minute

// StreamClaims holds the JWT claims for stream playback tokens.
type StreamClaims struct {
	jwt.RegisteredClaims
}

// TokenIssuer mints and validates the HS256 playback tokens guarding
// the re-exposed stream endpoints. An empty secret disables the checks.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
}

func NewTokenIssuer(secret []byte) *TokenIssuer {
	return &TokenIssuer{secret: secret, ttl: streamTokenTTL}
}

// Enabled reports whether playback tokens are enforced.
func (t *TokenIssuer) Enabled() bool {
	return t != nil && len(t.secret) > 0
}

// Mint creates a signed playback token for the stream endpoints.
func (t *TokenIssuer) Mint() (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(t.ttl)

	claims := StreamClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			Issuer:    "doorbridge",
			Subject:   "stream",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// Validate checks a playback token's signature, expiry and subject.
func (t *TokenIssuer) Validate(tokenString string) error {
	claims := &StreamClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(tok *jwt.Token) (any, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return t.secret, nil
	})
	if err != nil {
		return fmt.Errorf("invalid playback token: %w", err)
	}
	if !token.Valid || claims.Subject != "stream" {
		return fmt.Errorf("invalid playback token claims")
	}
	return nil
}
