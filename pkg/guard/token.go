package guard

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Crosswind-Labs/keel/pkg/contracts"
)

// DefaultTokenTTL is how long an approval token stays redeemable.
const DefaultTokenTTL = time.Hour

// TokenIssuer mints and verifies single-use approval tokens. Tokens are
// HS256 JWTs carrying the bound action id and a 128-bit random jti; the
// signing key is per-issuer so tokens from one gate cannot cross into
// another.
type TokenIssuer struct {
	key []byte
	ttl time.Duration
}

// NewTokenIssuer creates an issuer with a fresh random signing key.
func NewTokenIssuer(ttl time.Duration) (*TokenIssuer, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("token key generation: %w", err)
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenIssuer{key: key, ttl: ttl}, nil
}

// Issue mints a token bound to actionID for principal.
func (i *TokenIssuer) Issue(actionID string, principal contracts.Principal, now time.Time) (*contracts.ApprovalToken, error) {
	jti := make([]byte, 16)
	if _, err := rand.Read(jti); err != nil {
		return nil, fmt.Errorf("token entropy: %w", err)
	}

	expires := now.Add(i.ttl)
	claims := jwt.RegisteredClaims{
		ID:        hex.EncodeToString(jti),
		Subject:   actionID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.key)
	if err != nil {
		return nil, fmt.Errorf("token signing: %w", err)
	}

	return &contracts.ApprovalToken{
		Token:     signed,
		ActionID:  actionID,
		Principal: principal,
		IssuedAt:  now,
		ExpiresAt: expires,
	}, nil
}

// Verify checks the token signature and its binding to actionID. Single
// use and expiry against authority time are enforced by the pending
// table, not here.
func (i *TokenIssuer) Verify(token, actionID string) bool {
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return i.key, nil
	})
	if err != nil || !parsed.Valid {
		return false
	}
	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok {
		return false
	}
	return claims.Subject == actionID
}
