package middleware

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/R3E-Network/sessionpay/internal/chain"
)

// DefaultTokenExpiry applies when TokenIssuer is built with a zero ttl.
const DefaultTokenExpiry = 24 * time.Hour

// TokenIssuer signs HS256 bearer tokens for caller addresses.
type TokenIssuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

func NewTokenIssuer(secret, issuer string, ttl time.Duration) (*TokenIssuer, error) {
	if len(secret) < 16 {
		return nil, fmt.Errorf("token secret must be at least 16 characters")
	}
	if ttl <= 0 {
		ttl = DefaultTokenExpiry
	}
	return &TokenIssuer{secret: []byte(secret), issuer: issuer, ttl: ttl, now: time.Now}, nil
}

// Issue returns a signed token whose subject is caller.
func (g *TokenIssuer) Issue(caller chain.Address, role string) (string, error) {
	if caller.IsZero() {
		return "", fmt.Errorf("caller address is required")
	}
	now := g.now()
	claims := &Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   caller.Hex(),
			Issuer:    g.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(g.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(g.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
