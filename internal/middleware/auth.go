// Package middleware provides HTTP middleware for the API server.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/R3E-Network/sessionpay/internal/chain"
	svcerrors "github.com/R3E-Network/sessionpay/internal/errors"
	"github.com/R3E-Network/sessionpay/internal/httputil"
	"github.com/R3E-Network/sessionpay/pkg/logger"
)

// CallerHeader names the caller directly when no signing secret is
// configured. It is ignored once a secret is set.
const CallerHeader = "X-Caller-Address"

// Claims are the bearer token claims. Subject carries the caller address.
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// AuthMiddleware resolves the caller from an HS256 bearer token.
type AuthMiddleware struct {
	secret []byte
	issuer string
	logger *logger.Logger
	public func(*http.Request) bool
}

// NewAuthMiddleware builds the middleware. public reports requests that may
// proceed without credentials; a nil public treats GET, HEAD and OPTIONS as
// public. With an empty secret the caller is read from CallerHeader.
func NewAuthMiddleware(secret, issuer string, log *logger.Logger, public func(*http.Request) bool) *AuthMiddleware {
	if log == nil {
		log = logger.NewDefault("auth")
	}
	if public == nil {
		public = ReadOnly
	}
	return &AuthMiddleware{secret: []byte(secret), issuer: issuer, logger: log, public: public}
}

// ReadOnly reports safe methods.
func ReadOnly(r *http.Request) bool {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

// Handler returns the middleware handler.
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, err := m.resolve(r)
		if err != nil {
			m.respondError(w, r, err)
			return
		}
		if caller.IsZero() {
			if m.public(r) {
				next.ServeHTTP(w, r)
				return
			}
			m.respondError(w, r, svcerrors.Unauthorized("missing Authorization header"))
			return
		}

		ctx := logger.WithCaller(r.Context(), caller.Hex())
		m.logger.WithContext(ctx).WithField("caller", caller.Hex()).Debug("authentication successful")
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *AuthMiddleware) resolve(r *http.Request) (chain.Address, error) {
	if len(m.secret) == 0 {
		raw := strings.TrimSpace(r.Header.Get(CallerHeader))
		if raw == "" {
			return chain.Address{}, nil
		}
		addr, err := chain.ParseAddress(raw)
		if err != nil {
			return chain.Address{}, svcerrors.Unauthorized("invalid caller address").WithCause(err)
		}
		return addr, nil
	}

	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return chain.Address{}, nil
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return chain.Address{}, svcerrors.Unauthorized("invalid Authorization header format")
	}
	claims, err := m.validateToken(parts[1])
	if err != nil {
		return chain.Address{}, err
	}
	addr, err := chain.ParseAddress(claims.Subject)
	if err != nil {
		return chain.Address{}, svcerrors.InvalidToken(err).WithDetails("reason", "subject is not an address")
	}
	return addr, nil
}

func (m *AuthMiddleware) validateToken(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(*jwt.Token) (interface{}, error) {
		return m.secret, nil
	}, opts...)
	if err != nil {
		return nil, svcerrors.InvalidToken(err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, svcerrors.InvalidToken(nil).WithDetails("reason", "invalid claims")
	}
	return claims, nil
}

func (m *AuthMiddleware) respondError(w http.ResponseWriter, r *http.Request, err error) {
	httputil.WriteError(w, err)
	m.logger.LogSecurityEvent(r.Context(), "authentication_failed", map[string]interface{}{
		"path":   r.URL.Path,
		"method": r.Method,
		"error":  err.Error(),
	})
}

// Caller returns the authenticated caller address, if any.
func Caller(ctx context.Context) (chain.Address, bool) {
	raw := logger.GetCaller(ctx)
	if raw == "" {
		return chain.Address{}, false
	}
	addr, err := chain.ParseAddress(raw)
	if err != nil {
		return chain.Address{}, false
	}
	return addr, true
}

// RequireCaller rejects requests without an authenticated caller.
func RequireCaller(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := Caller(r.Context()); !ok {
			httputil.WriteError(w, svcerrors.Unauthorized("authentication required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
