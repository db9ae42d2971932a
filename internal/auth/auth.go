// Package auth verifies bearer credentials and carries the authenticated
// principal through request context.
package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"

	"github.com/dmitrymarcelo/armazemEC2-RDS-sub000/pkg/logger"
)

// Principal is the authenticated caller: the only identity abstraction the
// core consumes.
type Principal struct {
	ID    string
	Email string
	Role  string
}

// Claims is the JWT payload issued and verified by the gateway.
type Claims struct {
	UserID string `json:"user_id"`
	Email  string `json:"email,omitempty"`
	Role   string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

type contextKey struct{}

// FromContext extracts the principal stored by the middleware.
func FromContext(ctx context.Context) Principal {
	p, _ := ctx.Value(contextKey{}).(Principal)
	return p
}

// WithPrincipal returns a context carrying p. Exposed for tests.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

// IssueToken signs an HMAC token for the principal.
func IssueToken(secret []byte, p Principal, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		UserID: p.ID,
		Email:  p.Email,
		Role:   p.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// ValidateToken parses and verifies a bearer token string.
func ValidateToken(secret []byte, tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}

// Middleware returns a mux middleware that requires a valid bearer token on
// every route except the listed skip paths.
func Middleware(secret []byte, skipPaths []string, log *logger.Logger) mux.MiddlewareFunc {
	skip := make(map[string]bool, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skip[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			header := r.Header.Get("Authorization")
			if header == "" {
				unauthorized(w, "missing Authorization header")
				return
			}
			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				unauthorized(w, "invalid Authorization header format")
				return
			}

			claims, err := ValidateToken(secret, parts[1])
			if err != nil {
				if log != nil {
					log.WithError(err).WithFields(map[string]any{
						"path":   r.URL.Path,
						"method": r.Method,
					}).Warn("token validation failed")
				}
				unauthorized(w, "invalid or expired token")
				return
			}

			p := Principal{ID: claims.UserID, Email: claims.Email, Role: claims.Role}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"data":null,"error":"` + msg + `"}`))
}
