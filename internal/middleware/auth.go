// Package middleware holds the net/http middleware of the simulator
// binaries.
package middleware

import (
	"context"
	"net/http"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/ukydev/fleet-simulator/internal/auth"
)

// contextKey is a custom type for context keys to avoid collisions
type contextKey string

const (
	ClaimsContextKey contextKey = "claims"
)

// AuthMiddleware validates service bearer tokens.
type AuthMiddleware struct {
	authService *auth.Service
	skipPaths   []string
}

// NewAuthMiddleware creates an authentication middleware. Requests whose
// path starts with one of skipPaths pass without a token.
func NewAuthMiddleware(authService *auth.Service, skipPaths ...string) *AuthMiddleware {
	return &AuthMiddleware{
		authService: authService,
		skipPaths:   skipPaths,
	}
}

// Authenticate validates JWT tokens and adds the claims to the context
func (m *AuthMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.shouldSkipAuth(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Authorization header required", http.StatusUnauthorized)
			return
		}
		token, err := m.authService.ExtractTokenFromHeader(authHeader)
		if err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		claims, err := m.authService.ValidateToken(token)
		if err != nil {
			log.WithError(err).WithField("path", r.URL.Path).Debug("Rejected bearer token")
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), ClaimsContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireScope rejects requests whose token lacks scope.
func (m *AuthMiddleware) RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := ClaimsFromContext(r.Context())
			if !ok {
				http.Error(w, "Claims not found", http.StatusUnauthorized)
				return
			}
			if !claims.HasScope(scope) {
				http.Error(w, "Insufficient scope", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClaimsFromContext extracts token claims from the request context
func ClaimsFromContext(ctx context.Context) (*auth.Claims, bool) {
	claims, ok := ctx.Value(ClaimsContextKey).(*auth.Claims)
	return claims, ok
}

func (m *AuthMiddleware) shouldSkipAuth(path string) bool {
	for _, skipPath := range m.skipPaths {
		if strings.HasPrefix(path, skipPath) {
			return true
		}
	}
	return false
}
