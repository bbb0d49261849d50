// Package auth mints and checks the bearer tokens the simulator presents to
// the telemetry ingest.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

const (
	defaultSecret = "default-secret-key-change-in-production"
	defaultExpiry = 24 * time.Hour

	// ScopeIngest allows submitting telemetry.
	ScopeIngest = "telemetry:write"
)

// Claims identify the service holding a token.
type Claims struct {
	Subject string
	Scopes  []string
	Exp     int64
}

// HasScope reports whether the token grants scope.
func (c *Claims) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Service handles service token operations
type Service struct {
	jwtSecret []byte
	tokenExp  time.Duration
}

// NewService creates a token service. Empty arguments fall back to defaults.
func NewService(secret string, exp time.Duration) *Service {
	if secret == "" {
		secret = defaultSecret
	}
	if exp <= 0 {
		exp = defaultExpiry
	}
	return &Service{
		jwtSecret: []byte(secret),
		tokenExp:  exp,
	}
}

// GenerateToken generates a JWT token for a service
func (s *Service) GenerateToken(subject string, scopes ...string) (string, error) {
	if subject == "" {
		return "", errors.New("subject is required")
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"jti":   uuid.NewString(),
		"sub":   subject,
		"scope": strings.Join(scopes, " "),
		"exp":   now.Add(s.tokenExp).Unix(),
		"iat":   now.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

// ValidateToken validates a JWT token and returns the claims
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	tokenString = strings.TrimPrefix(tokenString, "Bearer ")

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}
	subject, ok := claims["sub"].(string)
	if !ok || subject == "" {
		return nil, ErrInvalidToken
	}
	scope, _ := claims["scope"].(string)
	exp, ok := claims["exp"].(float64)
	if !ok {
		return nil, ErrInvalidToken
	}

	return &Claims{
		Subject: subject,
		Scopes:  strings.Fields(scope),
		Exp:     int64(exp),
	}, nil
}

// ExtractTokenFromHeader extracts token from Authorization header
func (s *Service) ExtractTokenFromHeader(authHeader string) (string, error) {
	if authHeader == "" {
		return "", ErrInvalidToken
	}

	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", ErrInvalidToken
	}

	return parts[1], nil
}

// TokenSource hands out a token, minting a fresh one shortly before the
// previous one expires.
type TokenSource struct {
	svc     *Service
	subject string
	scopes  []string
	static  string

	mu      sync.Mutex
	token   string
	expires time.Time
	now     func() time.Time
}

// NewTokenSource mints tokens for subject with svc. A non-empty static token
// is returned as is and svc may be nil.
func NewTokenSource(svc *Service, static, subject string, scopes ...string) *TokenSource {
	return &TokenSource{svc: svc, static: static, subject: subject, scopes: scopes, now: time.Now}
}

// Token returns a bearer token, or "" when neither a static token nor a
// service is configured.
func (t *TokenSource) Token() (string, error) {
	if t.static != "" {
		return t.static, nil
	}
	if t.svc == nil {
		return "", nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	// refresh once 90% of the lifetime has passed
	if t.token != "" && t.now().Before(t.expires) {
		return t.token, nil
	}
	tok, err := t.svc.GenerateToken(t.subject, t.scopes...)
	if err != nil {
		return "", err
	}
	t.token = tok
	t.expires = t.now().Add(t.svc.tokenExp * 9 / 10)
	return tok, nil
}
