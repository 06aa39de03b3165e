// Package auth authenticates staff and service callers with HS256 JWTs.
//
// Authentication model:
//   - Every /v1 route requires a bearer token
//   - The token carries the caller's user id and role
//   - Mutations are gated by role; the authenticated caller becomes the
//     audit actor of the operation
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Role is a caller's authority level.
type Role string

const (
	RoleAdmin          Role = "admin"
	RoleFinanceLimited Role = "finance_limited"
	RoleFinanceFull    Role = "finance_full"
	RoleSupport        Role = "support"
	RoleSystem         Role = "system" // trip and settlement services
)

var validRoles = []Role{RoleAdmin, RoleFinanceLimited, RoleFinanceFull, RoleSupport, RoleSystem}

// IsValid reports whether r is a known role.
func (r Role) IsValid() bool {
	for _, candidate := range validRoles {
		if candidate == r {
			return true
		}
	}
	return false
}

var (
	ErrNoToken      = errors.New("bearer token required")
	ErrInvalidToken = errors.New("invalid or expired token")
)

var signingMethod = jwt.SigningMethodHS256

// Config holds the token settings.
type Config struct {
	Secret string
	Issuer string
	TTL    time.Duration
}

// Claims is the typed JWT issued to callers.
type Claims struct {
	UserID string `json:"user_id"`
	Role   Role   `json:"role"`
	jwt.RegisteredClaims
}

// Mint issues a signed token for userID with role.
func Mint(cfg Config, now time.Time, userID string, role Role) (string, error) {
	if cfg.Secret == "" {
		return "", fmt.Errorf("jwt secret is required")
	}
	if strings.TrimSpace(userID) == "" {
		return "", fmt.Errorf("user id is required")
	}
	if !role.IsValid() {
		return "", fmt.Errorf("invalid role %q", role)
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}

	claims := Claims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    cfg.Issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}
	return jwt.NewWithClaims(signingMethod, claims).SignedString([]byte(cfg.Secret))
}

// Parse validates tokenString and returns its claims.
func Parse(cfg Config, tokenString string) (*Claims, error) {
	if cfg.Secret == "" {
		return nil, fmt.Errorf("jwt secret is required")
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{signingMethod.Alg()})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return []byte(cfg.Secret), nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.UserID == "" || !claims.Role.IsValid() {
		return nil, fmt.Errorf("%w: missing user or role", ErrInvalidToken)
	}
	return claims, nil
}
