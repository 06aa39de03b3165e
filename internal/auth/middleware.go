package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/ridewallet/internal/audit"
	"github.com/mbd888/ridewallet/internal/logging"
)

const (
	// ContextKeyClaims is the key for storing token claims in gin context
	ContextKeyClaims = "authClaims"
)

// Middleware rejects requests without a valid bearer token and stores the
// caller's claims in the gin and request contexts.
func Middleware(cfg Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Bearer token required. Include 'Authorization: Bearer <jwt>' header.",
			})
			return
		}

		claims, err := Parse(cfg, strings.TrimSpace(token))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Invalid or expired token.",
			})
			return
		}

		c.Set(ContextKeyClaims, claims)
		c.Request = c.Request.WithContext(logging.WithActorID(c.Request.Context(), claims.UserID))
		c.Next()
	}
}

// RequireRole rejects callers whose role is not in roles.
func RequireRole(roles ...Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := GetClaims(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Bearer token required.",
			})
			return
		}
		for _, r := range roles {
			if claims.Role == r {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Role " + string(claims.Role) + " may not perform this action.",
		})
	}
}

// GetClaims returns the authenticated caller's claims.
func GetClaims(c *gin.Context) (*Claims, bool) {
	v, exists := c.Get(ContextKeyClaims)
	if !exists {
		return nil, false
	}
	claims, ok := v.(*Claims)
	return claims, ok
}

// ActorFrom returns the audit actor for the request. Unauthenticated
// requests map to the system actor.
func ActorFrom(c *gin.Context) audit.Actor {
	claims, ok := GetClaims(c)
	if !ok {
		return audit.System()
	}
	return audit.Actor{UserID: claims.UserID, Role: string(claims.Role)}
}
