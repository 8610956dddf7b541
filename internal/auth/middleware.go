package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	// ContextKeyActorID is the key for the authenticated actor id in gin context
	ContextKeyActorID = "actorId"
	// ContextKeyActorRole is the key for the authenticated actor role
	ContextKeyActorRole = "actorRole"
)

// Middleware extracts and verifies a bearer token if present.
// Sets actorId and actorRole in context when valid.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			if claims, err := m.Verify(token); err == nil {
				c.Set(ContextKeyActorID, claims.Subject)
				c.Set(ContextKeyActorRole, claims.Role)
			}
		}
		c.Next()
	}
}

// RequireAuth rejects requests without a verified actor.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if ActorID(c) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "A valid bearer token is required.",
			})
			return
		}
		c.Next()
	}
}

// RequireRole rejects authenticated requests whose role is not one of
// the given roles.
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		role := ActorRole(c)
		for _, r := range roles {
			if role == r {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Insufficient role for this operation.",
		})
	}
}

// ActorID returns the authenticated actor id, or "" if unauthenticated.
func ActorID(c *gin.Context) string {
	return c.GetString(ContextKeyActorID)
}

// ActorRole returns the authenticated actor role, or "".
func ActorRole(c *gin.Context) string {
	return c.GetString(ContextKeyActorRole)
}
