package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	// ContextKeyIdentity is the key for storing the resolved identity in gin context
	ContextKeyIdentity = "authIdentity"
	// ContextKeyUserID is the key for storing the authenticated user id
	ContextKeyUserID = "authUserID"
)

// Middleware resolves the bearer token when present. Requests without a
// valid token pass through unauthenticated; RequireAuth rejects them.
func Middleware(r *Resolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		if header := c.GetHeader("Authorization"); header != "" {
			if id, err := r.Resolve(header); err == nil {
				c.Set(ContextKeyIdentity, id)
				c.Set(ContextKeyUserID, id.UserID)
			}
		}
		c.Next()
	}
}

// RequireAuth rejects requests without a valid identity
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := GetIdentity(c); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Bearer token required. Include 'Authorization: Bearer <jwt>' header.",
			})
			return
		}
		c.Next()
	}
}

// RequireRole requires auth AND the given role
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := GetIdentity(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Bearer token required.",
			})
			return
		}
		if !id.HasRole(role) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Role " + role + " required.",
			})
			return
		}
		c.Next()
	}
}

// GetIdentity returns the identity from context (if authenticated)
func GetIdentity(c *gin.Context) (*Identity, bool) {
	v, exists := c.Get(ContextKeyIdentity)
	if !exists {
		return nil, false
	}
	id, ok := v.(*Identity)
	return id, ok
}

// UserID returns the authenticated user's id, or "" if unauthenticated
func UserID(c *gin.Context) string {
	return c.GetString(ContextKeyUserID)
}
