package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"contract-backend/internal/shared/auth"
	"contract-backend/internal/shared/server/respond"
)

const (
	userIDKey = "userId"
	// UserHeader carries the caller id when a trusted gateway terminates auth.
	UserHeader = "X-User-Id"
)

// AuthConfig selects how callers are identified.
type AuthConfig struct {
	Secret          []byte
	TrustUserHeader bool
	// Public paths skip identification.
	Public []string
}

// Auth resolves the caller from a bearer token, or from UserHeader when
// TrustUserHeader is set, and stores the id in the context.
func Auth(cfg AuthConfig) gin.HandlerFunc {
	public := make(map[string]struct{}, len(cfg.Public))
	for _, p := range cfg.Public {
		public[p] = struct{}{}
	}
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodOptions {
			c.Status(http.StatusNoContent)
			return
		}
		if _, ok := public[c.Request.URL.Path]; ok {
			c.Next()
			return
		}

		authHeader := strings.TrimSpace(c.GetHeader("Authorization"))
		if authHeader != "" {
			token, ok := strings.CutPrefix(authHeader, "Bearer ")
			if !ok || strings.TrimSpace(token) == "" {
				respond.Error(c, http.StatusUnauthorized, "unauthorized", "missing or invalid token", nil)
				return
			}
			claims, err := auth.Verify(cfg.Secret, strings.TrimSpace(token))
			if err != nil {
				respond.Error(c, http.StatusUnauthorized, "unauthorized", "missing or invalid token", nil)
				return
			}
			c.Set(userIDKey, claims.UserID())
			c.Next()
			return
		}

		if cfg.TrustUserHeader {
			if userID := strings.TrimSpace(c.GetHeader(UserHeader)); userID != "" {
				c.Set(userIDKey, userID)
				c.Next()
				return
			}
		}
		respond.Error(c, http.StatusUnauthorized, "unauthorized", "Missing identity", nil)
	}
}

// UserIDFromContext fetches the user ID set by the auth middleware.
func UserIDFromContext(c *gin.Context) string {
	if c == nil {
		return ""
	}
	val, _ := c.Get(userIDKey)
	if id, ok := val.(string); ok {
		return id
	}
	return ""
}
