package auth

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/upiramp/internal/logging"
	"github.com/mbd888/upiramp/internal/metrics"
)

const (
	// ContextKeyAPIKey is the key for storing API key in gin context
	ContextKeyAPIKey = "apiKey"
	// ContextKeyAddress is the key for storing the authenticated address
	ContextKeyAddress = "authAddress"
)

// Middleware extracts and validates the API key from the request. On success
// it sets apiKey and authAddress in the gin context and the caller on the
// request context. Invalid keys are not rejected here; see RequireAuth.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader("Authorization")
		if raw == "" {
			raw = c.GetHeader("X-API-Key")
		}

		if raw != "" {
			key, err := m.ValidateKey(c.Request.Context(), raw)
			if err == nil {
				c.Set(ContextKeyAPIKey, key)
				c.Set(ContextKeyAddress, key.Address)
				c.Request = c.Request.WithContext(logging.WithCaller(c.Request.Context(), key.Address))
			} else if errors.Is(err, ErrInvalidAPIKey) {
				metrics.AuthFailuresTotal.WithLabelValues("invalid_key").Inc()
			}
		}

		c.Next()
	}
}

// RequireAuth middleware rejects requests without valid auth
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, exists := c.Get(ContextKeyAPIKey); !exists {
			metrics.AuthFailuresTotal.WithLabelValues("missing").Inc()
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "API key required. Include 'Authorization: Bearer sk_...' header.",
			})
			return
		}
		c.Next()
	}
}

// GetAPIKey returns the API key from context (if authenticated)
func GetAPIKey(c *gin.Context) (*APIKey, bool) {
	v, exists := c.Get(ContextKeyAPIKey)
	if !exists {
		return nil, false
	}
	key, ok := v.(*APIKey)
	return key, ok
}

// Caller returns the authenticated address, or "".
func Caller(c *gin.Context) string {
	return c.GetString(ContextKeyAddress)
}
