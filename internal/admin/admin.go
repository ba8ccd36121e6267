// Package admin provides operator-only endpoints guarded by a shared secret.
package admin

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/upiramp/internal/metrics"
)

// SecretHeader carries the operator secret.
const SecretHeader = "X-Admin-Secret"

// RequireSecret rejects requests whose X-Admin-Secret does not match secret.
// An empty secret disables every admin route.
func RequireSecret(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "admin_disabled",
				"message": "Admin routes are disabled. Set ADMIN_SECRET to enable them.",
			})
			return
		}
		got := c.GetHeader(SecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			metrics.AuthFailuresTotal.WithLabelValues("admin_secret").Inc()
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Missing or invalid " + SecretHeader,
			})
			return
		}
		c.Next()
	}
}
