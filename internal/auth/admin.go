// Package auth guards operator-only endpoints.
package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

// HeaderAdminSecret carries the shared operator secret.
const HeaderAdminSecret = "X-Admin-Secret"

// RequireAdmin rejects requests whose X-Admin-Secret header does not match
// secret. An empty secret disables the guarded routes entirely.
func RequireAdmin(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "admin_disabled",
				"message": "Admin endpoints are disabled. Set ADMIN_SECRET to enable them.",
			})
			return
		}
		got := c.GetHeader(HeaderAdminSecret)
		if got == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Admin secret required. Include the '" + HeaderAdminSecret + "' header.",
			})
			return
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Invalid admin secret.",
			})
			return
		}
		c.Next()
	}
}
