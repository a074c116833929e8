package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/whalewallet/shardgate/internal/config"
)

const HeaderAdminKey = "X-Admin-Key"

// AdminMiddleware guards operator endpoints (audit queries, whitelist
// management). Unconfigured admin key means those endpoints are off.
func AdminMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg == nil || cfg.Auth.AdminKey == "" {
			c.JSON(http.StatusForbidden, gin.H{"error": "admin key not configured"})
			c.Abort()
			return
		}
		if c.GetHeader(HeaderAdminKey) != cfg.Auth.AdminKey {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid admin key"})
			c.Abort()
			return
		}
		c.Next()
	}
}
