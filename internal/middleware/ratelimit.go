package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/whalewallet/shardgate/internal/model"
	"github.com/whalewallet/shardgate/internal/service"
)

// RateLimitMiddleware enforces the tier's request rate. Must run after
// AuthMiddleware.
func RateLimitMiddleware(accounts *service.AccountManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		accountVal, exists := c.Get(ContextAccountKey)
		if !exists {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}
		account := accountVal.(*model.Account)

		limiter := accounts.LimiterFor(account.ID)
		if limiter == nil {
			c.Next()
			return
		}

		if !limiter.Allow() {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate limit exceeded",
				"retry_after": "1s",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
