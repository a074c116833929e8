package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/whalewallet/shardgate/internal/config"
	"github.com/whalewallet/shardgate/internal/service"
)

const (
	HeaderAPIKey    = "X-Api-Key"
	HeaderSessionID = "X-Session-Id"

	ContextAccountKey = "account"
	ContextSessionKey = "session_id"
)

// AuthMiddleware resolves the API key to an account. The session id
// header scopes the duress flag; without one the API key itself acts as
// the session so the flag still sticks.
func AuthMiddleware(cfg *config.Config, accounts *service.AccountManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := c.GetHeader(HeaderAPIKey)
		if apiKey == "" {
			if cfg != nil && !cfg.Auth.RequireAPIKey {
				if account := accounts.Default(); account != nil {
					c.Set(ContextAccountKey, account)
					c.Set(ContextSessionKey, sessionID(c, account.APIKey))
					c.Next()
					return
				}
			}
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing API key"})
			c.Abort()
			return
		}

		account, ok := accounts.GetByAPIKey(c.Request.Context(), apiKey)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid API key"})
			c.Abort()
			return
		}

		c.Set(ContextAccountKey, account)
		c.Set(ContextSessionKey, sessionID(c, apiKey))
		c.Next()
	}
}

func sessionID(c *gin.Context, fallback string) string {
	if sid := c.GetHeader(HeaderSessionID); sid != "" {
		return sid
	}
	return fallback
}
