package api

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const apiKeyContextKey = "api_key"

// AuthMiddleware validates the shared API secret. The key arrives via the
// X-API-Key header or an Authorization: Bearer token; hashes are compared
// in constant time. An empty configured secret disables auth (development).
func AuthMiddleware(secret string) gin.HandlerFunc {
	secretHash := sha256.Sum256([]byte(secret))

	return func(c *gin.Context) {
		if secret == "" {
			c.Set(apiKeyContextKey, "anonymous")
			c.Next()
			return
		}

		apiKey := c.GetHeader("X-API-Key")
		if apiKey == "" {
			authHeader := c.GetHeader("Authorization")
			if strings.HasPrefix(authHeader, "Bearer ") {
				apiKey = strings.TrimPrefix(authHeader, "Bearer ")
			}
		}

		if apiKey == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "API key required",
				"message": "Provide API key via X-API-Key header or Authorization: Bearer <key>",
			})
			c.Abort()
			return
		}

		keyHash := sha256.Sum256([]byte(apiKey))
		if subtle.ConstantTimeCompare(keyHash[:], secretHash[:]) != 1 {
			log.Warn().
				Str("ip", c.ClientIP()).
				Str("path", c.Request.URL.Path).
				Msg("Auth: Invalid API key")
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid API key"})
			c.Abort()
			return
		}

		c.Set(apiKeyContextKey, apiKey)
		c.Next()
	}
}
