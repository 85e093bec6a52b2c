package middleware

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"

	"go_certorch/internal/auth"
	"go_certorch/internal/httpx"
)

// SubscriptionKey is the gin context key holding the caller's subscription id
const SubscriptionKey = "subscriptionId"

// AuthRequired is a middleware that validates JWT token
func AuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Get Authorization header
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			httpx.FailErr(c, httpx.ErrUnauthorized("missing authorization header"))
			c.Abort()
			return
		}

		// Check Bearer prefix
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			httpx.FailErr(c, httpx.ErrUnauthorized("invalid authorization header format"))
			c.Abort()
			return
		}

		// Parse and validate token
		claims, err := auth.ParseToken(strings.TrimSpace(parts[1]))
		if err != nil {
			if errors.Is(err, auth.ErrTokenExpired) {
				httpx.FailErr(c, httpx.ErrTokenExpired("token expired"))
			} else {
				httpx.FailErr(c, httpx.ErrInvalidToken("invalid token"))
			}
			c.Abort()
			return
		}

		c.Set(SubscriptionKey, claims.SubscriptionID)
		c.Set("role", claims.Role)

		c.Next()
	}
}

// SubscriptionID returns the subscription set by AuthRequired
func SubscriptionID(c *gin.Context) int {
	return c.GetInt(SubscriptionKey)
}
