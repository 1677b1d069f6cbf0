package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"gitasahayak/internal/models"
)

const (
	accountIDContextKey = "auth_account_id"
	authTokenContextKey = "auth_token"
)

// Middleware resolves the bearer token to an account. Requests without a
// token continue as the guest account; a token that does not validate is
// rejected.
func (s *Service) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		authToken := s.extractToken(c)
		if authToken == "" || s == nil {
			c.Set(accountIDContextKey, models.GuestAccountID)
			c.Next()
			return
		}
		accountID, err := s.ValidateToken(c.Request.Context(), authToken)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Set(accountIDContextKey, accountID)
		c.Set(authTokenContextKey, authToken)
		c.Next()
	}
}

// AccountIDFromContext returns the account resolved by the middleware, or
// the guest account when none was.
func AccountIDFromContext(c *gin.Context) string {
	if val, ok := c.Get(accountIDContextKey); ok {
		if id, ok := val.(string); ok && id != "" {
			return id
		}
	}
	return models.GuestAccountID
}

// AuthTokenFromContext retrieves the bearer token captured by the middleware.
func AuthTokenFromContext(c *gin.Context) (string, bool) {
	val, ok := c.Get(authTokenContextKey)
	if !ok {
		return "", false
	}
	token, ok := val.(string)
	return token, ok
}

func (s *Service) extractToken(c *gin.Context) string {
	header := "Authorization"
	if s != nil {
		header = s.headerName
	}
	authHeader := c.GetHeader(header)
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		return strings.TrimSpace(authHeader[7:])
	}
	return ""
}
