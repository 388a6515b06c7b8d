package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/ValRusDev/microshop/pkg/auth"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const OwnerContextKey = "ownerID"

// AuthMiddleware resolves the shopper from a Bearer token. Without a secret the
// X-User-ID header set by the gateway is used, but only when trustGatewayHeader
// is set; otherwise every request is refused.
func AuthMiddleware(validator *auth.TokenValidator, trustGatewayHeader bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := ""
		switch {
		case validator.Enabled():
			header := c.GetHeader("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
				return
			}
			claims, err := validator.ParseAndValidateToken(token, "access")
			if err != nil {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
				return
			}
			id, err := auth.OwnerID(claims)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
				return
			}
			raw = id.String()
		case trustGatewayHeader:
			raw = c.GetHeader("X-User-ID")
		default:
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}

		ownerID, err := uuid.Parse(raw)
		if err != nil || ownerID == uuid.Nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
		c.Set(OwnerContextKey, ownerID)
		c.Next()
	}
}

func GetOwnerID(c *gin.Context) (uuid.UUID, error) {
	if val, ok := c.Get(OwnerContextKey); ok {
		if id, ok := val.(uuid.UUID); ok && id != uuid.Nil {
			return id, nil
		}
	}
	return uuid.Nil, errors.New("owner ID not found in context")
}
