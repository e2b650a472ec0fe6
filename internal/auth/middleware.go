package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const claimsKey = "auth.claims"

// Middleware rejects requests without a valid bearer token. The token is the
// second space-separated field of the Authorization header.
func (g *Gate) Middleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := g.VerifyToken(bearerToken(c.GetHeader("Authorization")))
		switch {
		case err == nil:
			c.Set(claimsKey, claims)
			c.Next()
		case errors.Is(err, ErrUnauthenticated):
			c.AbortWithStatus(http.StatusUnauthorized)
		case errors.Is(err, ErrMisconfiguredSigning):
			logger.Error("token verification unavailable", "err", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "security configuration error"})
		default:
			c.AbortWithStatus(http.StatusForbidden)
		}
	}
}

// ClaimsFrom returns the claims stored by Middleware, if any.
func ClaimsFrom(c *gin.Context) (*Claims, bool) {
	v, ok := c.Get(claimsKey)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*Claims)
	return claims, ok
}

func bearerToken(header string) string {
	parts := strings.Split(header, " ")
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}
