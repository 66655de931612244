package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/momo-orchestrator/internal/auth"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/telemetry"
)

const (
	AdminTokenHeader = "X-Admin-Token"
	principalKey     = "principal"
)

// RequireAdmin authenticates the caller with a bearer token or the
// X-Admin-Token header. Capability checks happen in the services.
func RequireAdmin(authorizer auth.Authorizer) gin.HandlerFunc {
	return func(c *gin.Context) {
		credential := c.GetHeader(AdminTokenHeader)
		if h := c.GetHeader("Authorization"); credential == "" && strings.HasPrefix(h, "Bearer ") {
			credential = strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
		}

		p, err := authorizer.Authenticate(c.Request.Context(), credential)
		if err != nil {
			telemetry.Logger.Warn("Rejected admin request",
				zap.String("path", c.Request.URL.Path),
				zap.String("client_ip", c.ClientIP()),
			)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set(principalKey, p)
		c.Next()
	}
}

// Principal returns the authenticated caller, or the zero Principal.
func Principal(c *gin.Context) auth.Principal {
	if v, ok := c.Get(principalKey); ok {
		if p, ok := v.(auth.Principal); ok {
			return p
		}
	}
	return auth.Principal{}
}
