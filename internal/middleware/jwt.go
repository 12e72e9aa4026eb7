package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/Boswecw/rake/internal/pkg/errcode"
	"github.com/Boswecw/rake/internal/pkg/jwt"
	"github.com/Boswecw/rake/internal/pkg/response"
)

const ContextTenantIDKey = "tenant_id"

// TenantAuth validates the bearer token and exposes the tenant id to
// handlers. Requests without a valid tenant never reach the pipeline.
func TenantAuth(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			response.Error(c, http.StatusUnauthorized, errcode.ErrUnauthorized, "missing authorization")
			c.Abort()
			return
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			response.Error(c, http.StatusUnauthorized, errcode.ErrUnauthorized, "invalid authorization")
			c.Abort()
			return
		}
		claims, err := jwt.ParseToken(parts[1], secret)
		if err != nil {
			response.Error(c, http.StatusUnauthorized, errcode.ErrUnauthorized, "invalid token")
			c.Abort()
			return
		}
		c.Set(ContextTenantIDKey, claims.TenantID)
		c.Next()
	}
}

// TenantID reads the tenant set by TenantAuth.
func TenantID(c *gin.Context) string {
	if v, ok := c.Get(ContextTenantIDKey); ok {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}
