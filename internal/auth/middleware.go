package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ClaimsKey is the gin context key holding the caller's Claims.
const ClaimsKey = "claims"

// ControlAuth enforces bearer JWT tokens signed with HS256 on the local
// control API. An empty signingKey disables the check.
func ControlAuth(signingKey, issuer string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if signingKey == "" {
			c.Next()
			return
		}
		authz := c.GetHeader("Authorization")
		if authz == "" || !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "message": "missing bearer token"})
			return
		}
		tokenStr := strings.TrimSpace(authz[len("bearer "):])
		claims, err := Parse(tokenStr, signingKey, issuer)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "message": "invalid token"})
			return
		}
		c.Set(ClaimsKey, claims)
		c.Next()
	}
}
