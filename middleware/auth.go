package middleware

import (
	"net/http"
	"strings"

	"JBProject/tools/security"

	"github.com/gin-gonic/gin"
)

const (
	CtxUserID = "auth_user_id"
	CtxScope  = "auth_scope"
)

// BearerAuth 校验 Authorization: Bearer <jwt>，通过后把身份放进 gin 上下文
func BearerAuth(opts security.Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(h, "Bearer ")
		if !ok || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		claims, err := security.Verify(opts, token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(CtxUserID, claims.UserID)
		c.Set(CtxScope, claims.Scope)
		c.Next()
	}
}

// Identity 取出 BearerAuth 放入的身份
func Identity(c *gin.Context) (scope string, userID int64) {
	scope, _ = c.MustGet(CtxScope).(string)
	userID, _ = c.MustGet(CtxUserID).(int64)
	return scope, userID
}
