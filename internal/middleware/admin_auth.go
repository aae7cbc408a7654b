// Package middleware 提供了处理 HTTP 请求的中间件。
package middleware

import (
	"crimewatch-go/internal/model"
	"crimewatch-go/pkg/log"
	"net/http"

	"github.com/gin-gonic/gin"
)

// AdminAuthMiddleware 只放行管理员（接警操作员），并记录每一次对紧急录像数据的访问。
// 必须挂在 AuthMiddleware 之后。
func AdminAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		v, exists := c.Get("user")
		if !exists {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "未认证的请求"})
			return
		}
		user, ok := v.(*model.User)
		if !ok || user == nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "用户数据类型错误"})
			return
		}

		if !user.IsAdmin() {
			log.Warnf("[AdminAuth] 非管理员访问被拒绝, user: %s, path: %s", user.Username, c.FullPath())
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "权限不足，需要管理员权限"})
			return
		}

		log.Infow("[AdminAuth] 操作员访问紧急数据",
			"operator", user.Username,
			"method", c.Request.Method,
			"route", c.FullPath(),
			"sessionId", c.Param("sessionId"),
		)
		c.Next()
	}
}
