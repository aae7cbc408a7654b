package handler

import (
	"crimewatch-go/internal/model"
	"crimewatch-go/internal/service"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// currentUser 读取 AuthMiddleware 注入的用户。
func currentUser(c *gin.Context) (*model.User, bool) {
	v, exists := c.Get("user")
	if !exists {
		return nil, false
	}
	user, ok := v.(*model.User)
	return user, ok && user != nil
}

// statusFor 把业务错误映射为 HTTP 状态码。
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, service.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrSessionClosed):
		return http.StatusConflict
	case errors.Is(err, service.ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, service.ErrSessionBusy):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondError 以 {"error": ...} 的形式返回错误，服务端错误不暴露内部细节。
func respondError(c *gin.Context, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "Internal server error"
		if errors.Is(err, service.ErrStorage) {
			msg = "Failed to store video chunk"
		}
	}
	c.JSON(status, gin.H{"error": msg})
}

func ok(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": data})
}
