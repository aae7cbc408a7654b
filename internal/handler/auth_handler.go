// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"crimewatch-go/internal/service"
	"crimewatch-go/pkg/log"
	"net/http"

	"github.com/gin-gonic/gin"
)

// AuthHandler 负责 token 续期。长时间录像的客户端靠它在会话中途换取新的 access token。
type AuthHandler struct {
	userService service.UserService
}

// NewAuthHandler 创建一个新的 AuthHandler 实例。
func NewAuthHandler(userService service.UserService) *AuthHandler {
	return &AuthHandler{userService: userService}
}

// RefreshTokenRequest 定义了刷新 token API 的请求体结构。
type RefreshTokenRequest struct {
	RefreshToken string `json:"refreshToken" binding:"required"`
}

// TokenPair 是登录与续期共同的响应数据。
type TokenPair struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken"`
}

// RefreshToken 用 refresh token 换取新的一对 token，旧的 refresh token 随即失效。
func (h *AuthHandler) RefreshToken(c *gin.Context) {
	var req RefreshTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "refreshToken 不能为空"})
		return
	}

	access, refresh, err := h.userService.RefreshToken(req.RefreshToken)
	if err != nil {
		log.Warnf("[AuthHandler] 刷新 token 失败: %v", err)
		respondError(c, err)
		return
	}
	ok(c, TokenPair{Token: access, RefreshToken: refresh})
}
