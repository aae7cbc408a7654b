package handler

import (
	"crimewatch-go/internal/realtime"
	"crimewatch-go/internal/service"
	"crimewatch-go/pkg/log"
	"crimewatch-go/pkg/token"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	feedWriteWait  = 10 * time.Second
	feedPongWait   = 60 * time.Second
	feedPingPeriod = feedPongWait * 9 / 10
	feedBuffer     = 64
)

var (
	upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true // 允许所有来源
		},
	}
)

// FeedHandler 负责值班管理员的实时紧急事件推送连接。
type FeedHandler struct {
	hub         *realtime.Hub
	userService service.UserService
	jwtManager  *token.JWTManager
}

// NewFeedHandler 创建一个新的 FeedHandler。
func NewFeedHandler(hub *realtime.Hub, userService service.UserService, jwtManager *token.JWTManager) *FeedHandler {
	return &FeedHandler{hub: hub, userService: userService, jwtManager: jwtManager}
}

// Handle 校验路径中的 token 后升级为 WebSocket，把 Hub 的广播写给客户端。
func (h *FeedHandler) Handle(c *gin.Context) {
	tokenString := c.Param("token")
	claims, err := h.jwtManager.VerifyAccessToken(tokenString)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "无效的 token", "data": nil})
		return
	}
	if revoked, err := h.userService.IsTokenRevoked(c.Request.Context(), tokenString); err != nil || revoked {
		c.JSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "token 已失效", "data": nil})
		return
	}

	user, err := h.userService.GetProfile(claims.Username)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "无法获取用户信息", "data": nil})
		return
	}
	if !user.IsAdmin() {
		c.JSON(http.StatusForbidden, gin.H{"code": http.StatusForbidden, "message": "权限不足，需要管理员权限", "data": nil})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("WebSocket 升级失败", err)
		return
	}
	log.Infof("实时推送连接已建立，用户: %s", user.Username)

	client := h.hub.Register(user.Username, feedBuffer)
	go readPump(conn, func() { h.hub.Unregister(client) })
	writePump(conn, client)
}

// readPump 只处理控制帧，连接断开时回调 onClose。
func readPump(conn *websocket.Conn, onClose func()) {
	defer onClose()
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(feedPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(feedPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump 把订阅者队列中的消息写出，并定期发送 ping。
func writePump(conn *websocket.Conn, client *realtime.Client) {
	ticker := time.NewTicker(feedPingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()
	for {
		select {
		case msg, open := <-client.Send:
			_ = conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if !open {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				log.Warnf("写入实时推送消息失败, 用户: %s, error: %v", client.Name, err)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
