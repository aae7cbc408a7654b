package handler

import (
	"crimewatch-go/internal/middleware"
	"crimewatch-go/internal/realtime"
	"crimewatch-go/internal/service"
	"crimewatch-go/pkg/token"
	"net/http"

	"github.com/gin-gonic/gin"
)

// RouterDeps 汇总了注册路由所需的依赖。SearchService 可以为 nil。
type RouterDeps struct {
	JWTManager    *token.JWTManager
	UserService   service.UserService
	IngestService service.IngestService
	LogService    service.EmergencyLogService
	SearchService service.SearchService
	Hub           *realtime.Hub
	MaxChunkBytes int64
}

// NewRouter 创建路由引擎并注册全部路由。
func NewRouter(deps RouterDeps) *gin.Engine {
	r := gin.New() // 使用 New() 创建一个不带默认中间件的引擎
	r.Use(middleware.RequestLogger(), gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	authMiddleware := middleware.AuthMiddleware(deps.JWTManager, deps.UserService)
	userHandler := NewUserHandler(deps.UserService)
	emergencyHandler := NewEmergencyHandler(deps.IngestService, deps.LogService, deps.MaxChunkBytes)
	logHandler := NewEmergencyLogHandler(deps.LogService, deps.SearchService)

	apiV1 := r.Group("/api/v1")
	{
		auth := apiV1.Group("/auth")
		{
			auth.POST("/refreshToken", NewAuthHandler(deps.UserService).RefreshToken)
		}

		users := apiV1.Group("/users")
		{
			// 无需认证的路由 (公开访问)
			users.POST("/register", userHandler.Register)
			users.POST("/login", userHandler.Login)

			authed := users.Group("/")
			authed.Use(authMiddleware)
			{
				authed.GET("/me", userHandler.GetProfile)
				authed.POST("/logout", userHandler.Logout)
			}
		}

		emergency := apiV1.Group("/emergency")
		emergency.Use(authMiddleware)
		{
			emergency.POST("/video-stream", emergencyHandler.VideoStream)
			emergency.GET("/sessions", emergencyHandler.ListMySessions)
			emergency.GET("/sessions/:sessionId", emergencyHandler.GetSession)
			emergency.POST("/sessions/:sessionId/finish", emergencyHandler.FinishSession)
			emergency.GET("/sessions/:sessionId/video", emergencyHandler.DownloadVideo)
		}

		// 实时推送通过路径中的 token 认证，浏览器的 WebSocket 无法设置请求头
		apiV1.GET("/admin/emergency-feed/:token", NewFeedHandler(deps.Hub, deps.UserService, deps.JWTManager).Handle)

		admin := apiV1.Group("/admin")
		// 管理员路由组，需要同时通过认证和管理员授权两个中间件
		admin.Use(authMiddleware, middleware.AdminAuthMiddleware())
		{
			admin.GET("/emergency-logs", logHandler.List)
			admin.GET("/emergency-logs/stats", logHandler.Stats)
			admin.GET("/emergency-logs/search", logHandler.Search)
			admin.GET("/emergency-logs/:sessionId/download-url", logHandler.DownloadURL)
		}
	}
	return r
}
