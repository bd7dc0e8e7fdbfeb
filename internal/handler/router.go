package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"aditi-chat-server/internal/middleware"
	"aditi-chat-server/internal/websocket"
	"aditi-chat-server/pkg/jwt"
)

// Routes 注册路由需要的全部依赖
// WS 为 nil 时不注册 WebSocket 路由
type Routes struct {
	JWT     *jwt.JWTService
	Checker middleware.TokenChecker

	Auth *AuthHandler
	User *UserHandler
	Chat *ChatHandler
	WS   *websocket.Handler
}

// RegisterRoutes 注册所有路由
func RegisterRoutes(router *gin.Engine, r *Routes) {
	// 健康检查
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// API v1 路由组
	v1 := router.Group("/api/v1")

	// 认证相关（无需登录）
	auth := v1.Group("/auth")
	{
		auth.POST("/register", r.Auth.Register)
		auth.POST("/login", r.Auth.Login)
		auth.POST("/refresh", r.Auth.RefreshToken)
		auth.POST("/logout", middleware.AuthMiddleware(r.JWT, r.Checker), r.Auth.Logout)
		auth.GET("/github", r.Auth.GitHubLogin)
		auth.GET("/github/callback", r.Auth.GitHubCallback)
	}

	// 用户相关（需要登录）
	if r.User != nil {
		users := v1.Group("/users")
		users.Use(middleware.AuthMiddleware(r.JWT, r.Checker))
		{
			users.GET("/me", r.User.GetProfile)
			users.PUT("/me", r.User.UpdateProfile)
			users.PUT("/me/password", r.User.ChangePassword)
		}
	}

	// 对话相关（登录可选，未登录时按配置信任请求中的 userId）
	chat := v1.Group("")
	chat.Use(middleware.OptionalAuthMiddleware(r.JWT, r.Checker))
	{
		chat.POST("/chat", r.Chat.Chat)
		chat.GET("/chats", r.Chat.ListChats)
		chat.GET("/chats/:id/messages", r.Chat.GetMessages)
		chat.DELETE("/chats/:id", r.Chat.DeleteChat)
	}

	// WebSocket 路由
	if r.WS != nil {
		r.WS.RegisterRoutes(router)
	}
}
