// Package websocket 提供 WebSocket 通信功能
package websocket

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"aditi-chat-server/internal/middleware"
	pkgJwt "aditi-chat-server/pkg/jwt"
	"aditi-chat-server/pkg/response"
)

// Handler 处理 WebSocket 连接
type Handler struct {
	hub       *Hub
	jwtSecret string
	checker   middleware.TokenChecker
	upgrader  websocket.Upgrader
}

// NewHandler 创建 WebSocket Handler
// 参数:
//   - hub: 连接管理器
//   - jwtSecret: JWT 签名密钥
//   - checker: Token 黑名单，可以为 nil
//   - origins: 允许的 Origin，为空时不检查
func NewHandler(hub *Hub, jwtSecret string, checker middleware.TokenChecker, origins []string) *Handler {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}

	return &Handler{
		hub:       hub,
		jwtSecret: jwtSecret,
		checker:   checker,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				// 命令行客户端不带 Origin
				return origin == "" || len(allowed) == 0 || allowed["*"] || allowed[origin]
			},
		},
	}
}

// HandleChatWS 处理对话 WebSocket 连接
// 路由: GET /ws/chat
// 参数: token (query parameter) 或 access_token Cookie
func (h *Handler) HandleChatWS(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		token, _ = c.Cookie(middleware.AccessTokenCookie)
	}
	if token == "" {
		response.Unauthorized(c, "需要认证 token")
		return
	}

	claims, err := pkgJwt.ParseUserToken(token, h.jwtSecret)
	if err != nil || claims.Subject != "access" {
		response.Unauthorized(c, "无效的 token")
		return
	}
	if h.checker != nil && h.checker.IsTokenBlacklisted(c.Request.Context(), middleware.HashToken(token)) {
		response.Unauthorized(c, "Token 已失效，请重新登录")
		return
	}

	// 升级 HTTP 连接为 WebSocket
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.hub.logger.Warn("failed to upgrade connection", zap.Error(err))
		return
	}

	client := NewClient(h.hub, conn, claims.Username)
	h.hub.Register(client)

	// 启动读写协程
	go client.WritePump()
	go client.ReadPump()
}

// RegisterRoutes 注册 WebSocket 路由
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	// WebSocket 路由不需要中间件（token 在 query 中验证）
	ws := r.Group("/ws")
	{
		ws.GET("/chat", h.HandleChatWS)
	}
}
