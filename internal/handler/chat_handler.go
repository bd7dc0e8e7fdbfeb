package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"aditi-chat-server/internal/inference"
	"aditi-chat-server/internal/middleware"
	"aditi-chat-server/internal/service"
	"aditi-chat-server/pkg/response"
)

// ChatIDHeader 响应头中回传会话ID，客户端用它继续同一个会话
const ChatIDHeader = "X-Chat-Id"

// legacyUserCookie 旧前端保存用户标识的 Cookie
const legacyUserCookie = "user"

// ChatHandler 对话请求处理器
// 处理流式对话和会话历史
type ChatHandler struct {
	relay         *service.RelayService
	chatService   *service.ChatService
	allowBodyUser bool
	logger        *zap.Logger
}

// NewChatHandler 创建 ChatHandler 实例
// allowBodyUser 为 true 时，未登录请求可以在请求体、查询参数或 user Cookie 中携带用户标识
func NewChatHandler(relay *service.RelayService, chatService *service.ChatService, allowBodyUser bool, logger *zap.Logger) *ChatHandler {
	return &ChatHandler{
		relay:         relay,
		chatService:   chatService,
		allowBodyUser: allowBodyUser,
		logger:        logger.Named("chat"),
	}
}

// ChatRequest 对话请求
type ChatRequest struct {
	Message string `json:"message"`
	UserID  string `json:"userId"`
	ChatID  string `json:"chatId"`
	inference.Overrides
}

// Chat 流式对话
// 响应体是原始文本流，会话ID在 X-Chat-Id 响应头中
// @Summary 发送消息
// @Tags 对话
// @Accept json
// @Produce plain
// @Param body body ChatRequest true "消息"
// @Success 200 {string} string "流式文本"
// @Router /api/v1/chat [post]
func (h *ChatHandler) Chat(c *gin.Context) {
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "请求参数错误: "+err.Error())
		return
	}

	sink := newHTTPSink(c)
	result, err := h.relay.Relay(c.Request.Context(), &service.TurnRequest{
		UserID:  h.resolveUser(c, req.UserID),
		ChatID:  req.ChatID,
		Message: req.Message,
		Params:  req.Overrides,
		// 只信任请求体中的用户标识时无法确认归属
		RequireOwner: middleware.GetUsername(c) != "",
	}, sink)
	if err != nil {
		if result != nil && result.ChatID != "" {
			c.Header(ChatIDHeader, result.ChatID)
		}
		h.writeRelayError(c, err)
		return
	}

	// 后端中途断开：不能再改写已经发出的内容，直接断开连接让客户端感知到不完整
	if result.State == service.TurnInterrupted && !result.ClientGone && c.Request.Context().Err() == nil {
		abortConnection(c)
	}
}

func (h *ChatHandler) writeRelayError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrMissingUser):
		response.Unauthorized(c, "缺少用户标识")
	case errors.Is(err, service.ErrEmptyMessage):
		response.ErrorWithCode(c, http.StatusBadRequest, response.CodeEmptyMessage, "消息内容不能为空")
	case errors.Is(err, service.ErrChatNotFound):
		response.ChatNotFound(c)
	case errors.Is(err, service.ErrNoPermission):
		response.Forbidden(c, "无权访问该会话")
	case errors.Is(err, service.ErrBackendUnavailable):
		h.logger.Warn("backend unavailable", zap.Error(err))
		response.BackendUnavailable(c)
	default:
		h.logger.Error("relay failed", zap.Error(err))
		response.ErrorWithCode(c, http.StatusInternalServerError, response.CodePersistFailed, "消息保存失败")
	}
}

// ListChats 获取会话列表
// @Summary 会话列表
// @Tags 对话
// @Produce json
// @Param page query int false "页码"
// @Param page_size query int false "每页数量"
// @Router /api/v1/chats [get]
func (h *ChatHandler) ListChats(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "50"))

	chats, total, err := h.chatService.ListChats(c.Request.Context(), h.resolveUser(c, c.Query("userId")), page, pageSize)
	if err != nil {
		h.writeHistoryError(c, err)
		return
	}

	response.Success(c, gin.H{
		"chats": chats,
		"total": total,
		"page":  page,
	})
}

// GetMessages 获取会话的全部消息
// @Router /api/v1/chats/{id}/messages [get]
func (h *ChatHandler) GetMessages(c *gin.Context) {
	history, err := h.chatService.GetHistory(c.Request.Context(), h.resolveUser(c, c.Query("userId")), c.Param("id"))
	if err != nil {
		h.writeHistoryError(c, err)
		return
	}
	response.Success(c, history)
}

// DeleteChat 删除会话
// @Router /api/v1/chats/{id} [delete]
func (h *ChatHandler) DeleteChat(c *gin.Context) {
	if err := h.chatService.DeleteChat(c.Request.Context(), h.resolveUser(c, c.Query("userId")), c.Param("id")); err != nil {
		h.writeHistoryError(c, err)
		return
	}
	response.NoContent(c)
}

func (h *ChatHandler) writeHistoryError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrMissingUser):
		response.Unauthorized(c, "缺少用户标识")
	case errors.Is(err, service.ErrChatNotFound):
		response.ChatNotFound(c)
	case errors.Is(err, service.ErrNoPermission):
		response.Forbidden(c, "无权访问该会话")
	default:
		h.logger.Error("chat history failed", zap.Error(err))
		response.InternalError(c, "获取会话失败")
	}
}

// resolveUser 确定请求所属的用户
// 已登录时总是使用 Token 中的用户名
func (h *ChatHandler) resolveUser(c *gin.Context, claimed string) string {
	if username := middleware.GetUsername(c); username != "" {
		return username
	}
	if !h.allowBodyUser {
		return ""
	}
	if claimed != "" {
		return claimed
	}
	if cookie, err := c.Cookie(legacyUserCookie); err == nil {
		return cookie
	}
	return ""
}

// httpSink 把文本块直接写入 HTTP 响应并立即刷新
type httpSink struct {
	c *gin.Context
}

func newHTTPSink(c *gin.Context) *httpSink {
	return &httpSink{c: c}
}

// Begin 提交响应头
func (s *httpSink) Begin(chatID string) error {
	h := s.c.Writer.Header()
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Accel-Buffering", "no")
	h.Set(ChatIDHeader, chatID)

	s.c.Status(http.StatusOK)
	s.c.Writer.WriteHeaderNow()
	s.c.Writer.Flush()
	return s.c.Request.Context().Err()
}

// Write 写入一个文本块并刷新
// 客户端断开后请求上下文会被取消
func (s *httpSink) Write(chunk string) error {
	if err := s.c.Request.Context().Err(); err != nil {
		return err
	}
	if _, err := s.c.Writer.WriteString(chunk); err != nil {
		return err
	}
	s.c.Writer.Flush()
	return nil
}

// abortConnection 不写结束标记直接关闭连接
// 不支持 Hijack 的连接（HTTP/2）交给 net/http 中止
func abortConnection(c *gin.Context) {
	if c.Request.ProtoMajor != 1 {
		panic(http.ErrAbortHandler)
	}
	conn, _, err := c.Writer.Hijack()
	if err != nil {
		panic(http.ErrAbortHandler)
	}
	conn.Close()
}
