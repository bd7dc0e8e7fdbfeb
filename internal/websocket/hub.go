// Package websocket 提供 WebSocket 通信功能
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"aditi-chat-server/internal/cache"
	"aditi-chat-server/internal/service"
)

// EventBus 跨实例广播用户事件
// 多实例部署时，一个实例上完成的对话需要通知到其他实例上的连接
type EventBus interface {
	PublishUserEvent(ctx context.Context, userID string, event interface{}) error
	SubscribeUserEvents(ctx context.Context) *redis.PubSub
}

// Hub 是 WebSocket 连接的中心管理器
// 负责：
// 1. 管理所有客户端连接
// 2. 在连接上执行对话
// 3. 把会话变更推送给同一用户的所有连接
type Hub struct {
	// 客户端映射：userID -> []*Client
	// 一个用户可能同时打开多个页面或终端
	clients map[string][]*Client

	// 注册通道
	register chan *Client

	// 注销通道
	unregister chan *Client

	// Run 退出后关闭
	done chan struct{}

	// 互斥锁，保护并发访问
	mu sync.RWMutex

	relay  *service.RelayService
	bus    EventBus // 可以为 nil，此时只通知本实例的连接
	logger *zap.Logger
}

// NewHub 创建 Hub 实例
func NewHub(relay *service.RelayService, bus EventBus, logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[string][]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		relay:      relay,
		bus:        bus,
		logger:     logger.Named("ws"),
	}
}

// Run 启动 Hub 的主循环
// 应该在单独的 goroutine 中运行，ctx 取消后关闭所有连接并退出
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	if h.bus != nil {
		go h.subscribe(ctx)
	}

	for {
		select {
		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case <-ctx.Done():
			h.closeAll()
			return
		}
	}
}

// Register 注册客户端
// Hub 已停止时直接关闭客户端
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
		client.cancel()
		client.Close()
	}
}

// Unregister 注销客户端
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// registerClient 注册客户端
func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.clients[client.userID] = append(h.clients[client.userID], client)
	h.logger.Info("client registered",
		zap.String("user_id", client.userID),
		zap.Int("connections", len(h.clients[client.userID])))
}

// unregisterClient 注销客户端
func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients := h.clients[client.userID]
	for i, c := range clients {
		if c == client {
			h.clients[client.userID] = append(clients[:i], clients[i+1:]...)
			client.Close()
			break
		}
	}
	// 如果没有连接了，删除 key
	if len(h.clients[client.userID]) == 0 {
		delete(h.clients, client.userID)
	}
	h.logger.Info("client unregistered", zap.String("user_id", client.userID))
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for userID, clients := range h.clients {
		for _, c := range clients {
			c.cancel()
			c.Close()
		}
		delete(h.clients, userID)
	}
}

// ConnectionCount 用户当前的连接数
func (h *Hub) ConnectionCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

// NotifyChatUpdated 通知用户的所有连接会话有变化
// 配置了 EventBus 时经由 Redis 广播，由各实例的订阅协程投递
func (h *Hub) NotifyChatUpdated(ctx context.Context, userID string, event *service.ChatEvent) {
	if h.bus != nil {
		err := h.bus.PublishUserEvent(ctx, userID, event)
		if err == nil {
			return
		}
		h.logger.Warn("failed to publish chat event, delivering locally", zap.Error(err))
	}
	h.deliver(userID, NewMessage(TypeChatUpdated, event))
}

// deliver 把消息投递给本实例上该用户的所有连接
func (h *Hub) deliver(userID string, msg *Message) {
	h.mu.RLock()
	clients := append([]*Client(nil), h.clients[userID]...)
	h.mu.RUnlock()

	for _, c := range clients {
		c.SendMessage(msg)
	}
}

// subscribe 接收其他实例发布的用户事件
func (h *Hub) subscribe(ctx context.Context) {
	pubsub := h.bus.SubscribeUserEvents(ctx)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			userID, ok := cache.UserIDFromChannel(msg.Channel)
			if !ok {
				continue
			}
			h.deliver(userID, NewMessage(TypeChatUpdated, json.RawMessage(msg.Payload)))
		}
	}
}

// runTurn 在连接上执行一轮对话
func (h *Hub) runTurn(c *Client, payload *ChatSendPayload, messageID string) {
	sink := &wsSink{client: c, messageID: messageID}
	result, err := h.relay.Relay(c.ctx, &service.TurnRequest{
		UserID:  c.userID,
		ChatID:  payload.ChatID,
		Message: payload.Message,
		Params:  payload.Overrides,
		// 连接已经通过 Token 认证
		RequireOwner: true,
	}, sink)
	if err != nil {
		errPayload := &ErrorPayload{Code: relayErrorCode(err), Message: err.Error()}
		if result != nil {
			errPayload.ChatID = result.ChatID
		}
		c.SendMessage(NewMessageWithID(TypeError, errPayload, messageID))
		return
	}

	if result.ClientGone {
		return
	}

	done := &ChatDonePayload{
		ChatID: result.ChatID,
		State:  string(result.State),
		Saved:  result.AssistantMessage != nil,
	}
	if result.StreamErr != nil {
		done.Error = result.StreamErr.Error()
	}
	if err := c.WriteMessage(NewMessageWithID(TypeChatDone, done, messageID)); err != nil {
		c.logger.Debug("failed to send chat:done", zap.Error(err))
	}
}

// relayErrorCode 对话错误对应的状态码，与 HTTP 接口保持一致
func relayErrorCode(err error) int {
	switch {
	case errors.Is(err, service.ErrMissingUser):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrEmptyMessage):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrChatNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrNoPermission):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
