// Package websocket 提供 WebSocket 通信功能
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"aditi-chat-server/internal/service"
)

// Client 表示一个 WebSocket 客户端连接
type Client struct {
	hub    *Hub            // 所属的 Hub
	conn   *websocket.Conn // WebSocket 连接
	send   chan []byte     // 发送消息的通道
	userID string          // 用户标识
	logger *zap.Logger

	mu     sync.Mutex  // 保护写操作的互斥锁，gorilla 连接只允许一个写者
	closed bool        // send 通道是否已关闭
	busy   atomic.Bool // 是否有正在进行的对话

	ctx    context.Context // 连接断开时取消
	cancel context.CancelFunc
}

// 连接配置常量
const (
	// 写超时时间
	writeWait = 10 * time.Second

	// 等待 Pong 响应的超时时间
	pongWait = 60 * time.Second

	// 发送 Ping 的间隔（必须小于 pongWait）
	pingPeriod = (pongWait * 9) / 10

	// 消息最大大小（1MB）
	maxMessageSize = 1024 * 1024
)

// errClientClosed 连接已关闭
var errClientClosed = errors.New("websocket client closed")

// NewClient 创建新的客户端
func NewClient(hub *Hub, conn *websocket.Conn, userID string) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, 256), // 缓冲区大小
		userID: userID,
		logger: hub.logger.With(zap.String("user_id", userID)),
		ctx:    ctx,
		cancel: cancel,
	}
}

// ReadPump 读取 WebSocket 消息的 goroutine
// 每个客户端连接启动一个 ReadPump
func (c *Client) ReadPump() {
	// 确保退出时清理资源
	defer func() {
		c.cancel()
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))

	// 每次收到 Pong，重置读取超时
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, messageBytes, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read error", zap.Error(err))
			}
			break
		}

		var msg inboundMessage
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			c.SendMessage(NewMessage(TypeError, &ErrorPayload{Code: http.StatusBadRequest, Message: "消息格式错误"}))
			continue
		}

		c.handleMessage(&msg)
	}
}

// WritePump 写入 WebSocket 消息的 goroutine
// 负责把 send 通道中的消息写入连接，并定时发送 Ping
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				// send 通道已关闭
				c.writeFrame(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.writeFrame(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			if err := c.writeFrame(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// writeFrame 在写锁内写入一帧
func (c *Client) writeFrame(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(messageType, data)
}

// SendMessage 通过 send 通道异步发送消息
// 通道已满时丢弃，适用于通知类消息
func (c *Client) SendMessage(msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClientClosed
	}

	select {
	case c.send <- data:
		return nil
	default:
		c.logger.Warn("client send buffer full, dropping message", zap.String("type", msg.Type))
		return nil
	}
}

// WriteMessage 同步写入消息，返回写入错误
// 流式输出使用，写失败说明客户端已经不可达
func (c *Client) WriteMessage(msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if c.ctx.Err() != nil {
		return errClientClosed
	}
	return c.writeFrame(websocket.TextMessage, data)
}

// handleMessage 处理接收到的消息
func (c *Client) handleMessage(msg *inboundMessage) {
	switch msg.Type {
	case TypeHeartbeat:
		c.SendMessage(NewMessage(TypePong, nil))

	case TypeChatSend:
		var payload ChatSendPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			c.SendMessage(NewMessageWithID(TypeError, &ErrorPayload{Code: http.StatusBadRequest, Message: "消息格式错误"}, msg.MessageID))
			return
		}
		// 同一连接同时只进行一轮对话
		if !c.busy.CompareAndSwap(false, true) {
			c.SendMessage(NewMessageWithID(TypeError, &ErrorPayload{Code: http.StatusConflict, Message: "上一条消息还在生成中"}, msg.MessageID))
			return
		}
		go func() {
			defer c.busy.Store(false)
			c.hub.runTurn(c, &payload, msg.MessageID)
		}()

	default:
		c.logger.Debug("unknown message type", zap.String("type", msg.Type))
	}
}

// Close 关闭 send 通道，WritePump 随后发送关闭帧并退出
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// wsSink 把对话输出写成 chat:start / chat:delta 消息
type wsSink struct {
	client    *Client
	messageID string
	chatID    string
}

func (s *wsSink) Begin(chatID string) error {
	s.chatID = chatID
	return s.client.WriteMessage(NewMessageWithID(TypeChatStart, &ChatStartPayload{ChatID: chatID}, s.messageID))
}

func (s *wsSink) Write(chunk string) error {
	return s.client.WriteMessage(NewMessageWithID(TypeChatDelta, &ChatDeltaPayload{ChatID: s.chatID, Delta: chunk}, s.messageID))
}

var _ service.Sink = (*wsSink)(nil)
