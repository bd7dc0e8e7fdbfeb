// Package wsclient 处理与服务器的 WebSocket 连接
package wsclient

import (
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// 消息类型常量，与服务端一致
const (
	TypeHeartbeat = "heartbeat"
	TypePong      = "pong"

	TypeChatSend    = "chat:send"
	TypeChatStart   = "chat:start"
	TypeChatDelta   = "chat:delta"
	TypeChatDone    = "chat:done"
	TypeChatUpdated = "chat:updated"
	TypeError       = "error"
)

// heartbeatInterval 心跳间隔
const heartbeatInterval = 30 * time.Second

// Message WebSocket 消息结构
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	MessageID string          `json:"message_id,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// DecodePayload 解析消息内容
func (m *Message) DecodePayload(v interface{}) error {
	return json.Unmarshal(m.Payload, v)
}

// ChatSendPayload 发送消息
// 生成参数为空时使用服务器默认值
type ChatSendPayload struct {
	ChatID  string `json:"chat_id,omitempty"`
	Message string `json:"message"`

	MaxNewTokens *int     `json:"max_new_tokens,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty"`
}

// ChatDeltaPayload 增量文本
type ChatDeltaPayload struct {
	ChatID string `json:"chat_id"`
	Delta  string `json:"delta"`
}

// ChatDonePayload 本轮结束
type ChatDonePayload struct {
	ChatID string `json:"chat_id"`
	State  string `json:"state"`
	Saved  bool   `json:"saved"`
	Error  string `json:"error,omitempty"`
}

// ChatUpdatedPayload 会话变更
type ChatUpdatedPayload struct {
	ChatID  string `json:"chat_id"`
	Title   string `json:"title,omitempty"`
	Created bool   `json:"created"`
	State   string `json:"state"`
}

// ErrorPayload 错误
type ErrorPayload struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	ChatID  string `json:"chat_id,omitempty"`
}

// Client WebSocket 客户端
type Client struct {
	conn      *websocket.Conn
	serverURL string
	sendChan  chan []byte
	done      chan struct{}
	mu        sync.Mutex
	isRunning bool
	onMessage func(*Message) // 消息回调
	onClose   func()         // 连接关闭回调
}

// NewClient 创建 WebSocket 客户端
// serverURL: HTTP 服务器地址（如 http://localhost:8080）
// token: 访问令牌
func NewClient(serverURL, token string) *Client {
	// 将 HTTP URL 转换为 WebSocket URL
	wsURL := strings.Replace(serverURL, "http://", "ws://", 1)
	wsURL = strings.Replace(wsURL, "https://", "wss://", 1)
	wsURL = fmt.Sprintf("%s/ws/chat?token=%s", wsURL, url.QueryEscape(token))

	return &Client{
		serverURL: wsURL,
		sendChan:  make(chan []byte, 256),
		done:      make(chan struct{}),
	}
}

// OnMessage 设置消息回调，在读协程中调用
func (c *Client) OnMessage(handler func(*Message)) {
	c.onMessage = handler
}

// OnClose 设置连接关闭回调
func (c *Client) OnClose(handler func()) {
	c.onClose = handler
}

// Done 连接关闭后关闭的通道
func (c *Client) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Connect 连接到服务器
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.isRunning {
		c.mu.Unlock()
		return fmt.Errorf("客户端已在运行")
	}
	c.mu.Unlock()

	// 建立 WebSocket 连接
	conn, resp, err := websocket.DefaultDialer.Dial(c.serverURL, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("连接失败: HTTP %d", resp.StatusCode)
		}
		return fmt.Errorf("连接失败: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.isRunning = true
	c.done = make(chan struct{})
	c.mu.Unlock()

	// 启动读写协程
	go c.readPump()
	go c.writePump()

	return nil
}

// Disconnect 断开连接
func (c *Client) Disconnect() {
	c.mu.Lock()
	if !c.isRunning {
		c.mu.Unlock()
		return
	}

	c.isRunning = false
	close(c.done)

	if c.conn != nil {
		// 发送关闭帧
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.conn.Close()
	}
	c.mu.Unlock()

	if c.onClose != nil {
		c.onClose()
	}
}

// Send 发送消息
func (c *Client) Send(msgType string, payload interface{}, messageID string) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(&Message{
		Type:      msgType,
		Payload:   raw,
		MessageID: messageID,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}

	select {
	case c.sendChan <- data:
		return nil
	case <-c.Done():
		return fmt.Errorf("连接已关闭")
	default:
		return fmt.Errorf("发送缓冲区已满")
	}
}

// readPump 读取消息
func (c *Client) readPump() {
	defer c.Disconnect()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Printf("[WS] 读取错误: %v", err)
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("[WS] 解析消息失败: %v", err)
			continue
		}

		if c.onMessage != nil {
			c.onMessage(&msg)
		}
	}
}

// writePump 写入消息
func (c *Client) writePump() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	done := c.Done()
	for {
		select {
		case <-done:
			return

		case data := <-c.sendChan:
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Printf("[WS] 发送消息失败: %v", err)
				c.Disconnect()
				return
			}

		case <-ticker.C:
			// 发送心跳
			if err := c.Send(TypeHeartbeat, nil, ""); err != nil {
				return
			}
		}
	}
}

// IsRunning 检查是否正在运行
func (c *Client) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isRunning
}
