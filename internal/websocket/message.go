// Package websocket 提供 WebSocket 通信功能
// 实现对话的流式推送以及同一用户多个连接之间的会话变更通知
package websocket

import (
	"encoding/json"
	"time"

	"aditi-chat-server/internal/inference"
)

// MessageType 消息类型常量
const (
	// 客户端 → 服务端
	TypeHeartbeat = "heartbeat" // 心跳
	TypeChatSend  = "chat:send" // 发送一条消息

	// 服务端 → 客户端
	TypeChatStart   = "chat:start"   // 会话已确定，开始输出
	TypeChatDelta   = "chat:delta"   // 增量文本
	TypeChatDone    = "chat:done"    // 本轮结束
	TypeChatUpdated = "chat:updated" // 会话有变化（可能来自其他连接）

	// 通用
	TypeError = "error" // 错误消息
	TypePong  = "pong"  // 心跳响应
)

// Message WebSocket 消息结构
// 所有消息都使用这个统一的结构
type Message struct {
	Type      string      `json:"type"`                 // 消息类型
	Payload   interface{} `json:"payload"`              // 消息内容
	Timestamp int64       `json:"timestamp"`            // 时间戳（毫秒）
	MessageID string      `json:"message_id,omitempty"` // 消息ID，回显客户端请求的ID
}

// inboundMessage 客户端发来的消息，Payload 按类型延迟解析
type inboundMessage struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	MessageID string          `json:"message_id,omitempty"`
}

// NewMessage 创建新消息
func NewMessage(msgType string, payload interface{}) *Message {
	return &Message{
		Type:      msgType,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	}
}

// NewMessageWithID 创建带消息ID的新消息
func NewMessageWithID(msgType string, payload interface{}, messageID string) *Message {
	return &Message{
		Type:      msgType,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
		MessageID: messageID,
	}
}

// ==================== Payload 类型定义 ====================

// ChatSendPayload 发送消息
// ChatID 为空时创建新会话
type ChatSendPayload struct {
	ChatID  string `json:"chat_id,omitempty"`
	Message string `json:"message"`
	inference.Overrides
}

// ChatStartPayload 开始输出
type ChatStartPayload struct {
	ChatID string `json:"chat_id"`
}

// ChatDeltaPayload 增量文本
type ChatDeltaPayload struct {
	ChatID string `json:"chat_id"`
	Delta  string `json:"delta"`
}

// ChatDonePayload 本轮结束
type ChatDonePayload struct {
	ChatID string `json:"chat_id"`
	State  string `json:"state"`           // completed / interrupted
	Saved  bool   `json:"saved"`           // 助手回复是否已保存
	Error  string `json:"error,omitempty"` // 中断原因
}

// ErrorPayload 错误消息 Payload
type ErrorPayload struct {
	Code    int    `json:"code"`              // 错误码，与 HTTP 接口的状态码一致
	Message string `json:"message"`           // 错误信息
	ChatID  string `json:"chat_id,omitempty"` // 已确定的会话
}
