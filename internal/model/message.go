package model

import (
	"time"
)

// MessageRole 消息角色常量
const (
	MessageRoleUser      = "user"      // 用户消息
	MessageRoleAssistant = "assistant" // 助手回复
)

// Message 消息模型
// 对应数据库表 messages
// 同一会话内按 (created_at, id) 全序排列
type Message struct {
	// ID 消息唯一标识，自增主键
	ID int64 `gorm:"primaryKey" json:"id"`

	// ChatID 所属会话ID
	ChatID string `gorm:"size:36;index:idx_messages_chat_created,priority:1;not null" json:"chat_id"`

	// Role 消息角色: user / assistant
	Role string `gorm:"size:20;not null" json:"role"`

	// Content 消息内容
	Content string `gorm:"type:text;not null" json:"content"`

	// CreatedAt 由仓库层分配，保证同一会话内严格递增
	CreatedAt time.Time `gorm:"index:idx_messages_chat_created,priority:2" json:"created_at"`
}

// TableName 指定表名
func (Message) TableName() string {
	return "messages"
}
