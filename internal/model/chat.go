package model

import (
	"time"
)

// Chat 会话模型
// 对应数据库表 chats
// 在用户发送第一条消息时创建，创建后标题不再变化
type Chat struct {
	// ID 会话标识，UUID 字符串
	ID string `gorm:"primaryKey;size:36" json:"id"`

	// UserID 所属用户的对外标识（users.username）
	UserID string `gorm:"size:64;index:idx_chats_user_updated,priority:1;not null" json:"user_id"`

	// Title 会话标题，取第一条消息的前若干个字符
	Title string `gorm:"size:255;not null" json:"title"`

	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt 最近一次追加消息的时间，会话列表按它倒序
	UpdatedAt time.Time `gorm:"index:idx_chats_user_updated,priority:2" json:"updated_at"`

	// Messages 会话内的消息（一对多关系）
	Messages []Message `gorm:"foreignKey:ChatID;constraint:OnDelete:CASCADE" json:"messages,omitempty"`
}

// TableName 指定表名
func (Chat) TableName() string {
	return "chats"
}
