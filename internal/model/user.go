// Package model 定义了与数据库表对应的数据结构
package model

import (
	"time"
)

// 用户来源
const (
	UserProviderLocal  = "local"  // 用户名密码注册
	UserProviderGitHub = "github" // GitHub 登录
)

// User 用户模型
// 对应数据库表 users
type User struct {
	// ID 用户唯一标识，自增主键
	ID int64 `gorm:"primaryKey" json:"id"`

	// Username 对外的用户标识，全局唯一
	// 会话的 user_id 字段保存的就是这个值
	Username string `gorm:"size:64;uniqueIndex;not null" json:"username"`

	// Name 显示名称
	Name string `gorm:"size:100" json:"name"`

	// PasswordHash 密码的 bcrypt 哈希值，第三方登录用户为空
	PasswordHash string `gorm:"size:255" json:"-"`

	// Email 用户邮箱，可选
	Email *string `gorm:"size:100;uniqueIndex" json:"email,omitempty"`

	// Avatar 用户头像 URL，可选
	Avatar *string `gorm:"size:500" json:"avatar,omitempty"`

	// Provider 账号来源: local / github
	Provider string `gorm:"size:20;default:local" json:"provider"`

	// Status 账号状态
	// 1: 正常
	// 0: 禁用
	Status int8 `gorm:"default:1" json:"status"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName 指定表名
func (User) TableName() string {
	return "users"
}
