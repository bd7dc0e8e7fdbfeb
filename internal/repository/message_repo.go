// Package repository 提供数据访问层的实现
package repository

import (
	"context"
	"sync"
	"time"

	"gorm.io/gorm"

	"aditi-chat-server/internal/model"
)

// messageTick 同一会话内相邻两条消息的最小时间间隔
// MySQL 的 DATETIME(3) 只保存到毫秒
const messageTick = time.Millisecond

// messageClock 返回截断到毫秒的当前时间
var messageClock = func() time.Time {
	return time.Now().Truncate(messageTick)
}

// MessageRepository 消息数据访问层
// 同一会话的追加在进程内串行执行，时间戳严格递增
type MessageRepository struct {
	db    *gorm.DB
	locks *chatLocks
}

// NewMessageRepository 创建 MessageRepository 实例
func NewMessageRepository(db *gorm.DB) *MessageRepository {
	return &MessageRepository{
		db:    db,
		locks: newChatLocks(),
	}
}

// Append 向会话追加一条消息
// 新消息的时间戳至少比会话内最后一条消息晚 1ms，同时刷新会话的 updated_at
// 参数:
//   - ctx: 上下文
//   - chatID: 会话ID
//   - role: 消息角色
//   - content: 消息内容
//
// 返回:
//   - *model.Message: 写入后的消息
//   - error: 会话不存在返回 ErrChatNotFound，其他为数据库错误
func (r *MessageRepository) Append(ctx context.Context, chatID, role, content string) (*model.Message, error) {
	unlock := r.locks.lock(chatID)
	defer unlock()

	msg := &model.Message{
		ChatID:  chatID,
		Role:    role,
		Content: content,
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&model.Chat{}).Where("id = ?", chatID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return ErrChatNotFound
		}

		var last model.Message
		if err := tx.Where("chat_id = ?", chatID).
			Order("created_at DESC").
			Order("id DESC").
			Limit(1).
			Find(&last).Error; err != nil {
			return err
		}

		createdAt := messageClock()
		if last.ID != 0 && !createdAt.After(last.CreatedAt) {
			createdAt = last.CreatedAt.Add(messageTick)
		}
		msg.CreatedAt = createdAt

		if err := tx.Create(msg).Error; err != nil {
			return err
		}

		return tx.Model(&model.Chat{}).
			Where("id = ?", chatID).
			UpdateColumn("updated_at", createdAt).Error
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// ListByChat 获取会话的所有消息
// 按创建时间正序排列，时间相同按 ID
// 参数:
//   - ctx: 上下文
//   - chatID: 会话ID
//
// 返回:
//   - []model.Message: 消息列表
//   - error: 数据库错误
func (r *MessageRepository) ListByChat(ctx context.Context, chatID string) ([]model.Message, error) {
	var messages []model.Message
	err := r.db.WithContext(ctx).
		Where("chat_id = ?", chatID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&messages).Error
	return messages, err
}

// chatLocks 按会话ID分配的互斥锁
// 没有持有者的锁会被回收
type chatLocks struct {
	mu    sync.Mutex
	locks map[string]*chatLock
}

type chatLock struct {
	sync.Mutex
	refs int
}

func newChatLocks() *chatLocks {
	return &chatLocks{locks: make(map[string]*chatLock)}
}

func (l *chatLocks) lock(chatID string) func() {
	l.mu.Lock()
	cl, ok := l.locks[chatID]
	if !ok {
		cl = &chatLock{}
		l.locks[chatID] = cl
	}
	cl.refs++
	l.mu.Unlock()

	cl.Lock()
	return func() {
		cl.Unlock()

		l.mu.Lock()
		cl.refs--
		if cl.refs == 0 {
			delete(l.locks, chatID)
		}
		l.mu.Unlock()
	}
}
