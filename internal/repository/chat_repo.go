package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"aditi-chat-server/internal/model"
)

// ErrChatNotFound 向不存在的会话写入或读取
var ErrChatNotFound = errors.New("会话不存在")

// ChatRepository 会话数据访问层
type ChatRepository struct {
	db *gorm.DB
}

// NewChatRepository 创建 ChatRepository 实例
func NewChatRepository(db *gorm.DB) *ChatRepository {
	return &ChatRepository{db: db}
}

// CreateWithMessage 在同一个事务中创建会话和它的第一条消息
// 会话永远不会在没有消息的情况下单独存在
// 参数:
//   - ctx: 上下文
//   - chat: 会话对象，ID 必须已由调用方生成
//   - first: 第一条消息，ChatID 与时间字段由这里填充
//
// 返回:
//   - error: 数据库错误
func (r *ChatRepository) CreateWithMessage(ctx context.Context, chat *model.Chat, first *model.Message) error {
	now := messageClock()
	chat.CreatedAt = now
	chat.UpdatedAt = now
	first.ChatID = chat.ID
	first.CreatedAt = now

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit("Messages").Create(chat).Error; err != nil {
			return err
		}
		return tx.Create(first).Error
	})
}

// GetByID 根据 ID 获取会话
// 参数:
//   - ctx: 上下文
//   - id: 会话ID
//
// 返回:
//   - *model.Chat: 会话对象，未找到返回 nil
//   - error: 数据库错误
func (r *ChatRepository) GetByID(ctx context.Context, id string) (*model.Chat, error) {
	var chat model.Chat
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&chat).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &chat, nil
}

// ListByUser 分页获取用户的会话，最近有消息的排在前面
// 参数:
//   - ctx: 上下文
//   - userID: 用户标识
//   - page: 页码，从 1 开始
//   - pageSize: 每页数量
//
// 返回:
//   - []model.Chat: 会话列表
//   - int64: 总数量
//   - error: 数据库错误
func (r *ChatRepository) ListByUser(ctx context.Context, userID string, page, pageSize int) ([]model.Chat, int64, error) {
	var chats []model.Chat
	var total int64

	query := r.db.WithContext(ctx).Model(&model.Chat{}).Where("user_id = ?", userID)
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	offset := (page - 1) * pageSize
	err := query.
		Order("updated_at DESC").
		Order("id DESC").
		Offset(offset).
		Limit(pageSize).
		Find(&chats).Error

	return chats, total, err
}

// Delete 删除会话及其所有消息
func (r *ChatRepository) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("chat_id = ?", id).Delete(&model.Message{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).Delete(&model.Chat{}).Error
	})
}
