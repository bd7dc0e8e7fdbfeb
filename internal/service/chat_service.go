package service

import (
	"context"
	"errors"
	"time"

	"aditi-chat-server/internal/model"
	"aditi-chat-server/internal/repository"
)

// ErrNoPermission 访问不属于自己的会话
var ErrNoPermission = errors.New("无权访问该会话")

// ChatService 会话历史服务
// 提供会话列表、消息历史和删除
type ChatService struct {
	chatRepo    *repository.ChatRepository
	messageRepo *repository.MessageRepository
	listLimit   int
}

// NewChatService 创建 ChatService 实例
// listLimit 是每页会话数量的上限
func NewChatService(chatRepo *repository.ChatRepository, messageRepo *repository.MessageRepository, listLimit int) *ChatService {
	if listLimit <= 0 {
		listLimit = 50
	}
	return &ChatService{
		chatRepo:    chatRepo,
		messageRepo: messageRepo,
		listLimit:   listLimit,
	}
}

// ChatResponse 会话列表项
type ChatResponse struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// MessageResponse 消息
type MessageResponse struct {
	ID        int64  `json:"id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
}

// ChatHistoryResponse 会话及其全部消息
type ChatHistoryResponse struct {
	Chat     ChatResponse      `json:"chat"`
	Messages []MessageResponse `json:"messages"`
}

// ListChats 分页获取用户的会话列表
// 参数:
//   - ctx: 上下文
//   - userID: 用户标识
//   - page: 页码，小于 1 时按 1 处理
//   - pageSize: 每页数量，超过上限时按上限处理
//
// 返回:
//   - []ChatResponse: 会话列表，最近活跃的在前
//   - int64: 总数量
//   - error: 数据库错误
func (s *ChatService) ListChats(ctx context.Context, userID string, page, pageSize int) ([]ChatResponse, int64, error) {
	if userID == "" {
		return nil, 0, ErrMissingUser
	}
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 || pageSize > s.listLimit {
		pageSize = s.listLimit
	}

	chats, total, err := s.chatRepo.ListByUser(ctx, userID, page, pageSize)
	if err != nil {
		return nil, 0, err
	}

	result := make([]ChatResponse, 0, len(chats))
	for i := range chats {
		result = append(result, toChatResponse(&chats[i]))
	}
	return result, total, nil
}

// GetHistory 获取会话的全部消息
// 会话不存在返回 ErrChatNotFound，属于其他用户返回 ErrNoPermission
func (s *ChatService) GetHistory(ctx context.Context, userID, chatID string) (*ChatHistoryResponse, error) {
	chat, err := s.ownedChat(ctx, userID, chatID)
	if err != nil {
		return nil, err
	}

	messages, err := s.messageRepo.ListByChat(ctx, chatID)
	if err != nil {
		return nil, err
	}

	history := &ChatHistoryResponse{
		Chat:     toChatResponse(chat),
		Messages: make([]MessageResponse, 0, len(messages)),
	}
	for _, m := range messages {
		history.Messages = append(history.Messages, MessageResponse{
			ID:        m.ID,
			Role:      m.Role,
			Content:   m.Content,
			CreatedAt: m.CreatedAt.Format(time.RFC3339Nano),
		})
	}
	return history, nil
}

// DeleteChat 删除会话及其消息
func (s *ChatService) DeleteChat(ctx context.Context, userID, chatID string) error {
	if _, err := s.ownedChat(ctx, userID, chatID); err != nil {
		return err
	}
	return s.chatRepo.Delete(ctx, chatID)
}

func (s *ChatService) ownedChat(ctx context.Context, userID, chatID string) (*model.Chat, error) {
	if userID == "" {
		return nil, ErrMissingUser
	}
	chat, err := s.chatRepo.GetByID(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if chat == nil {
		return nil, ErrChatNotFound
	}
	if chat.UserID != userID {
		return nil, ErrNoPermission
	}
	return chat, nil
}

func toChatResponse(chat *model.Chat) ChatResponse {
	return ChatResponse{
		ID:        chat.ID,
		Title:     chat.Title,
		CreatedAt: chat.CreatedAt.Format(time.RFC3339Nano),
		UpdatedAt: chat.UpdatedAt.Format(time.RFC3339Nano),
	}
}
