// Package service 提供业务逻辑层的实现
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"aditi-chat-server/internal/inference"
	"aditi-chat-server/internal/model"
	"aditi-chat-server/internal/prompt"
	"aditi-chat-server/internal/repository"
	"aditi-chat-server/pkg/util"
)

// 对话转发错误
var (
	ErrMissingUser        = errors.New("缺少用户标识")
	ErrEmptyMessage       = errors.New("消息内容不能为空")
	ErrChatNotFound       = repository.ErrChatNotFound
	ErrBackendUnavailable = inference.ErrBackendUnavailable
	ErrStreamInterrupted  = inference.ErrStreamInterrupted
	ErrPersistenceFailure = errors.New("消息保存失败")
)

// TurnState 一轮对话的状态
type TurnState string

const (
	TurnIdle          TurnState = "idle"
	TurnChatResolved  TurnState = "chat_resolved"
	TurnUserPersisted TurnState = "user_turn_persisted"
	TurnGenerating    TurnState = "generating"
	TurnCompleted     TurnState = "completed"
	TurnInterrupted   TurnState = "interrupted"
	TurnFailed        TurnState = "failed"
)

// ChatStore 转发需要的会话存储操作
type ChatStore interface {
	CreateWithMessage(ctx context.Context, chat *model.Chat, first *model.Message) error
	GetByID(ctx context.Context, id string) (*model.Chat, error)
}

// MessageStore 转发需要的消息存储操作
type MessageStore interface {
	Append(ctx context.Context, chatID, role, content string) (*model.Message, error)
	ListByChat(ctx context.Context, chatID string) ([]model.Message, error)
}

// PromptAssembler 把历史组装成提示词
type PromptAssembler interface {
	Assemble(history []prompt.Turn) string
}

// Sink 文本块的输出端
// 每次 Write 都应当立即送达客户端，返回错误表示客户端已经不可写
type Sink interface {
	// Begin 在第一个文本块之前调用一次，用于提交响应头
	Begin(chatID string) error
	Write(chunk string) error
}

// PersistenceFailure 未能保存的助手回复
type PersistenceFailure struct {
	ChatID   string    `json:"chat_id"`
	UserID   string    `json:"user_id"`
	Role     string    `json:"role"`
	Content  string    `json:"content"`
	Error    string    `json:"error"`
	Attempts int       `json:"attempts"`
	FailedAt time.Time `json:"failed_at"`
	// ReplyTo 这条回复对应的用户消息ID，会话之后又有新消息时不再补写
	ReplyTo int64 `json:"reply_to,omitempty"`
}

// FailureReporter 接收保存失败的回复，交给队列或监控处理
type FailureReporter interface {
	ReportPersistenceFailure(ctx context.Context, f *PersistenceFailure) error
}

// TurnNotifier 在会话变化后通知用户的其他连接
type TurnNotifier interface {
	NotifyChatUpdated(ctx context.Context, userID string, event *ChatEvent)
}

// ChatEvent 会话变化事件
type ChatEvent struct {
	ChatID  string    `json:"chat_id"`
	Title   string    `json:"title,omitempty"`
	Created bool      `json:"created"`
	State   TurnState `json:"state"`
	At      time.Time `json:"at"`
}

// TurnRequest 一次对话请求
type TurnRequest struct {
	UserID  string
	ChatID  string
	Message string
	Params  inference.Overrides
	// RequireOwner 为 true 时只能向自己的会话追加消息
	// 通过 Token 认证的请求会设置它
	RequireOwner bool
}

// TurnResult 一轮对话的结果
type TurnResult struct {
	ChatID           string
	ChatCreated      bool
	Title            string
	State            TurnState
	UserMessage      *model.Message
	AssistantMessage *model.Message
	// Text 已发送给客户端的全部文本
	Text string
	// Chunks 已发送的文本块数量
	Chunks int
	// StreamErr 中断原因：后端中断或客户端写入失败
	StreamErr error
	// ClientGone 中断是否由客户端写入失败引起
	ClientGone bool
	// PersistErr 保存助手回复失败的原因
	PersistErr error
}

// RelayOptions 转发服务的可调参数
type RelayOptions struct {
	TitleLength    int
	PersistTimeout time.Duration
}

// RelayService 对话转发服务
// 保存用户消息，调用推理后端，把输出同时写给客户端和累加器，结束后保存助手回复
type RelayService struct {
	chats     ChatStore
	messages  MessageStore
	assembler PromptAssembler
	backend   inference.Client
	reporter  FailureReporter
	notifier  TurnNotifier
	logger    *zap.Logger
	opts      RelayOptions
}

// NewRelayService 创建 RelayService 实例
// reporter 和 notifier 可以为 nil
func NewRelayService(
	chats ChatStore,
	messages MessageStore,
	assembler PromptAssembler,
	backend inference.Client,
	reporter FailureReporter,
	notifier TurnNotifier,
	logger *zap.Logger,
	opts RelayOptions,
) *RelayService {
	if opts.TitleLength <= 0 {
		opts.TitleLength = 50
	}
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RelayService{
		chats:     chats,
		messages:  messages,
		assembler: assembler,
		backend:   backend,
		reporter:  reporter,
		notifier:  notifier,
		logger:    logger,
		opts:      opts,
	}
}

// SetNotifier 设置会话变化通知器
// WebSocket Hub 依赖 RelayService，因此在 Hub 创建后再注入
func (s *RelayService) SetNotifier(n TurnNotifier) {
	s.notifier = n
}

// ChatTitle 根据第一条消息生成会话标题
func ChatTitle(message string, length int) string {
	return util.TruncateRunes(message, length) + "..."
}

// Relay 执行一轮对话
// 参数:
//   - ctx: 请求上下文，客户端断开时取消
//   - req: 对话请求
//   - sink: 文本输出端
//
// 返回:
//   - *TurnResult: 已确定会话时总是非 nil，失败时携带 ChatID 供调用方回传
//   - error: 开始输出之前的失败（ErrMissingUser / ErrEmptyMessage / ErrChatNotFound /
//     ErrBackendUnavailable / ErrPersistenceFailure）；开始输出之后总是返回 nil，
//     中断和保存失败记录在 TurnResult 中
func (s *RelayService) Relay(ctx context.Context, req *TurnRequest, sink Sink) (*TurnResult, error) {
	if req.UserID == "" {
		return nil, ErrMissingUser
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, ErrEmptyMessage
	}

	result, err := s.persistUserTurn(ctx, req)
	if err != nil {
		return result, err
	}
	log := s.logger.With(zap.String("chat_id", result.ChatID), zap.String("user_id", req.UserID))

	history, err := s.messages.ListByChat(ctx, result.ChatID)
	if err != nil {
		result.State = TurnFailed
		return result, fmt.Errorf("%w: list history: %v", ErrPersistenceFailure, err)
	}

	promptText := s.assembler.Assemble(toTurns(history))

	stream, err := s.backend.Generate(ctx, promptText, req.Params.Resolve())
	if err != nil {
		result.State = TurnFailed
		log.Warn("backend unavailable", zap.Error(err))
		s.notify(ctx, req.UserID, result)
		return result, err
	}

	result.State = TurnGenerating
	if err := s.tee(stream, sink, result); err != nil {
		result.State = TurnFailed
		log.Warn("backend unavailable", zap.Error(err))
		s.notify(ctx, req.UserID, result)
		return result, err
	}

	switch result.State {
	case TurnCompleted:
		log.Info("turn completed", zap.Int("chunks", result.Chunks), zap.Int("bytes", len(result.Text)))
	case TurnInterrupted:
		log.Warn("turn interrupted",
			zap.Int("chunks", result.Chunks),
			zap.Bool("client_gone", result.ClientGone),
			zap.Error(result.StreamErr))
	}

	s.persistAssistantTurn(ctx, req.UserID, result, log)
	s.notify(ctx, req.UserID, result)
	return result, nil
}

// persistUserTurn 确定会话并同步保存用户消息
func (s *RelayService) persistUserTurn(ctx context.Context, req *TurnRequest) (*TurnResult, error) {
	result := &TurnResult{State: TurnIdle}

	if req.ChatID == "" {
		chat := &model.Chat{
			ID:     util.GenerateUUID(),
			UserID: req.UserID,
			Title:  ChatTitle(req.Message, s.opts.TitleLength),
		}
		userMsg := &model.Message{Role: model.MessageRoleUser, Content: req.Message}
		if err := s.chats.CreateWithMessage(ctx, chat, userMsg); err != nil {
			result.State = TurnFailed
			return result, fmt.Errorf("%w: create chat: %v", ErrPersistenceFailure, err)
		}
		result.ChatID = chat.ID
		result.ChatCreated = true
		result.Title = chat.Title
		result.UserMessage = userMsg
		result.State = TurnUserPersisted
		return result, nil
	}

	if req.RequireOwner {
		chat, err := s.chats.GetByID(ctx, req.ChatID)
		if err != nil {
			result.State = TurnFailed
			return result, fmt.Errorf("%w: load chat: %v", ErrPersistenceFailure, err)
		}
		if chat == nil {
			result.State = TurnFailed
			return result, ErrChatNotFound
		}
		if chat.UserID != req.UserID {
			result.State = TurnFailed
			return result, ErrNoPermission
		}
	}

	result.ChatID = req.ChatID
	result.State = TurnChatResolved

	userMsg, err := s.messages.Append(ctx, req.ChatID, model.MessageRoleUser, req.Message)
	if err != nil {
		result.State = TurnFailed
		if errors.Is(err, ErrChatNotFound) {
			return result, ErrChatNotFound
		}
		return result, fmt.Errorf("%w: append user message: %v", ErrPersistenceFailure, err)
	}
	result.UserMessage = userMsg
	result.State = TurnUserPersisted
	return result, nil
}

// tee 逐块读取后端输出：写给客户端、刷新、再追加到累加器
// 只有在第一个字节发出之前后端就失败时才返回错误，此时一律视为后端不可用
func (s *RelayService) tee(stream inference.Stream, sink Sink, result *TurnResult) error {
	defer stream.Close()

	var acc strings.Builder
	begun := false
	defer func() { result.Text = acc.String() }()

	for {
		chunk, err := stream.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				result.State = TurnCompleted
				break
			}
			if !begun {
				if errors.Is(err, ErrBackendUnavailable) {
					return err
				}
				return fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
			}
			result.State = TurnInterrupted
			result.StreamErr = err
			break
		}

		if !begun {
			begun = true
			if err := sink.Begin(result.ChatID); err != nil {
				result.State = TurnInterrupted
				result.StreamErr = err
				result.ClientGone = true
				return nil
			}
		}

		if err := sink.Write(chunk); err != nil {
			result.State = TurnInterrupted
			result.StreamErr = err
			result.ClientGone = true
			return nil
		}
		acc.WriteString(chunk)
		result.Chunks++
	}

	if !begun {
		// 后端正常结束但没有任何输出，仍然提交响应头
		if err := sink.Begin(result.ChatID); err != nil {
			result.ClientGone = true
		}
	}
	return nil
}

// persistAssistantTurn 保存助手回复
// 使用脱离请求的上下文，客户端断开后仍然写入
// 失败只记录日志并上报，不影响已经发出的内容
func (s *RelayService) persistAssistantTurn(ctx context.Context, userID string, result *TurnResult, log *zap.Logger) {
	if strings.TrimSpace(result.Text) == "" {
		return
	}

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.PersistTimeout)
	defer cancel()

	msg, err := s.messages.Append(persistCtx, result.ChatID, model.MessageRoleAssistant, result.Text)
	if err == nil {
		result.AssistantMessage = msg
		return
	}

	result.PersistErr = fmt.Errorf("%w: %v", ErrPersistenceFailure, err)
	log.Error("failed to persist assistant message",
		zap.String("state", string(result.State)),
		zap.Int("bytes", len(result.Text)),
		zap.Error(err))

	if s.reporter == nil {
		return
	}
	failure := &PersistenceFailure{
		ChatID:   result.ChatID,
		UserID:   userID,
		Role:     model.MessageRoleAssistant,
		Content:  result.Text,
		Error:    err.Error(),
		Attempts: 1,
		FailedAt: time.Now(),
	}
	if result.UserMessage != nil {
		failure.ReplyTo = result.UserMessage.ID
	}

	// 保存失败通常是因为 persistCtx 已经超时，上报使用新的上下文
	reportCtx, cancelReport := context.WithTimeout(context.WithoutCancel(ctx), s.opts.PersistTimeout)
	defer cancelReport()
	if rerr := s.reporter.ReportPersistenceFailure(reportCtx, failure); rerr != nil {
		log.Error("failed to report persistence failure", zap.Error(rerr))
	}
}

func (s *RelayService) notify(ctx context.Context, userID string, result *TurnResult) {
	if s.notifier == nil || result.UserMessage == nil {
		return
	}
	s.notifier.NotifyChatUpdated(context.WithoutCancel(ctx), userID, &ChatEvent{
		ChatID:  result.ChatID,
		Title:   result.Title,
		Created: result.ChatCreated,
		State:   result.State,
		At:      time.Now(),
	})
}

// toTurns 把消息转换为提示词发言
func toTurns(messages []model.Message) []prompt.Turn {
	turns := make([]prompt.Turn, len(messages))
	for i, m := range messages {
		turns[i] = prompt.Turn{Role: m.Role, Content: m.Content}
	}
	return turns
}
