package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// DeadLetterQueue 保存失败消息的队列
type DeadLetterQueue interface {
	FailureReporter
	// PopPersistenceFailure 取出一条失败消息，队列为空时最多等待 timeout 并返回 (nil, nil)
	PopPersistenceFailure(ctx context.Context, timeout time.Duration) (*PersistenceFailure, error)
}

// Replayer 后台补写保存失败的助手回复
type Replayer struct {
	queue       DeadLetterQueue
	messages    MessageStore
	logger      *zap.Logger
	interval    time.Duration
	maxAttempts int
}

// NewReplayer 创建 Replayer 实例
// 参数:
//   - queue: 死信队列
//   - messages: 消息存储
//   - logger: 日志
//   - interval: 队列为空或补写失败后的等待时间
//   - maxAttempts: 超过后丢弃并记录错误日志
func NewReplayer(queue DeadLetterQueue, messages MessageStore, logger *zap.Logger, interval time.Duration, maxAttempts int) *Replayer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Replayer{
		queue:       queue,
		messages:    messages,
		logger:      logger.Named("replayer"),
		interval:    interval,
		maxAttempts: maxAttempts,
	}
}

// Run 持续处理死信，直到 ctx 被取消
func (r *Replayer) Run(ctx context.Context) {
	r.logger.Info("dead letter replayer started", zap.Duration("interval", r.interval))
	for {
		if ctx.Err() != nil {
			r.logger.Info("dead letter replayer stopped")
			return
		}

		retry, err := r.ReplayOne(ctx)
		if err != nil && ctx.Err() == nil {
			r.logger.Warn("replay failed", zap.Error(err))
		}
		if retry {
			select {
			case <-ctx.Done():
			case <-time.After(r.interval):
			}
		}
	}
}

// ReplayOne 处理一条死信
// 返回:
//   - bool: 调用方是否应该等待一个间隔再继续
//   - error: 队列或数据库错误
func (r *Replayer) ReplayOne(ctx context.Context) (bool, error) {
	failure, err := r.queue.PopPersistenceFailure(ctx, r.interval)
	if err != nil {
		return true, err
	}
	if failure == nil {
		return false, nil
	}

	log := r.logger.With(
		zap.String("chat_id", failure.ChatID),
		zap.String("role", failure.Role),
		zap.Int("attempts", failure.Attempts))

	if failure.ReplyTo != 0 {
		stale, err := r.chatMovedOn(ctx, failure)
		if err != nil {
			return r.requeue(ctx, failure, err, log)
		}
		if stale {
			log.Warn("chat has newer messages, dropping reply", zap.Int64("reply_to", failure.ReplyTo))
			return false, nil
		}
	}

	msg, err := r.messages.Append(ctx, failure.ChatID, failure.Role, failure.Content)
	if err == nil {
		log.Info("message replayed", zap.Int64("message_id", msg.ID))
		return false, nil
	}

	if errors.Is(err, ErrChatNotFound) {
		log.Warn("chat deleted, dropping message")
		return false, nil
	}
	return r.requeue(ctx, failure, err, log)
}

// chatMovedOn 会话的最后一条消息是否已经不是这条回复对应的用户消息
// 补写的回复排在最后，会话继续之后再补写会打乱对话顺序
func (r *Replayer) chatMovedOn(ctx context.Context, failure *PersistenceFailure) (bool, error) {
	history, err := r.messages.ListByChat(ctx, failure.ChatID)
	if err != nil {
		return false, err
	}
	if len(history) == 0 {
		return false, nil
	}
	return history[len(history)-1].ID != failure.ReplyTo, nil
}

// requeue 记录失败次数并放回队列，超过上限后丢弃
func (r *Replayer) requeue(ctx context.Context, failure *PersistenceFailure, err error, log *zap.Logger) (bool, error) {
	failure.Attempts++
	failure.Error = err.Error()
	failure.FailedAt = time.Now()
	if failure.Attempts > r.maxAttempts {
		log.Error("giving up on message", zap.Int("bytes", len(failure.Content)), zap.Error(err))
		return false, nil
	}

	if rerr := r.queue.ReportPersistenceFailure(context.WithoutCancel(ctx), failure); rerr != nil {
		log.Error("failed to requeue message", zap.Error(rerr))
	}
	return true, err
}
