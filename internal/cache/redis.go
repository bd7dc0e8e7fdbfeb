// Package cache 提供 Redis 缓存操作的封装
// 处理 JWT 黑名单、OAuth state、持久化失败的死信队列以及跨实例的事件广播
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"aditi-chat-server/internal/config"
	"aditi-chat-server/internal/service"
)

const (
	deadLetterKey       = "relay:dead_letters"
	persistFailureTopic = "relay:persist_failures"
	userEventPattern    = "user:*:events"
)

// RedisCache 封装 Redis 客户端，提供业务相关的缓存操作
type RedisCache struct {
	client *redis.Client // Redis 客户端实例
}

// NewRedisCache 创建 RedisCache 实例
// 参数:
//   - cfg: 应用配置（包含 Redis 连接信息）
//
// 返回:
//   - *RedisCache: 缓存实例
//   - error: 连接错误
func NewRedisCache(cfg *config.Config) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
		Username: cfg.Redis.Username,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})

	// 测试连接
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisCache{client: client}, nil
}

// Close 关闭 Redis 连接
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// Ping 检查 Redis 连接
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// ==================== JWT 黑名单 ====================
// 用于实现 Token 强制失效（登出）功能

// BlacklistToken 将 Token 加入黑名单
// 登出时调用，使当前 Token 失效
// 参数:
//   - ctx: 上下文
//   - tokenHash: Token 的哈希值（不存储原始 Token）
//   - expireAt: Token 的原始过期时间
//
// 返回:
//   - error: Redis 操作错误
func (c *RedisCache) BlacklistToken(ctx context.Context, tokenHash string, expireAt time.Time) error {
	ttl := time.Until(expireAt)
	if ttl <= 0 {
		// Token 已过期，无需加入黑名单
		return nil
	}

	// TTL 与 Token 剩余有效期一致，过期后自动删除
	return c.client.Set(ctx, fmt.Sprintf("jwt:blacklist:%s", tokenHash), "1", ttl).Err()
}

// IsTokenBlacklisted 检查 Token 是否在黑名单中
// JWT 验证中间件调用
func (c *RedisCache) IsTokenBlacklisted(ctx context.Context, tokenHash string) bool {
	return c.client.Exists(ctx, fmt.Sprintf("jwt:blacklist:%s", tokenHash)).Val() > 0
}

// ==================== OAuth state ====================

// SaveOAuthState 保存 OAuth 授权跳转时生成的 state
func (c *RedisCache) SaveOAuthState(ctx context.Context, state string, ttl time.Duration) error {
	return c.client.Set(ctx, fmt.Sprintf("oauth:state:%s", state), "1", ttl).Err()
}

// ConsumeOAuthState 校验并删除 state，每个 state 只能使用一次
// 返回:
//   - bool: state 是否存在
//   - error: Redis 操作错误
func (c *RedisCache) ConsumeOAuthState(ctx context.Context, state string) (bool, error) {
	err := c.client.GetDel(ctx, fmt.Sprintf("oauth:state:%s", state)).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ==================== 持久化失败死信 ====================

// ReportPersistenceFailure 记录一条没能写入数据库的消息
// 消息进入死信列表等待补写，同时广播给运维订阅者
// 参数:
//   - ctx: 上下文
//   - failure: 失败的消息
//
// 返回:
//   - error: Redis 操作错误
func (c *RedisCache) ReportPersistenceFailure(ctx context.Context, failure *service.PersistenceFailure) error {
	data, err := json.Marshal(failure)
	if err != nil {
		return err
	}

	pipe := c.client.Pipeline()
	pipe.LPush(ctx, deadLetterKey, data)
	pipe.Publish(ctx, persistFailureTopic, data)
	_, err = pipe.Exec(ctx)
	return err
}

// PopPersistenceFailure 取出最早的一条死信
// 队列为空时最多阻塞 timeout，超时返回 (nil, nil)
func (c *RedisCache) PopPersistenceFailure(ctx context.Context, timeout time.Duration) (*service.PersistenceFailure, error) {
	result, err := c.client.BRPop(ctx, timeout, deadLetterKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	// BRPOP 返回 [key, value]
	var failure service.PersistenceFailure
	if err := json.Unmarshal([]byte(result[1]), &failure); err != nil {
		return nil, fmt.Errorf("decode dead letter: %w", err)
	}
	return &failure, nil
}

// ==================== Pub/Sub ====================
// 用于多服务实例间的消息广播

// PublishUserEvent 发布用户事件
// 参数:
//   - ctx: 上下文
//   - userID: 用户标识
//   - event: 事件内容（会被 JSON 序列化）
//
// 返回:
//   - error: Redis 操作错误
func (c *RedisCache) PublishUserEvent(ctx context.Context, userID string, event interface{}) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return c.client.Publish(ctx, userEventChannel(userID), data).Err()
}

// SubscribeUserEvents 订阅所有用户的事件
// 返回 PubSub 对象，调用方负责关闭
func (c *RedisCache) SubscribeUserEvents(ctx context.Context) *redis.PubSub {
	return c.client.PSubscribe(ctx, userEventPattern)
}

// UserIDFromChannel 从事件频道名中取出用户标识
func UserIDFromChannel(channel string) (string, bool) {
	if !strings.HasPrefix(channel, "user:") || !strings.HasSuffix(channel, ":events") {
		return "", false
	}
	userID := strings.TrimSuffix(strings.TrimPrefix(channel, "user:"), ":events")
	return userID, userID != ""
}

func userEventChannel(userID string) string {
	return fmt.Sprintf("user:%s:events", userID)
}
