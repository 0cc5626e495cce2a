package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// TokenBlacklist 在 Redis 中记录已注销的 token，过期时间与 token 剩余有效期一致。
type TokenBlacklist struct {
	rdb *redis.Client
}

// NewTokenBlacklist 创建一个新的 TokenBlacklist 实例。
func NewTokenBlacklist(rdb *redis.Client) *TokenBlacklist {
	return &TokenBlacklist{rdb: rdb}
}

func blacklistKey(token string) string {
	return "blacklist:" + token
}

// Add 将 token 加入黑名单。ttl 小于等于 0 时无需记录。
func (b *TokenBlacklist) Add(ctx context.Context, token string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	return b.rdb.Set(ctx, blacklistKey(token), "1", ttl).Err()
}

// Contains 判断 token 是否已被注销。
func (b *TokenBlacklist) Contains(ctx context.Context, token string) (bool, error) {
	n, err := b.rdb.Exists(ctx, blacklistKey(token)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// WebhookDedupe 基于提供方消息 ID 过滤重复投递的 webhook。
type WebhookDedupe struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewWebhookDedupe 创建一个新的 WebhookDedupe 实例，ttl 默认 24 小时。
func NewWebhookDedupe(rdb *redis.Client, ttl time.Duration) *WebhookDedupe {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &WebhookDedupe{rdb: rdb, ttl: ttl}
}

// FirstSeen 在第一次看到 (provider, messageID) 时返回 true。
// messageID 为空时无法去重，总是返回 true。
func (d *WebhookDedupe) FirstSeen(ctx context.Context, provider, messageID string) (bool, error) {
	if messageID == "" {
		return true, nil
	}
	key := fmt.Sprintf("webhook:seen:%s:%s", provider, messageID)
	return d.rdb.SetNX(ctx, key, "1", d.ttl).Result()
}

// Forget 删除去重标记，用于处理失败后允许提供方重试。
func (d *WebhookDedupe) Forget(ctx context.Context, provider, messageID string) error {
	if messageID == "" {
		return nil
	}
	return d.rdb.Del(ctx, fmt.Sprintf("webhook:seen:%s:%s", provider, messageID)).Err()
}

// AttemptCounter 使用 Redis 记录任务失败次数。
type AttemptCounter struct {
	rdb *redis.Client
}

// NewAttemptCounter 创建一个新的 AttemptCounter 实例。
func NewAttemptCounter(rdb *redis.Client) *AttemptCounter {
	return &AttemptCounter{rdb: rdb}
}

func attemptsKey(taskID string) string {
	return "kafka:attempts:" + taskID
}

// Incr 增加失败次数并返回当前值，计数在 24 小时后过期。
func (c *AttemptCounter) Incr(ctx context.Context, taskID string) (int64, error) {
	key := attemptsKey(taskID)
	n, err := c.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	_ = c.rdb.Expire(ctx, key, 24*time.Hour).Err()
	return n, nil
}

// Reset 清除失败计数。
func (c *AttemptCounter) Reset(ctx context.Context, taskID string) error {
	return c.rdb.Del(ctx, attemptsKey(taskID)).Err()
}
