package redisdb

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	applog "chatweave/internal/platform/log"
)

// SummaryLock 基于 Redis SETNX 的后台摘要去重锁。
// 同一会话的并发摘要触发只放行一个；锁拿不到直接跳过，
// 落选方的工作会被下一次合格轮次自然补上。
type SummaryLock struct {
	client *redis.Client
	ttl    time.Duration
}

// NewSummaryLock 创建摘要去重锁
func NewSummaryLock(client *redis.Client) *SummaryLock {
	return &SummaryLock{
		client: client,
		ttl:    60 * time.Second,
	}
}

// Acquire 获取锁
func (l *SummaryLock) Acquire(ctx context.Context, conversationID string) (bool, error) {
	key := fmt.Sprintf("summary:v1:lock:%s", conversationID)
	acquired, err := l.client.SetNX(ctx, key, "locked", l.ttl).Result()
	if err != nil {
		applog.Warn("[SummaryLock] Failed to acquire lock",
			"conversation_id", conversationID,
			"error", err,
		)
		return false, err
	}

	if acquired {
		applog.Debug("[SummaryLock] Lock acquired", "conversation_id", conversationID)
	} else {
		applog.Debug("[SummaryLock] Lock already held", "conversation_id", conversationID)
	}

	return acquired, nil
}

// Release 释放锁
func (l *SummaryLock) Release(ctx context.Context, conversationID string) error {
	key := fmt.Sprintf("summary:v1:lock:%s", conversationID)
	err := l.client.Del(ctx, key).Err()
	if err != nil {
		applog.Warn("[SummaryLock] Failed to release lock",
			"conversation_id", conversationID,
			"error", err,
		)
		return err
	}

	applog.Debug("[SummaryLock] Lock released", "conversation_id", conversationID)
	return nil
}
