package lock

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/balamout75/my-bank-app/pkg/idgen"

	"github.com/go-redis/redis/v8"
)

var (
	ErrLockFailed  = errors.New("获取分布式锁失败")
	ErrLockExpired = errors.New("锁已过期")
)

// DistributedLock Redis 分布式锁
//
// 加锁：SET key value NX EX timeout
//   - NX 保证互斥，EX 防止持有者崩溃后死锁
//   - value 标识持有者，释放时验证防止误删别人的锁
//
// 释放锁：Lua 脚本保证"检查+删除"的原子性
type DistributedLock struct {
	client     *redis.Client
	key        string
	value      string
	expiration time.Duration
}

// NewDistributedLock 创建分布式锁
func NewDistributedLock(client *redis.Client, key, value string, expiration time.Duration) *DistributedLock {
	return &DistributedLock{
		client:     client,
		key:        key,
		value:      value,
		expiration: expiration,
	}
}

// TryLock 尝试获取锁（非阻塞）
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	success, err := l.client.SetNX(ctx, l.key, l.value, l.expiration).Result()
	if err != nil {
		return false, err
	}
	return success, nil
}

// Lock 阻塞式获取锁（带重试）
func (l *DistributedLock) Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error {
	for i := 0; i < maxRetries; i++ {
		success, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if success {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
			// 继续重试
		}
	}
	return ErrLockFailed
}

// Unlock 释放锁
// 先检查 value 是否是自己的再删除：A 的锁过期后 B 持有同一个 key，
// A 的延迟 Unlock 不能删掉 B 的锁
func (l *DistributedLock) Unlock(ctx context.Context) error {
	script := `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		else
			return 0
		end
	`
	_, err := l.client.Eval(ctx, script, []string{l.key}, l.value).Result()
	return err
}

// NewOperationLock 按 operationId 维度加锁
// 同一笔操作的并发执行方互斥，不同操作互不影响
func NewOperationLock(client *redis.Client, operationID int64) *DistributedLock {
	key := fmt.Sprintf("operation:lock:%d", operationID)
	// value 每次生成新ID，便于区分是哪个执行方持有锁
	return NewDistributedLock(client, key, strconv.FormatInt(idgen.NextID(), 10), 30*time.Second)
}
