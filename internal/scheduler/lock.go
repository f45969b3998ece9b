package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos/eidos-gambit/pkg/logger"
)

const lockPrefix = "eidos:gambit:lock:"

// 仅持有者可以释放/续期
var (
	unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// DistributedLock 基于 SETNX 的任务锁
type DistributedLock struct {
	client      redis.UniversalClient
	key         string
	value       string
	ttl         time.Duration
	useWatchdog bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// TryLock 尝试加锁, 不等待
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.value, l.ttl).Result()
	if err != nil {
		return false, err
	}
	if ok && l.useWatchdog {
		l.startWatchdog()
	}
	return ok, nil
}

// Unlock 释放锁, 锁已过期或被他人持有时返回 false
func (l *DistributedLock) Unlock(ctx context.Context) (bool, error) {
	if l.stopCh != nil {
		close(l.stopCh)
		l.wg.Wait()
		l.stopCh = nil
	}
	n, err := unlockScript.Run(ctx, l.client, []string{l.key}, l.value).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (l *DistributedLock) startWatchdog() {
	interval := l.ttl / 3
	if interval <= 0 {
		return
	}
	l.stopCh = make(chan struct{})
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-l.stopCh:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), interval)
				n, err := renewScript.Run(ctx, l.client, []string{l.key}, l.value, l.ttl.Milliseconds()).Int()
				cancel()
				if err != nil {
					logger.Warn("renew job lock failed", zap.String("key", l.key), zap.Error(err))
					continue
				}
				if n == 0 {
					logger.Warn("job lock lost", zap.String("key", l.key))
					return
				}
			}
		}
	}()
}

// LockManager 任务锁管理
type LockManager struct {
	client redis.UniversalClient
}

// NewLockManager 创建锁管理器
func NewLockManager(client redis.UniversalClient) *LockManager {
	return &LockManager{client: client}
}

// NewLock 为任务创建一把锁, 每次调用生成新的持有者标识
func (m *LockManager) NewLock(jobName string, ttl time.Duration, useWatchdog bool) *DistributedLock {
	return &DistributedLock{
		client:      m.client,
		key:         lockPrefix + jobName,
		value:       uuid.NewString(),
		ttl:         ttl,
		useWatchdog: useWatchdog,
	}
}
