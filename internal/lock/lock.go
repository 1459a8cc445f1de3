package lock

import (
	"context"
	"sync"
	"time"

	apperrors "crowdfund/internal/errors"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Unlock 释放锁
type Unlock func()

// Locker 按活动地址加锁，保证同一活动同一时刻只有一个操作在执行
type Locker interface {
	// TryLock 不阻塞；未获得锁时 ok 为 false
	TryLock(ctx context.Context, key string) (unlock Unlock, ok bool, err error)
}

// MemoryLocker 进程内锁
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewMemoryLocker 创建进程内锁
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]struct{})}
}

// TryLock 实现Locker
func (l *MemoryLocker) TryLock(ctx context.Context, key string) (Unlock, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, busy := l.held[key]; busy {
		return nil, false, nil
	}
	l.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, true, nil
}

// Held 当前持有的锁数量
func (l *MemoryLocker) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.held)
}

// releaseScript 仅删除自己持有的锁
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker 基于Redis的跨进程锁，API进程和对账进程共用
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	logger *logrus.Logger
}

// NewRedisLocker 创建Redis锁，ttl 需大于单个活动操作的最长耗时
func NewRedisLocker(client redis.UniversalClient, prefix string, ttl time.Duration, logger *logrus.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisLocker{client: client, prefix: prefix, ttl: ttl, logger: logger}
}

func (l *RedisLocker) key(name string) string {
	return l.prefix + ":lock:" + name
}

// TryLock 实现Locker
func (l *RedisLocker) TryLock(ctx context.Context, name string) (Unlock, bool, error) {
	key := l.key(name)
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, false, apperrors.Wrap(err, apperrors.ErrorTypeConnection, apperrors.SeverityHigh,
			"LOCK_UNAVAILABLE", "获取分布式锁失败").WithComponent("lock")
	}
	if !ok {
		return nil, false, nil
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// 调用方的ctx可能已取消，释放锁使用独立超时
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(releaseCtx, l.client, []string{key}, token).Err(); err != nil {
				l.logger.WithError(err).Warnf("释放分布式锁失败: %s", key)
			}
		})
	}, true, nil
}
