package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"stockhold/internal/pkg/logger"
)

const defaultRedisTTL = 5 * time.Second

// unlockScript 只删除自己持有的锁，避免误删已过期后被他人获取的锁
const unlockScript = `
if redis.call('get', KEYS[1]) == ARGV[1] then
    return redis.call('del', KEYS[1])
end
return 0
`

// RedisLocker 基于 SET NX PX 的跨实例锁。
// TTL 只是兜底：持有者崩溃后锁会自动过期。
type RedisLocker struct {
	client   redis.UniversalClient
	prefix   string
	ttl      time.Duration
	newToken func() string
}

func NewRedisLocker(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = defaultRedisTTL
	}
	return &RedisLocker{
		client:   client,
		prefix:   prefix,
		ttl:      ttl,
		newToken: func() string { return uuid.New().String() },
	}
}

func (l *RedisLocker) key(key string) string {
	return l.prefix + key
}

func (l *RedisLocker) TryLock(ctx context.Context, key string) (func(), error) {
	k := l.key(key)
	token := l.newToken()

	ok, err := l.client.SetNX(ctx, k, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lock %s: %w", k, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrContended, k)
	}

	return func() {
		// 请求的 ctx 可能已被取消，释放锁使用独立的短超时
		unlockCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := l.client.Eval(unlockCtx, unlockScript, []string{k}, token).Err(); err != nil {
			logger.Ctx(ctx).Warn().Err(err).Str("key", k).Msg("failed to release redis lock, it will expire by ttl")
		}
	}, nil
}
