package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/domain-engine/internal/lock"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const releaseTimeout = 2 * time.Second

var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

var _ lock.Locker = (*RedisLocker)(nil)

// RedisLocker is a lock.Locker shared by every instance pointed at the same Redis.
type RedisLocker struct {
	client *goredis.Client
	logger *zap.Logger
	prefix string
}

func NewRedisLocker(client *goredis.Client, logger *zap.Logger) (*RedisLocker, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisLocker{client: client, logger: logger, prefix: "lock:"}, nil
}

func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	redisKey := l.prefix + key
	token := uuid.NewString()

	acquired, err := l.client.SetNX(ctx, redisKey, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lock %q: %w", key, err)
	}
	if !acquired {
		return nil, false, nil
	}

	release := func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()

		deleted, err := releaseScript.Run(releaseCtx, l.client, []string{redisKey}, token).Int64()
		switch {
		case err != nil:
			// The lease still expires after its ttl.
			l.logger.Warn("failed to release lock",
				zap.String("key", key),
				zap.Error(err),
			)
		case deleted == 0:
			l.logger.Warn("lock lease expired before release", zap.String("key", key))
		}
	}

	return release, true, nil
}
