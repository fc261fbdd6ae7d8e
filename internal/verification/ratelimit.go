package verification

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRateLimiter allows at most limit events per key per rolling window,
// implemented as an INCR with a TTL set on first increment.
type RedisRateLimiter struct {
	rdb    *redis.Client
	limit  int
	window time.Duration
}

func NewRedisRateLimiter(rdb *redis.Client, limit int, window time.Duration) *RedisRateLimiter {
	if limit <= 0 {
		limit = 3
	}
	if window <= 0 {
		window = time.Hour
	}

	return &RedisRateLimiter{rdb: rdb, limit: limit, window: window}
}

func (l *RedisRateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	n, err := l.rdb.Incr(ctx, key).Result()

	if err != nil {
		return false, err
	}

	if n == 1 {
		// first hit in this window owns the expiry
		if err := l.rdb.Expire(ctx, key, l.window).Err(); err != nil {
			return false, err
		}
	}

	return n <= int64(l.limit), nil
}
