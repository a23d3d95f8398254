package auth

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// counter abstracts the redis calls the limiter needs
type counter interface {
	increment(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

type redisCounter struct {
	client redis.UniversalClient
}

// increment bumps key and sets its expiry in one round trip. The expiry
// is only set when the window starts so the window does not slide.
func (r *redisCounter) increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// RedisLimiter counts login attempts per identifier in fixed windows shared
// by every instance using the same redis. When redis is unreachable it
// defers to the fallback limiter.
type RedisLimiter struct {
	counter  counter
	limit    int64
	window   time.Duration
	prefix   string
	fallback LoginLimiter
	logger   Logger
}

// NewRedisLimiter allows limit attempts per identifier per window.
func NewRedisLimiter(client redis.UniversalClient, limit int, window time.Duration) *RedisLimiter {
	return newRedisLimiter(&redisCounter{client: client}, limit, window)
}

func newRedisLimiter(c counter, limit int, window time.Duration) *RedisLimiter {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RedisLimiter{
		counter:  c,
		limit:    int64(limit),
		window:   window,
		prefix:   "authcore:login:",
		fallback: noopLimiter{},
		logger:   defLogger{},
	}
}

func (l *RedisLimiter) WithPrefix(prefix string) *RedisLimiter {
	if prefix != "" {
		l.prefix = prefix
	}
	return l
}

func (l *RedisLimiter) WithFallback(fallback LoginLimiter) *RedisLimiter {
	if fallback != nil {
		l.fallback = fallback
	}
	return l
}

func (l *RedisLimiter) WithLogger(logger Logger) *RedisLimiter {
	l.logger = normalizeLogger(logger)
	return l
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) bool {
	key = normalizeLimiterKey(key)

	n, err := l.counter.increment(ctx, l.prefix+key, l.window)
	if err != nil {
		l.logger.Warn("login limiter store unavailable, using fallback: %v", err)
		return l.fallback.Allow(ctx, key)
	}
	return n <= l.limit
}
