package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type memoryCounter struct {
	mu     sync.Mutex
	counts map[string]int64
	ttls   map[string]time.Duration
	err    error
}

func newMemoryCounter() *memoryCounter {
	return &memoryCounter{counts: map[string]int64{}, ttls: map[string]time.Duration{}}
}

func (m *memoryCounter) increment(_ context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	m.counts[key]++
	if _, ok := m.ttls[key]; !ok {
		m.ttls[key] = ttl
	}
	return m.counts[key], nil
}

func (m *memoryCounter) expire(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.counts, key)
	delete(m.ttls, key)
}

type countingLimiter struct {
	calls int
	allow bool
}

func (c *countingLimiter) Allow(context.Context, string) bool {
	c.calls++
	return c.allow
}

func TestRedisLimiterWindow(t *testing.T) {
	ctx := context.Background()
	store := newMemoryCounter()
	limiter := newRedisLimiter(store, 2, time.Minute)

	assert.True(t, limiter.Allow(ctx, "front@harbor.test"))
	assert.True(t, limiter.Allow(ctx, " FRONT@harbor.test"))
	assert.False(t, limiter.Allow(ctx, "front@harbor.test"))
	assert.True(t, limiter.Allow(ctx, "night@harbor.test"))

	assert.Equal(t, int64(3), store.counts["authcore:login:front@harbor.test"])
	assert.Equal(t, time.Minute, store.ttls["authcore:login:front@harbor.test"])

	store.expire("authcore:login:front@harbor.test")
	assert.True(t, limiter.Allow(ctx, "front@harbor.test"))
}

func TestRedisLimiterPrefix(t *testing.T) {
	store := newMemoryCounter()
	limiter := newRedisLimiter(store, 1, time.Minute).WithPrefix("hotel-a:")

	assert.True(t, limiter.Allow(context.Background(), ""))
	assert.Equal(t, int64(1), store.counts["hotel-a:unknown"])
}

func TestRedisLimiterFallsBackWhenUnavailable(t *testing.T) {
	store := newMemoryCounter()
	store.err = errors.New("connection refused")

	fallback := &countingLimiter{allow: false}
	limiter := newRedisLimiter(store, 5, time.Minute).WithFallback(fallback)

	assert.False(t, limiter.Allow(context.Background(), "front@harbor.test"))
	assert.Equal(t, 1, fallback.calls)

	fallback.allow = true
	assert.True(t, limiter.Allow(context.Background(), "front@harbor.test"))
}

func TestRedisLimiterDefaults(t *testing.T) {
	limiter := newRedisLimiter(newMemoryCounter(), 0, 0)
	assert.Equal(t, int64(1), limiter.limit)
	assert.Equal(t, time.Minute, limiter.window)
}
