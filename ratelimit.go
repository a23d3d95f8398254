package auth

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/thejerf/abtime"
	"golang.org/x/time/rate"
)

// LoginLimiter throttles login attempts per key.
type LoginLimiter interface {
	Allow(ctx context.Context, key string) bool
}

type noopLimiter struct{}

func (noopLimiter) Allow(context.Context, string) bool { return true }

func normalizeLimiterKey(key string) string {
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" {
		return "unknown"
	}
	return key
}

// IdentifierLimiter is a token bucket per normalized login identifier.
// Idle buckets are dropped after ttl.
type IdentifierLimiter struct {
	mu        sync.Mutex
	buckets   map[string]*limiterBucket
	perSecond rate.Limit
	burst     int
	ttl       time.Duration
	clock     abtime.AbstractTime
	lastSweep time.Time
}

type limiterBucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// NewIdentifierLimiter allows burst attempts, refilled at perMinute.
func NewIdentifierLimiter(perMinute float64, burst int) *IdentifierLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &IdentifierLimiter{
		buckets:   make(map[string]*limiterBucket),
		perSecond: rate.Limit(perMinute / 60),
		burst:     burst,
		ttl:       15 * time.Minute,
		clock:     abtime.NewRealTime(),
	}
}

func (l *IdentifierLimiter) WithClock(clock abtime.AbstractTime) *IdentifierLimiter {
	if clock != nil {
		l.clock = clock
	}
	return l
}

func (l *IdentifierLimiter) Allow(_ context.Context, key string) bool {
	key = normalizeLimiterKey(key)

	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) > time.Minute {
		for k, b := range l.buckets {
			if now.Sub(b.seen) > l.ttl {
				delete(l.buckets, k)
			}
		}
		l.lastSweep = now
	}

	b, ok := l.buckets[key]
	if !ok {
		b = &limiterBucket{lim: rate.NewLimiter(l.perSecond, l.burst)}
		l.buckets[key] = b
	}
	b.seen = now
	return b.lim.AllowN(now, 1)
}
