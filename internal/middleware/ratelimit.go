package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"chatcall-backend/internal/database"
	"chatcall-backend/pkg/metrics"
	"chatcall-backend/pkg/response"
)

// RateLimiter is a fixed-window limiter keyed by user (or client IP when
// unauthenticated). Counts live in Redis; while Redis is degraded an
// in-memory window takes over.
type RateLimiter struct {
	redis    *database.RedisClient
	memory   *InMemoryRateLimiter
	requests int
	window   time.Duration
	metrics  *metrics.Metrics
	log      *zap.Logger
	now      func() time.Time
}

// NewRateLimiter allows requests per window. redis may be nil.
func NewRateLimiter(redis *database.RedisClient, requests int, window time.Duration, m *metrics.Metrics, log *zap.Logger) *RateLimiter {
	if log == nil {
		log = zap.NewNop()
	}
	return &RateLimiter{
		redis:    redis,
		memory:   NewInMemoryRateLimiter(),
		requests: requests,
		window:   window,
		metrics:  m,
		log:      log,
		now:      time.Now,
	}
}

// Middleware returns a Gin middleware for rate limiting
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		identifier := "ip:" + c.ClientIP()
		if userID, ok := GetUserID(c); ok {
			identifier = "user:" + userID.String()
		}

		now := rl.now()
		windowStart := now.Truncate(rl.window)
		resetAt := windowStart.Add(rl.window).Unix()

		backend := "memory"
		var count int64
		if rl.redis != nil && !rl.redis.IsDegraded() {
			n, err := rl.incrRedis(c.Request.Context(), identifier, windowStart)
			if err != nil {
				// fail open on a single Redis error; the health check flips to memory
				rl.log.Warn("Redis rate limit check failed, allowing request",
					zap.String("identifier", identifier),
					zap.Error(err))
				c.Next()
				return
			}
			backend, count = "redis", n
		} else {
			count = rl.memory.Incr(identifier, windowStart)
		}

		remaining := rl.requests - int(count)
		if remaining < 0 {
			remaining = 0
		}
		c.Header("X-RateLimit-Limit", strconv.Itoa(rl.requests))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(resetAt, 10))

		if count > int64(rl.requests) {
			rl.metrics.RecordRateLimited(c.FullPath(), backend)
			response.Error(c, http.StatusTooManyRequests, "RATE_LIMITED", "Rate limit exceeded")
			c.Abort()
			return
		}

		c.Next()
	}
}

func (rl *RateLimiter) incrRedis(ctx context.Context, identifier string, windowStart time.Time) (int64, error) {
	key := fmt.Sprintf("ratelimit:%s:%d", identifier, windowStart.Unix())
	count, err := rl.redis.SafeIncr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment rate limit: %w", err)
	}
	if count == 1 {
		if err := rl.redis.SafeExpire(ctx, key, rl.window).Err(); err != nil {
			return 0, fmt.Errorf("failed to expire rate limit: %w", err)
		}
	}
	return count, nil
}

// InMemoryRateLimiter provides in-memory rate limiting as fallback when Redis is degraded
type InMemoryRateLimiter struct {
	mu     sync.Mutex
	limits map[string]*userRateLimit
}

type userRateLimit struct {
	count       int64
	windowStart time.Time
}

// NewInMemoryRateLimiter creates a new in-memory rate limiter
func NewInMemoryRateLimiter() *InMemoryRateLimiter {
	return &InMemoryRateLimiter{limits: make(map[string]*userRateLimit)}
}

// Incr counts one request in the window starting at windowStart and returns the total
func (im *InMemoryRateLimiter) Incr(identifier string, windowStart time.Time) int64 {
	im.mu.Lock()
	defer im.mu.Unlock()

	limit, ok := im.limits[identifier]
	if !ok || limit.windowStart.Before(windowStart) {
		limit = &userRateLimit{windowStart: windowStart}
		im.limits[identifier] = limit
		im.evictLocked(windowStart)
	}
	limit.count++
	return limit.count
}

func (im *InMemoryRateLimiter) evictLocked(current time.Time) {
	for id, limit := range im.limits {
		if limit.windowStart.Before(current) {
			delete(im.limits, id)
		}
	}
}
