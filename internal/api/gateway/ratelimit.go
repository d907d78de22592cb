// Package gateway provides HTTP gateway functionality including rate limiting
package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lvonguyen/bastionguard/internal/config"
)

// Counter increments a fixed-window counter and returns the new count and
// the time left in the window.
type Counter interface {
	Incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
}

// fixedWindow increments the key, starts its expiry on first use and returns
// {count, pttl} in one round trip.
var fixedWindow = redis.NewScript(`
	local current = redis.call('INCR', KEYS[1])
	if current == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	return {current, redis.call('PTTL', KEYS[1])}
`)

// RedisCounter is a Counter shared by every replica through Redis.
type RedisCounter struct {
	client redis.Scripter
}

// NewRedisCounter creates a new Redis-backed counter
func NewRedisCounter(client redis.Scripter) *RedisCounter {
	return &RedisCounter{client: client}
}

// Incr implements Counter.
func (c *RedisCounter) Incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	vals, err := fixedWindow.Run(ctx, c.client, []string{key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, 0, err
	}
	if len(vals) != 2 {
		return 0, 0, fmt.Errorf("unexpected rate limit script result %v", vals)
	}
	ttl := time.Duration(vals[1]) * time.Millisecond
	if ttl < 0 {
		ttl = window
	}
	return vals[0], ttl, nil
}

// RateLimitResult contains the result of a rate limit check
type RateLimitResult struct {
	Allowed    bool
	Remaining  int
	Limit      int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// RateLimiter limits webhook requests per client per minute.
type RateLimiter struct {
	counter Counter
	logger  *zap.Logger
	config  config.RateLimitConfig
	prefix  string
	now     func() time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(counter Counter, cfg config.RateLimitConfig, logger *zap.Logger) *RateLimiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 120
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateLimiter{
		counter: counter,
		logger:  logger,
		config:  cfg,
		prefix:  "bastionguard:ratelimit:",
		now:     time.Now,
	}
}

// Check counts one request for clientID. Counter failures allow the request.
func (rl *RateLimiter) Check(ctx context.Context, clientID string) *RateLimitResult {
	limit := rl.config.RequestsPerMinute
	key := rl.prefix + clientID + ":minute"

	count, ttl, err := rl.counter.Incr(ctx, key, time.Minute)
	if err != nil {
		rl.logger.Warn("rate limit check failed, allowing request", zap.Error(err))
		return &RateLimitResult{Allowed: true, Remaining: limit, Limit: limit}
	}

	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	result := &RateLimitResult{
		Allowed:   int(count) <= limit,
		Remaining: remaining,
		Limit:     limit,
		ResetAt:   rl.now().Add(ttl),
	}
	if !result.Allowed {
		result.RetryAfter = ttl
	}
	return result
}

// Middleware returns an HTTP middleware for rate limiting
func (rl *RateLimiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			result := rl.Check(r.Context(), clientIP(r))

			if rl.config.IncludeHeaders {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
			}

			if !result.Allowed {
				retry := int(result.RetryAfter.Seconds())
				if retry < 1 {
					retry = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				fmt.Fprintf(w, `{"error":"rate_limit_exceeded","retry_after":%d}`, retry)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// clientIP relies on chi's RealIP middleware having rewritten RemoteAddr.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
