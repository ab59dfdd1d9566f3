// Package ratelimit is a Redis sliding-window limiter keyed by client IP,
// shared by the collector and the tracking API.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"

	"github.com/kada-mandiya/analytics/common/config"
	"github.com/kada-mandiya/analytics/common/httputil"
	"github.com/kada-mandiya/analytics/common/logging"
	"github.com/kada-mandiya/analytics/common/middleware"
)

var hits = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "analytics_rate_limit_hits_total",
		Help: "Total number of requests rejected by the rate limiter",
	},
	[]string{"scope"},
)

// RateLimiter decides whether one more request for key fits the window.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Close() error
}

// Atomic sliding window over a sorted set scored by request time.
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window_start = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

redis.call('ZREMRANGEBYSCORE', key, 0, window_start)

local current = redis.call('ZCARD', key)
if current < limit then
	redis.call('ZADD', key, now, ARGV[5])
	redis.call('EXPIRE', key, ttl)
	return 1
end
return 0
`)

// RedisRateLimiter allows at most limit requests per window per key.
type RedisRateLimiter struct {
	client *redis.Client
	scope  string
	limit  int64
	window time.Duration
	now    func() time.Time
}

// NewRedisRateLimiter connects to Redis and verifies the connection.
func NewRedisRateLimiter(ctx context.Context, redisCfg config.RedisConfig, scope string, limitCfg config.RateLimitConfig) (*RedisRateLimiter, error) {
	opt, err := redis.ParseURL(redisCfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if redisCfg.PoolSize > 0 {
		opt.PoolSize = redisCfg.PoolSize
	}
	if redisCfg.MaxRetries != 0 {
		opt.MaxRetries = redisCfg.MaxRetries
	}

	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return NewFromClient(client, scope, limitCfg.Requests, limitCfg.Window), nil
}

// NewFromClient wraps an existing client.
func NewFromClient(client *redis.Client, scope string, limit int, window time.Duration) *RedisRateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RedisRateLimiter{
		client: client,
		scope:  scope,
		limit:  int64(limit),
		window: window,
		now:    time.Now,
	}
}

// Allow records the request when it fits and reports whether it did.
func (r *RedisRateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	now := r.now().UnixNano()
	windowStart := now - r.window.Nanoseconds()
	ttl := int64(r.window.Seconds()) + 1

	result, err := slidingWindow.Run(ctx, r.client,
		[]string{"ratelimit:" + r.scope + ":" + key},
		now, windowStart, r.limit, ttl, strconv.FormatInt(now, 10)+"-"+uuid.NewString(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("rate limit check failed: %w", err)
	}

	allowed := result == 1
	if !allowed {
		hits.WithLabelValues(r.scope).Inc()
	}
	return allowed, nil
}

// Window returns the configured window.
func (r *RedisRateLimiter) Window() time.Duration {
	return r.window
}

// Close closes the Redis client.
func (r *RedisRateLimiter) Close() error {
	return r.client.Close()
}

// NoOpRateLimiter always allows requests.
type NoOpRateLimiter struct{}

func (NoOpRateLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

func (NoOpRateLimiter) Close() error { return nil }

// Middleware rejects requests over the limit with 429. Limiter errors fail
// open and are logged.
func Middleware(limiter RateLimiter, retryAfter time.Duration, logger *slog.Logger) func(http.Handler) http.Handler {
	retryAfterSecs := strconv.Itoa(int(retryAfter.Seconds()))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			allowed, err := limiter.Allow(r.Context(), middleware.ClientIP(r))
			if err != nil {
				logger.WarnContext(r.Context(), "rate limiter unavailable", logging.Error(err))
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				w.Header().Set("Retry-After", retryAfterSecs)
				httputil.WriteDetail(w, http.StatusTooManyRequests, "Too Many Requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// FromConfig builds the limiter a service should use: Redis when both
// Redis and the service's limit are enabled, otherwise a no-op. A Redis
// failure degrades to no-op with a warning.
func FromConfig(ctx context.Context, redisCfg config.RedisConfig, scope string, limitCfg config.RateLimitConfig, logger *slog.Logger) RateLimiter {
	if !redisCfg.Enabled || !limitCfg.Enabled {
		logger.Info("Rate limiting disabled", slog.String("scope", scope))
		return NoOpRateLimiter{}
	}
	limiter, err := NewRedisRateLimiter(ctx, redisCfg, scope, limitCfg)
	if err != nil {
		logger.Warn("Failed to initialize Redis rate limiter, continuing without rate limiting",
			slog.String("scope", scope), logging.Error(err))
		return NoOpRateLimiter{}
	}
	logger.Info("Rate limiting enabled",
		slog.String("scope", scope),
		slog.Int("requests", limitCfg.Requests),
		slog.Duration("window", limitCfg.Window))
	return limiter
}
