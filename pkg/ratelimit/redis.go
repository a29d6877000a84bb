package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter is a Redis-backed token-bucket limiter. Each key owns a hash
// of {tokens, last_refill} under fiber:rl:<key>; the Lua script loads,
// refills for elapsed time, attempts to consume, and stores the result in
// one round trip so concurrent gateway instances never race on the same
// bucket.
type RedisLimiter struct {
	client *redis.Client
	config *Config
	script *redis.Script
}

// NewRedisLimiter создаёт Redis rate limiter
func NewRedisLimiter(cfg *Config) (*RedisLimiter, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 10 * time.Minute
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	// Atomic load-refill-consume-store: tokens accrue at `rate` per second,
	// capped at `capacity`, never refilled backwards if the clock is static.
	// requested = 0 is a read-only probe: state is left untouched.
	script := redis.NewScript(`
		local key = KEYS[1]
		local capacity = tonumber(ARGV[1])
		local rate = tonumber(ARGV[2])
		local now = tonumber(ARGV[3])
		local requested = tonumber(ARGV[4])
		local ttl = tonumber(ARGV[5])

		local bucket = redis.call('HMGET', key, 'tokens', 'last_refill')
		local tokens = tonumber(bucket[1])
		local last_refill = tonumber(bucket[2])

		if tokens == nil then
			tokens = capacity
			last_refill = now
		end

		local elapsed = now - last_refill
		if elapsed > 0 then
			tokens = math.min(capacity, tokens + elapsed * rate)
			last_refill = now
		end

		local allowed = 0
		local retry_ms = -1
		if tokens >= requested then
			allowed = 1
			if requested > 0 then
				tokens = tokens - requested
			end
		elseif rate > 0 then
			retry_ms = math.ceil((requested - tokens) / rate * 1000)
		end

		if requested > 0 then
			redis.call('HMSET', key, 'tokens', tokens, 'last_refill', now)
			redis.call('EXPIRE', key, ttl)
		end

		return {allowed, tostring(tokens), retry_ms}
	`)

	return &RedisLimiter{
		client: client,
		config: cfg,
		script: script,
	}, nil
}

func (l *RedisLimiter) bucketKey(key string) string {
	return "fiber:rl:" + key
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (*LimitInfo, error) {
	return l.AllowN(ctx, key, 1)
}

func (l *RedisLimiter) AllowN(ctx context.Context, key string, n int) (*LimitInfo, error) {
	redisKey := l.bucketKey(key)
	now := float64(time.Now().UnixMilli()) / 1000.0
	ttl := int64(l.config.IdleTTL.Seconds())
	rate := l.config.rate()
	capacity := l.config.capacity()

	result, err := l.script.Run(ctx, l.client, []string{redisKey},
		capacity, rate, now, n, ttl).Slice()
	if err != nil {
		return nil, fmt.Errorf("redis script error: %w", err)
	}
	if len(result) < 3 {
		return nil, fmt.Errorf("unexpected result from redis script")
	}

	allowed, ok := result[0].(int64)
	if !ok {
		return nil, fmt.Errorf("unexpected result type from redis script")
	}
	var tokens float64
	if s, ok := result[1].(string); ok {
		if _, err := fmt.Sscanf(s, "%f", &tokens); err != nil {
			return nil, fmt.Errorf("unexpected tokens value from redis script: %q", s)
		}
	}
	retryMs, _ := result[2].(int64)

	info := &LimitInfo{
		Allowed:    allowed == 1,
		Limit:      l.config.Requests,
		Remaining:  int(tokens),
		ResetAt:    resetAt(time.Now(), tokens, capacity, rate),
		RetryAfter: -1,
	}
	if !info.Allowed {
		info.RetryAfter = time.Duration(retryMs) * time.Millisecond
		if retryMs < 0 {
			info.RetryAfter = time.Duration(math.MaxInt64)
		}
	}
	return info, nil
}

func (l *RedisLimiter) Wait(ctx context.Context, key string) error {
	for {
		info, err := l.AllowN(ctx, key, 1)
		if err != nil {
			return err
		}
		if info.Allowed {
			return nil
		}

		wait := info.RetryAfter
		if wait <= 0 || wait > 100*time.Millisecond {
			wait = 100 * time.Millisecond
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (l *RedisLimiter) Reset(ctx context.Context, key string) error {
	return l.client.Del(ctx, l.bucketKey(key)).Err()
}

func (l *RedisLimiter) Close() error {
	return l.client.Close()
}
