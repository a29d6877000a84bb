// pkg/ratelimit/memory.go

package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"
)

// MemoryLimiter — локальный in-memory token bucket. Используется как
// единственный бэкенд в одноинстансных развёртываниях и как документированный
// деградированный fallback, когда Redis недоступен: честность между
// инстансами при этом теряется, каждый инстанс считает свою квоту сам.
type MemoryLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	config  *Config
	stopCh  chan struct{}
	closed  bool

	// now подменяется в тестах для детерминированного времени
	now func() time.Time
}

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

func NewMemoryLimiter(cfg *Config) *MemoryLimiter {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	// Нормализуем конфигурацию до использования
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 5 * time.Minute
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.Requests <= 0 {
		cfg.Requests = 100
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 10 * time.Minute
	}

	l := &MemoryLimiter{
		buckets: make(map[string]*bucket),
		config:  cfg,
		stopCh:  make(chan struct{}),
		now:     time.Now,
	}

	go l.cleanup()

	return l
}

func (l *MemoryLimiter) Allow(ctx context.Context, key string) (*LimitInfo, error) {
	return l.AllowN(ctx, key, 1)
}

// AllowN выполняет load-refill-consume-store под одной блокировкой.
// n = 0 — read-only проверка: bucket не изменяется.
func (l *MemoryLimiter) AllowN(_ context.Context, key string, n int) (*LimitInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, ErrLimiterClosed
	}

	now := l.now()
	rate := l.config.rate()
	capacity := l.config.capacity()

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: capacity, lastRefill: now}
		if n > 0 {
			l.buckets[key] = b
		}
	}

	tokens := b.tokens
	if elapsed := now.Sub(b.lastRefill).Seconds(); elapsed > 0 {
		tokens = math.Min(capacity, tokens+elapsed*rate)
	}

	info := &LimitInfo{
		Limit:      l.config.Requests,
		RetryAfter: -1,
	}

	if tokens >= float64(n) {
		info.Allowed = true
		if n > 0 {
			tokens -= float64(n)
		}
	} else {
		info.RetryAfter = retryAfter(float64(n)-tokens, rate)
	}

	if n > 0 {
		b.tokens = tokens
		b.lastRefill = now
	}

	info.Remaining = int(tokens)
	info.ResetAt = resetAt(now, tokens, capacity, rate)
	return info, nil
}

// retryAfter переводит дефицит токенов в длительность ожидания
func retryAfter(deficit, rate float64) time.Duration {
	if rate <= 0 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(deficit / rate * float64(time.Second))
}

// resetAt — момент, когда bucket восполнится до ёмкости
func resetAt(now time.Time, tokens, capacity, rate float64) time.Time {
	if rate <= 0 || tokens >= capacity {
		return now
	}
	return now.Add(time.Duration(math.Ceil((capacity-tokens)/rate)) * time.Second)
}

func (l *MemoryLimiter) Wait(ctx context.Context, key string) error {
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

func (l *MemoryLimiter) Reset(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.buckets, key)
	return nil
}

func (l *MemoryLimiter) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}

	l.closed = true
	close(l.stopCh)
	l.buckets = nil

	return nil
}

func (l *MemoryLimiter) cleanup() {
	interval := l.config.CleanupInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.doCleanup()
		}
	}
}

// doCleanup выбрасывает bucket'ы, к которым не обращались дольше IdleTTL
func (l *MemoryLimiter) doCleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.config.IdleTTL)
	for key, b := range l.buckets {
		if b.lastRefill.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}
