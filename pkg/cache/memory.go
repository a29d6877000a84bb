package cache

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryCache — in-memory индекс с TTL и LRU-вытеснением. Служит
// идемпотентным индексом batch_id в одноинстансных развёртываниях; между
// инстансами ничего не разделяет, для этого есть Redis-бэкенд.
type MemoryCache struct {
	mu         sync.Mutex
	entries    map[string]*entry
	defaultTTL time.Duration
	maxEntries int

	// Статистика попаданий
	hits   atomic.Int64
	misses atomic.Int64

	// Lifecycle
	closed atomic.Bool
	stopCh chan struct{}
	wg     sync.WaitGroup
}

type entry struct {
	value      []byte
	expiresAt  time.Time
	accessedAt time.Time
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

func (e *entry) ttl(now time.Time) time.Duration {
	if e.expiresAt.IsZero() {
		return -1 // бессрочный
	}
	ttl := e.expiresAt.Sub(now)
	if ttl < 0 {
		return 0
	}
	return ttl
}

// NewMemoryCache создаёт новый in-memory индекс
func NewMemoryCache(opts *Options) *MemoryCache {
	if opts == nil {
		opts = DefaultOptions()
	}

	maxEntries := opts.MaxEntries
	if maxEntries <= 0 {
		maxEntries = 100000
	}

	cleanupInterval := opts.CleanupInterval
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	c := &MemoryCache{
		entries:    make(map[string]*entry),
		defaultTTL: opts.DefaultTTL,
		maxEntries: maxEntries,
		stopCh:     make(chan struct{}),
	}

	// Фоновая очистка просроченных записей
	c.wg.Add(1)
	go c.cleanupLoop(cleanupInterval)

	return c
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, error) {
	if c.closed.Load() {
		return nil, ErrCacheClosed
	}

	now := time.Now()

	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok || e.expired(now) {
		c.mu.Unlock()
		c.misses.Add(1)
		return nil, ErrKeyNotFound
	}
	e.accessedAt = now
	result := append([]byte(nil), e.value...)
	c.mu.Unlock()

	c.hits.Add(1)
	return result, nil
}

func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if c.closed.Load() {
		return ErrCacheClosed
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.store(key, value, ttl, time.Now())
	return nil
}

// SetNX записывает значение, только если ключа ещё нет. Ровно один из двух
// конкурентных ingest'ов с одинаковым batch_id получает true; второй видит
// false и отвечает как на повтор.
func (c *MemoryCache) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if c.closed.Load() {
		return false, ErrCacheClosed
	}

	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok && !e.expired(now) {
		return false, nil
	}
	c.store(key, value, ttl, now)
	return true, nil
}

// store пишет запись под уже взятой блокировкой, вытесняя LRU при переполнении
func (c *MemoryCache) store(key string, value []byte, ttl time.Duration, now time.Time) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = now.Add(ttl)
	}

	for len(c.entries) >= c.maxEntries {
		c.evictLRU()
	}

	c.entries[key] = &entry{
		value:      append([]byte(nil), value...),
		expiresAt:  expiresAt,
		accessedAt: now,
	}
}

func (c *MemoryCache) Delete(_ context.Context, key string) error {
	if c.closed.Load() {
		return ErrCacheClosed
	}

	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()

	return nil
}

func (c *MemoryCache) Exists(_ context.Context, key string) (bool, error) {
	if c.closed.Load() {
		return false, ErrCacheClosed
	}

	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	return ok && !e.expired(now), nil
}

func (c *MemoryCache) GetWithTTL(_ context.Context, key string) ([]byte, time.Duration, error) {
	if c.closed.Load() {
		return nil, 0, ErrCacheClosed
	}

	now := time.Now()

	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok || e.expired(now) {
		c.mu.Unlock()
		c.misses.Add(1)
		return nil, 0, ErrKeyNotFound
	}
	e.accessedAt = now
	result := append([]byte(nil), e.value...)
	ttl := e.ttl(now)
	c.mu.Unlock()

	c.hits.Add(1)
	return result, ttl, nil
}

func (c *MemoryCache) Stats(_ context.Context) (*Stats, error) {
	if c.closed.Load() {
		return nil, ErrCacheClosed
	}

	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	stats := &Stats{
		TotalKeys:    int64(len(c.entries)),
		Hits:         c.hits.Load(),
		Misses:       c.misses.Load(),
		KeysByPrefix: make(map[string]int64),
		Backend:      BackendMemory,
	}

	total := stats.Hits + stats.Misses
	if total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}

	for key, e := range c.entries {
		if !e.expired(now) {
			stats.MemoryBytes += int64(len(e.value))
			stats.KeysByPrefix[keyPrefix(key)]++
		}
	}

	return stats, nil
}

func (c *MemoryCache) Clear(_ context.Context) error {
	if c.closed.Load() {
		return ErrCacheClosed
	}

	c.mu.Lock()
	c.entries = make(map[string]*entry)
	c.mu.Unlock()

	return nil
}

func (c *MemoryCache) Close() error {
	if c.closed.Swap(true) {
		return nil // уже закрыт
	}

	close(c.stopCh)
	c.wg.Wait()

	c.mu.Lock()
	c.entries = nil
	c.mu.Unlock()

	return nil
}

func (c *MemoryCache) cleanupLoop(interval time.Duration) {
	defer c.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.cleanup()
		}
	}
}

func (c *MemoryCache) cleanup() {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	for key, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, key)
		}
	}
}

// evictLRU вытесняет самую давно не читавшуюся запись; вызывается под блокировкой
func (c *MemoryCache) evictLRU() {
	var oldestKey string
	var oldestAccess time.Time

	for key, e := range c.entries {
		if oldestKey == "" || e.accessedAt.Before(oldestAccess) {
			oldestKey = key
			oldestAccess = e.accessedAt
		}
	}

	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

// keyPrefix извлекает префикс ключа до первого ':' для статистики
func keyPrefix(key string) string {
	if idx := strings.Index(key, ":"); idx > 0 {
		return key[:idx]
	}
	return "other"
}
