package ratelimit

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/fiberstack/fabric/pkg/config"
)

// Стандартные ошибки
var (
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrLimiterClosed     = errors.New("limiter is closed")
)

// Limiter интерфейс token-bucket ограничителя запросов
type Limiter interface {
	// Allow проверяет, разрешён ли один запрос, и возвращает состояние
	// bucket'а после решения
	Allow(ctx context.Context, key string) (*LimitInfo, error)

	// AllowN проверяет, разрешены ли n запросов. AllowN с n = 0 — это
	// read-only проверка: состояние bucket'а не меняется
	AllowN(ctx context.Context, key string, n int) (*LimitInfo, error)

	// Wait блокирует до получения разрешения
	Wait(ctx context.Context, key string) error

	// Reset сбрасывает лимит для ключа
	Reset(ctx context.Context, key string) error

	// Close закрывает лимитер
	Close() error
}

// LimitInfo — результат одного атомарного решения лимитера: факт допуска
// плюс состояние, которое шлюз выставляет в X-RateLimit-* заголовки
type LimitInfo struct {
	Allowed    bool          `json:"allowed"`
	Limit      int           `json:"limit"`
	Remaining  int           `json:"remaining"`
	ResetAt    time.Time     `json:"reset_at"`
	RetryAfter time.Duration `json:"retry_after,omitempty"` // < 0 когда запрос разрешён
}

// Config конфигурация rate limiter
type Config struct {
	// Requests количество запросов, восполняемых за Window
	Requests int `koanf:"requests"`

	// Window временное окно
	Window time.Duration `koanf:"window"`

	// Backend хранилище (memory, redis)
	Backend string `koanf:"backend"`

	// BurstSize дополнительная ёмкость bucket'а сверх Requests
	BurstSize int `koanf:"burst_size"`

	// IdleTTL сколько bucket живёт без обращений
	IdleTTL time.Duration `koanf:"idle_ttl"`

	// CleanupInterval интервал очистки для in-memory
	CleanupInterval time.Duration `koanf:"cleanup_interval"`

	// Redis настройки Redis
	RedisAddr     string `koanf:"redis_addr"`
	RedisPassword string `koanf:"redis_password"`
	RedisDB       int    `koanf:"redis_db"`
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() *Config {
	return &Config{
		Requests:        100,
		Window:          time.Minute,
		Backend:         "memory",
		BurstSize:       10,
		IdleTTL:         10 * time.Minute,
		CleanupInterval: 5 * time.Minute,
	}
}

// rate возвращает скорость восполнения токенов в секунду
func (c *Config) rate() float64 {
	return float64(c.Requests) / c.Window.Seconds()
}

// capacity возвращает ёмкость bucket'а
func (c *Config) capacity() float64 {
	return float64(c.Requests + c.BurstSize)
}

// New создаёт лимитер на основе конфигурации
func New(cfg *Config) (Limiter, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	switch cfg.Backend {
	case "redis":
		return NewRedisLimiter(cfg)
	case "memory", "":
		return NewMemoryLimiter(cfg), nil
	default:
		return NewMemoryLimiter(cfg), nil
	}
}

// FromConfig собирает лимитер из конфигурации приложения: общий лимитер по
// умолчанию плюс отдельные квоты на классы push (на пробу), ingest (на
// релей) и metrics (на читающего пользователя)
func FromConfig(cfg *config.RateLimitConfig) (Limiter, error) {
	base := &Config{
		Requests:        cfg.Requests,
		Window:          cfg.Window,
		Backend:         cfg.Backend,
		BurstSize:       cfg.BurstSize,
		IdleTTL:         cfg.IdleTTL,
		CleanupInterval: cfg.CleanupInterval,
		RedisAddr:       cfg.RedisAddr,
	}
	def, err := New(base)
	if err != nil {
		return nil, err
	}

	rl := NewRouteLimiter(def)
	for class, quota := range map[string][2]int{
		"push":    {cfg.PushRequests, cfg.PushBurst},
		"ingest":  {cfg.IngestRequests, cfg.IngestBurst},
		"metrics": {cfg.MetricsRequests, cfg.MetricsBurst},
	} {
		if quota[0] <= 0 {
			continue
		}
		classCfg := *base
		classCfg.Requests = quota[0]
		classCfg.BurstSize = quota[1]
		l, err := New(&classCfg)
		if err != nil {
			_ = rl.Close()
			return nil, err
		}
		rl.Route(class, l)
	}
	return rl, nil
}

// RouteLimiter раздаёт ключи вида "<class>:<identity>" лимитеру своего
// класса эндпоинтов, так что push/ingest/metrics живут с разными квотами,
// а идентичность (probe, relay, user) остаётся частью ключа bucket'а
type RouteLimiter struct {
	mu     sync.RWMutex
	def    Limiter
	routes map[string]Limiter
}

// NewRouteLimiter создаёт маршрутизатор с лимитером по умолчанию
func NewRouteLimiter(def Limiter) *RouteLimiter {
	return &RouteLimiter{
		def:    def,
		routes: make(map[string]Limiter),
	}
}

// Route назначает лимитер классу эндпоинтов
func (r *RouteLimiter) Route(class string, l Limiter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[class] = l
}

// resolve выбирает лимитер по префиксу ключа до первого ':'
func (r *RouteLimiter) resolve(key string) Limiter {
	class, _, ok := strings.Cut(key, ":")
	if !ok {
		return r.def
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if l, found := r.routes[class]; found {
		return l
	}
	return r.def
}

func (r *RouteLimiter) Allow(ctx context.Context, key string) (*LimitInfo, error) {
	return r.resolve(key).Allow(ctx, key)
}

func (r *RouteLimiter) AllowN(ctx context.Context, key string, n int) (*LimitInfo, error) {
	return r.resolve(key).AllowN(ctx, key, n)
}

func (r *RouteLimiter) Wait(ctx context.Context, key string) error {
	return r.resolve(key).Wait(ctx, key)
}

func (r *RouteLimiter) Reset(ctx context.Context, key string) error {
	return r.resolve(key).Reset(ctx, key)
}

// Close закрывает лимитер по умолчанию и все маршрутные лимитеры
func (r *RouteLimiter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	err := r.def.Close()
	for _, l := range r.routes {
		if cerr := l.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
