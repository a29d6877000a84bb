// pkg/config/loader.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	envPrefix    = "FIBER_"
	configEnvVar = "CONFIG_PATH"
)

// Loader загружает конфигурацию из разных источников
type Loader struct {
	k           *koanf.Koanf
	configPaths []string
	envPrefix   string
}

// NewLoader создаёт новый загрузчик конфигурации
func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{
		k: koanf.New("."),
		configPaths: []string{
			"config.yaml",
			"config/config.yaml",
			"/etc/fiber/config.yaml",
		},
		envPrefix: envPrefix,
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// LoaderOption - опция для конфигурации загрузчика
type LoaderOption func(*Loader)

// WithConfigPaths устанавливает пути поиска конфигурации
func WithConfigPaths(paths ...string) LoaderOption {
	return func(l *Loader) {
		l.configPaths = paths
	}
}

// WithEnvPrefix устанавливает префикс переменных окружения
func WithEnvPrefix(prefix string) LoaderOption {
	return func(l *Loader) {
		l.envPrefix = prefix
	}
}

// Load загружает конфигурацию с приоритетом:
// 1. Defaults (самый низкий)
// 2. Config file (yaml)
// 3. Environment variables (самый высокий)
func (l *Loader) Load() (*Config, error) {
	// 1. Загружаем значения по умолчанию
	if err := l.loadDefaults(); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// 2. Загружаем из файла конфигурации
	if err := l.loadConfigFile(); err != nil {
		// Файл не обязателен, логируем warning
		fmt.Printf("Warning: %v\n", err)
	}

	// 3. Загружаем из переменных окружения (перезаписывают файл)
	if err := l.loadEnv(); err != nil {
		return nil, fmt.Errorf("failed to load env: %w", err)
	}

	// 4. Распаковываем в структуру
	var cfg Config
	if err := l.k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// 5. Валидируем
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// loadDefaults загружает значения по умолчанию
func (l *Loader) loadDefaults() error {
	defaults := map[string]any{
		// App
		"app.name":        "fiber-fabric",
		"app.version":     "1.0.0",
		"app.environment": "development",
		"app.debug":       false,

		// HTTP
		"http.port":                   8080,
		"http.read_timeout":           30 * time.Second,
		"http.write_timeout":          30 * time.Second,
		"http.shutdown_timeout":       30 * time.Second,
		"http.max_body_bytes":         10 * 1024 * 1024, // 10MB wire limit on batches
		"http.cors.enabled":           false,
		"http.cors.allowed_origins":   []string{"*"},
		"http.cors.allowed_methods":   []string{"GET", "POST", "OPTIONS"},
		"http.cors.allowed_headers":   []string{"*"},
		"http.cors.allow_credentials": false,
		"http.cors.max_age":           86400,

		// Log
		"log.level":       "info",
		"log.format":      "json",
		"log.output":      "stdout",
		"log.max_size":    100,
		"log.max_backups": 3,
		"log.max_age":     7,
		"log.compress":    true,
		"log.sample_rate": 1,

		// Metrics
		"metrics.enabled":   true,
		"metrics.port":      9090,
		"metrics.path":      "/metrics",
		"metrics.namespace": "fiber",
		"metrics.subsystem": "",

		// Tracing
		"tracing.enabled":      false,
		"tracing.endpoint":     "localhost:4317",
		"tracing.service_name": "fiber-fabric",
		"tracing.sample_rate":  0.1,

		// Database
		"database.driver":             "postgres",
		"database.host":               "localhost",
		"database.port":               5432,
		"database.database":           "fiber",
		"database.username":           "postgres",
		"database.password":           "",
		"database.ssl_mode":           "disable",
		"database.max_open_conns":     25,
		"database.max_idle_conns":     5,
		"database.conn_max_lifetime":  5 * time.Minute,
		"database.conn_max_idle_time": 5 * time.Minute,
		"database.auto_migrate":       true,

		// Cache (idempotency index)
		"cache.enabled":     true,
		"cache.driver":      "memory",
		"cache.host":        "localhost",
		"cache.port":        6379,
		"cache.db":          0,
		"cache.default_ttl": 24 * time.Hour, // batch_id retention window
		"cache.max_entries": 100000,

		// Queue (durable FIFO + DLQ between gateway/relay and ETL)
		"queue.driver":      "memory",
		"queue.host":        "localhost",
		"queue.port":        6379,
		"queue.db":          1,
		"queue.queue_key":   "fiber:etl:queue",
		"queue.dlq_key":     "fiber:etl:dlq",
		"queue.max_retries": 5,
		"queue.pop_timeout": 5 * time.Second,

		// Rate Limit (token bucket, per-probe, отдельные квоты на класс эндпоинта)
		"rate_limit.enabled":          true,
		"rate_limit.requests":         60,
		"rate_limit.window":           time.Minute,
		"rate_limit.backend":          "memory",
		"rate_limit.burst_size":       10,
		"rate_limit.idle_ttl":         10 * time.Minute,
		"rate_limit.cleanup_interval": 5 * time.Minute,
		"rate_limit.push_requests":    100,
		"rate_limit.push_burst":       10,
		"rate_limit.ingest_requests":  50,
		"rate_limit.ingest_burst":     10,
		"rate_limit.metrics_requests": 200,
		"rate_limit.metrics_burst":    20,
		"rate_limit.global_requests":  0,
		"rate_limit.global_burst":     0,

		// Audit
		"audit.enabled":      true,
		"audit.backend":      "stdout",
		"audit.buffer_size":  1000,
		"audit.flush_period": 5 * time.Second,

		// Auth
		"auth.secret_key":          "",
		"auth.federation_secret":   "",
		"auth.access_token_expiry": 15 * time.Minute,
		"auth.issuer":              "fiber-fabric",

		// Probe
		"probe.node_id":            "",
		"probe.region":             "",
		"probe.country":            "",
		"probe.api_endpoint":       "",
		"probe.regional_endpoint":  "",
		"probe.interval":           60 * time.Second,
		"probe.max_retries":        3,
		"probe.retry_backoff_base": 2 * time.Second,
		"probe.request_timeout":    10 * time.Second,
		"probe.max_buffer":         1440, // one day of per-minute samples
		"probe.batch_size":         50,

		// Gateway
		"gateway.degrade_on_dlq_depth": 0, // disabled by default
		"gateway.shed_fraction":        0.5,
		"gateway.batch_id_ttl":         24 * time.Hour,
		"gateway.max_batch_size":       1000,
		"gateway.max_batch_bytes":      10 * 1024 * 1024,

		// Relay
		"relay.central_endpoint":   "",
		"relay.buffer_max_age":     24 * time.Hour,
		"relay.forward_interval":   10 * time.Second,
		"relay.degraded_threshold": 100000,

		// ETL
		"etl.batch_pop_size":   100,
		"etl.poll_interval":    2 * time.Second,
		"etl.heartbeat_period": 30 * time.Second,
	}

	return l.k.Load(confmap.Provider(defaults, "."), nil)
}

// loadConfigFile загружает конфигурацию из файла
func (l *Loader) loadConfigFile() error {
	// Сначала проверяем переменную окружения
	if configPath := os.Getenv(configEnvVar); configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			return l.k.Load(file.Provider(configPath), yaml.Parser())
		}
	}

	// Ищем файл по списку путей
	for _, path := range l.configPaths {
		absPath, err := filepath.Abs(path)
		if err != nil {
			continue
		}

		if _, err := os.Stat(absPath); err == nil {
			return l.k.Load(file.Provider(absPath), yaml.Parser())
		}
	}

	return fmt.Errorf("config file not found in paths: %v", l.configPaths)
}

// loadEnv загружает конфигурацию из переменных окружения
func (l *Loader) loadEnv() error {
	return l.k.Load(env.Provider(l.envPrefix, ".", func(s string) string {
		// FIBER_GATEWAY_SHED_FRACTION -> gateway.shed_fraction
		return strings.ReplaceAll(
			strings.ToLower(
				strings.TrimPrefix(s, l.envPrefix),
			),
			"_", ".",
		)
	}), nil)
}

// MustLoad загружает конфигурацию или паникует
func MustLoad(opts ...LoaderOption) *Config {
	cfg, err := NewLoader(opts...).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// Load - удобная функция для загрузки с дефолтными настройками
func Load() (*Config, error) {
	return NewLoader().Load()
}

// LoadWithServiceDefaults загружает конфигурацию с переопределением для конкретного сервиса
func LoadWithServiceDefaults(serviceName string, defaultPort int) (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	// Если порт не задан явно, используем дефолтный для сервиса
	if cfg.HTTP.Port == 8080 && defaultPort != 0 {
		cfg.HTTP.Port = defaultPort
	}

	// Обновляем имя сервиса
	if cfg.App.Name == "fiber-fabric" {
		cfg.App.Name = serviceName
	}

	return cfg, nil
}
