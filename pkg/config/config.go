// pkg/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config - главная структура конфигурации фабрики телеметрии
type Config struct {
	App       AppConfig       `koanf:"app"`
	HTTP      HTTPConfig      `koanf:"http"`
	Log       LogConfig       `koanf:"log"`
	Metrics   MetricsConfig   `koanf:"metrics"`
	Tracing   TracingConfig   `koanf:"tracing"`
	Database  DatabaseConfig  `koanf:"database"`
	Cache     CacheConfig     `koanf:"cache"`
	Queue     QueueConfig     `koanf:"queue"`
	RateLimit RateLimitConfig `koanf:"rate_limit"`
	Audit     AuditConfig     `koanf:"audit"`
	Auth      AuthConfig      `koanf:"auth"`
	Probe     ProbeConfig     `koanf:"probe"`
	Gateway   GatewayConfig   `koanf:"gateway"`
	Relay     RelayConfig     `koanf:"relay"`
	ETL       ETLConfig       `koanf:"etl"`
}

// AppConfig - общие настройки приложения
type AppConfig struct {
	Name        string `koanf:"name"`
	Version     string `koanf:"version"`
	Environment string `koanf:"environment"` // development, staging, production
	Debug       bool   `koanf:"debug"`
}

// HTTPConfig - настройки HTTP сервера
type HTTPConfig struct {
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	MaxBodyBytes    int64         `koanf:"max_body_bytes"`
	CORS            CORSConfig    `koanf:"cors"`
}

// CORSConfig - настройки CORS
type CORSConfig struct {
	Enabled          bool     `koanf:"enabled"`
	AllowedOrigins   []string `koanf:"allowed_origins"`
	AllowedMethods   []string `koanf:"allowed_methods"`
	AllowedHeaders   []string `koanf:"allowed_headers"`
	AllowCredentials bool     `koanf:"allow_credentials"`
	MaxAge           int      `koanf:"max_age"`
}

// LogConfig - настройки логирования
type LogConfig struct {
	Level      string `koanf:"level"`       // debug, info, warn, error
	Format     string `koanf:"format"`      // json, text
	Output     string `koanf:"output"`      // stdout, stderr, file
	FilePath   string `koanf:"file_path"`   // путь к файлу логов
	MaxSize    int    `koanf:"max_size"`    // MB
	MaxBackups int    `koanf:"max_backups"` // количество бэкапов
	MaxAge     int    `koanf:"max_age"`     // дней
	Compress   bool   `koanf:"compress"`
	SampleRate int    `koanf:"sample_rate"` // логируем 1 из N debug-записей под нагрузкой
}

// MetricsConfig - настройки Prometheus метрик
type MetricsConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Port      int    `koanf:"port"`
	Path      string `koanf:"path"`
	Namespace string `koanf:"namespace"`
	Subsystem string `koanf:"subsystem"`
}

// TracingConfig - настройки OpenTelemetry
type TracingConfig struct {
	Enabled     bool    `koanf:"enabled"`
	Endpoint    string  `koanf:"endpoint"`
	ServiceName string  `koanf:"service_name"`
	SampleRate  float64 `koanf:"sample_rate"`
}

// DatabaseConfig - настройки базы данных
type DatabaseConfig struct {
	Driver          string        `koanf:"driver"` // postgres
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	Database        string        `koanf:"database"`
	Username        string        `koanf:"username"`
	Password        string        `koanf:"password"`
	SSLMode         string        `koanf:"ssl_mode"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `koanf:"conn_max_idle_time"`
	MigrationsPath  string        `koanf:"migrations_path"`
	AutoMigrate     bool          `koanf:"auto_migrate"`
}

// DSN возвращает строку подключения
func (d DatabaseConfig) DSN() string {
	switch strings.ToLower(d.Driver) {
	case "postgres", "postgresql":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.Username, d.Password, d.Database, d.SSLMode,
		)
	default:
		return ""
	}
}

// CacheConfig - настройки кэширования (используется для идемпотентности batch_id)
type CacheConfig struct {
	Enabled    bool          `koanf:"enabled"`
	Driver     string        `koanf:"driver"` // redis, memory
	Host       string        `koanf:"host"`
	Port       int           `koanf:"port"`
	Password   string        `koanf:"password"`
	DB         int           `koanf:"db"`
	DefaultTTL time.Duration `koanf:"default_ttl"`
	MaxEntries int           `koanf:"max_entries"` // для in-memory
}

// Address возвращает адрес кэша
func (c CacheConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// QueueConfig - настройки durable очереди и DLQ между gateway/relay и ETL
type QueueConfig struct {
	Driver     string        `koanf:"driver"` // redis, memory
	Host       string        `koanf:"host"`
	Port       int           `koanf:"port"`
	Password   string        `koanf:"password"`
	DB         int           `koanf:"db"`
	QueueKey   string        `koanf:"queue_key"`
	DLQKey     string        `koanf:"dlq_key"`
	MaxRetries int           `koanf:"max_retries"`
	PopTimeout time.Duration `koanf:"pop_timeout"`
}

// Address возвращает адрес очереди
func (q QueueConfig) Address() string {
	return fmt.Sprintf("%s:%d", q.Host, q.Port)
}

// RateLimitConfig конфигурация token-bucket rate limiting. Квоты задаются
// на класс эндпоинта: push на пробу, ingest на релей, metrics на пользователя
type RateLimitConfig struct {
	Enabled         bool          `koanf:"enabled"`
	Requests        int           `koanf:"requests"` // квота по умолчанию, tokens per Window
	Window          time.Duration `koanf:"window"`
	Backend         string        `koanf:"backend"` // redis, memory
	BurstSize       int           `koanf:"burst_size"`
	IdleTTL         time.Duration `koanf:"idle_ttl"`
	CleanupInterval time.Duration `koanf:"cleanup_interval"`
	RedisAddr       string        `koanf:"redis_addr"`

	PushRequests    int `koanf:"push_requests"`
	PushBurst       int `koanf:"push_burst"`
	IngestRequests  int `koanf:"ingest_requests"`
	IngestBurst     int `koanf:"ingest_burst"`
	MetricsRequests int `koanf:"metrics_requests"`
	MetricsBurst    int `koanf:"metrics_burst"`

	// GlobalRequests задаёт общесистемный потолок поверх пер-пробных квот;
	// 0 выключает глобальный bucket
	GlobalRequests int `koanf:"global_requests"`
	GlobalBurst    int `koanf:"global_burst"`
}

// AuditConfig конфигурация аудит лога
type AuditConfig struct {
	Enabled         bool          `koanf:"enabled"`
	Backend         string        `koanf:"backend"`
	FilePath        string        `koanf:"file_path"`
	BufferSize      int           `koanf:"buffer_size"`
	FlushPeriod     time.Duration `koanf:"flush_period"`
	ExcludeMethods  []string      `koanf:"exclude_methods"`
	IncludeRequest  bool          `koanf:"include_request"`
	IncludeResponse bool          `koanf:"include_response"`
}

// AuthConfig настройки JWT-аутентификации проб и реле
type AuthConfig struct {
	SecretKey         string        `koanf:"secret_key"`
	FederationSecret  string        `koanf:"federation_secret"`
	AccessTokenExpiry time.Duration `koanf:"access_token_expiry"`
	Issuer            string        `koanf:"issuer"`
}

// ProbeConfig настройки агента-зонда
type ProbeConfig struct {
	NodeID           string        `koanf:"node_id"`
	Region           string        `koanf:"region"`
	Country          string        `koanf:"country"`
	APIEndpoint      string        `koanf:"api_endpoint"`
	RegionalEndpoint string        `koanf:"regional_endpoint"`
	Interval         time.Duration `koanf:"interval"`
	MaxRetries       int           `koanf:"max_retries"`
	RetryBackoffBase time.Duration `koanf:"retry_backoff_base"`
	RequestTimeout   time.Duration `koanf:"request_timeout"`
	MaxBuffer        int           `koanf:"max_buffer"`
	BatchSize        int           `koanf:"batch_size"`
}

// GatewayConfig настройки ingestion gateway
type GatewayConfig struct {
	DegradeOnDLQDepth int           `koanf:"degrade_on_dlq_depth"` // 0 = disabled
	ShedFraction      float64       `koanf:"shed_fraction"`        // доля запросов, сбрасываемых при деградации
	BatchIDTTL        time.Duration `koanf:"batch_id_ttl"`         // окно идемпотентности
	MaxBatchSize      int           `koanf:"max_batch_size"`
	MaxBatchBytes     int64         `koanf:"max_batch_bytes"`
}

// RelayConfig настройки регионального релея федерации
type RelayConfig struct {
	CentralEndpoint   string        `koanf:"central_endpoint"`
	BufferMaxAge      time.Duration `koanf:"buffer_max_age"` // 24h
	ForwardInterval   time.Duration `koanf:"forward_interval"`
	DegradedThreshold int           `koanf:"degraded_threshold"` // buffer depth that forces DEGRADED_FULL
}

// ETLConfig настройки консьюмера нормализации/персистенции
type ETLConfig struct {
	BatchPopSize    int           `koanf:"batch_pop_size"`
	PollInterval    time.Duration `koanf:"poll_interval"`
	HeartbeatPeriod time.Duration `koanf:"heartbeat_period"`
}

// Validate проверяет конфигурацию
func (c *Config) Validate() error {
	var errs []string

	if c.App.Name == "" {
		errs = append(errs, "app.name is required")
	}

	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		errs = append(errs, fmt.Sprintf("http.port must be between 1 and 65535, got %d", c.HTTP.Port))
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Log.Level)] {
		errs = append(errs, fmt.Sprintf("log.level must be one of: debug, info, warn, error, got %s", c.Log.Level))
	}

	validBackends := map[string]bool{"memory": true, "redis": true}
	if c.RateLimit.Backend != "" && !validBackends[c.RateLimit.Backend] {
		errs = append(errs, fmt.Sprintf("rate_limit.backend must be one of: memory, redis, got %s", c.RateLimit.Backend))
	}

	if c.Gateway.ShedFraction < 0 || c.Gateway.ShedFraction > 1 {
		errs = append(errs, "gateway.shed_fraction must be between 0 and 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return nil
}

// IsDevelopment проверяет режим разработки
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == "development" || c.App.Environment == "dev"
}

// IsProduction проверяет продакшн режим
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production" || c.App.Environment == "prod"
}
