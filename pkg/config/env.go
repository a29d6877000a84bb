package config

import (
	"os"
	"strconv"
	"time"
)

// ProbeEnv holds the bare (unprefixed) environment variables the probe
// agent reads directly, matching the exact names operators deploy a probe
// with (no FIBER_ prefix, no config file).
type ProbeEnv struct {
	NodeID               string
	Region               string
	Country              string
	APIEndpoint          string
	RegionalEndpoint     string
	FederationSecret     string
	JWTPublicKey         string
	Interval             time.Duration
	MaxRetries           int
	RetryBackoffBase     time.Duration
	RequestTimeout       time.Duration
	MaxBuffer            int
	BatchSize            int
	RateLimitIngestRate  int
	RateLimitIngestBurst int
	RateLimitGlobalMax   int
	QueueURL             string
	DBURL                string
	DLQDir               string
	LogLevel             string
	LogFormat            string
	LogSampleRate        int
}

// FromEnv reads the probe agent's bare environment variables, falling back
// to the given ProbeConfig/LogConfig defaults for anything unset.
func FromEnv(defaults ProbeConfig, logDefaults LogConfig) ProbeEnv {
	e := ProbeEnv{
		NodeID:               getenv("NODE_ID", defaults.NodeID),
		Region:               getenv("REGION", defaults.Region),
		Country:              getenv("COUNTRY", defaults.Country),
		APIEndpoint:          getenv("API_ENDPOINT", defaults.APIEndpoint),
		RegionalEndpoint:     getenv("REGIONAL_ENDPOINT", defaults.RegionalEndpoint),
		FederationSecret:     os.Getenv("FEDERATION_SECRET"),
		JWTPublicKey:         os.Getenv("JWT_PUBLIC_KEY"),
		Interval:             getenvDuration("INTERVAL", defaults.Interval),
		MaxRetries:           getenvInt("MAX_RETRIES", defaults.MaxRetries),
		RetryBackoffBase:     getenvDuration("RETRY_BACKOFF_BASE", defaults.RetryBackoffBase),
		RequestTimeout:       getenvDuration("REQUEST_TIMEOUT", defaults.RequestTimeout),
		MaxBuffer:            getenvInt("MAX_BUFFER", defaults.MaxBuffer),
		BatchSize:            getenvInt("BATCH_SIZE", defaults.BatchSize),
		RateLimitIngestRate:  getenvInt("RATE_LIMIT_INGEST_RATE", 60),
		RateLimitIngestBurst: getenvInt("RATE_LIMIT_INGEST_BURST", 10),
		RateLimitGlobalMax:   getenvInt("RATE_LIMIT_GLOBAL_MAX", 0),
		QueueURL:             os.Getenv("QUEUE_URL"),
		DBURL:                os.Getenv("DB_URL"),
		DLQDir:               os.Getenv("DLQ_DIR"),
		LogLevel:             getenv("LOG_LEVEL", logDefaults.Level),
		LogFormat:            getenv("LOG_FORMAT", logDefaults.Format),
		LogSampleRate:        getenvInt("LOG_SAMPLE_RATE", logDefaults.SampleRate),
	}
	return e
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
