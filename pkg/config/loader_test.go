package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoader_LoadDefaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	// Check defaults
	if cfg.App.Name != "fiber-fabric" {
		t.Errorf("expected app name 'fiber-fabric', got %s", cfg.App.Name)
	}
	if cfg.HTTP.Port != 8080 {
		t.Errorf("expected HTTP port 8080, got %d", cfg.HTTP.Port)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("expected log level 'info', got %s", cfg.Log.Level)
	}
	if cfg.Metrics.Port != 9090 {
		t.Errorf("expected metrics port 9090, got %d", cfg.Metrics.Port)
	}
	if cfg.RateLimit.PushRequests != 100 {
		t.Errorf("expected push rate limit 100 req/min, got %d", cfg.RateLimit.PushRequests)
	}
	if cfg.RateLimit.IngestRequests != 50 {
		t.Errorf("expected ingest rate limit 50 req/min, got %d", cfg.RateLimit.IngestRequests)
	}
}

func TestLoader_LoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
app:
  name: custom-gateway
  version: 2.0.0
  environment: staging
http:
  port: 9000
log:
  level: debug
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	if err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	loader := NewLoader(WithConfigPaths(configPath))
	cfg, err := loader.Load()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.App.Name != "custom-gateway" {
		t.Errorf("expected app name 'custom-gateway', got %s", cfg.App.Name)
	}
	if cfg.App.Version != "2.0.0" {
		t.Errorf("expected version '2.0.0', got %s", cfg.App.Version)
	}
	if cfg.HTTP.Port != 9000 {
		t.Errorf("expected port 9000, got %d", cfg.HTTP.Port)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("expected log level 'debug', got %s", cfg.Log.Level)
	}
}

func TestLoader_LoadFromEnv(t *testing.T) {
	// Set env vars
	os.Setenv("FIBER_APP_NAME", "env-gateway")
	os.Setenv("FIBER_HTTP_PORT", "9001")
	defer func() {
		os.Unsetenv("FIBER_APP_NAME")
		os.Unsetenv("FIBER_HTTP_PORT")
	}()

	cfg, err := NewLoader().Load()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.App.Name != "env-gateway" {
		t.Errorf("expected app name 'env-gateway', got %s", cfg.App.Name)
	}
	if cfg.HTTP.Port != 9001 {
		t.Errorf("expected port 9001, got %d", cfg.HTTP.Port)
	}
}

func TestLoader_EnvOverridesFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
app:
  name: file-gateway
http:
  port: 9002
`
	os.WriteFile(configPath, []byte(configContent), 0644)

	// Env should override file
	os.Setenv("FIBER_APP_NAME", "env-override")
	defer os.Unsetenv("FIBER_APP_NAME")

	cfg, err := NewLoader(WithConfigPaths(configPath)).Load()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.App.Name != "env-override" {
		t.Errorf("expected env override, got %s", cfg.App.Name)
	}
	// Port should come from file
	if cfg.HTTP.Port != 9002 {
		t.Errorf("expected port from file 9002, got %d", cfg.HTTP.Port)
	}
}

func TestLoader_WithEnvPrefix(t *testing.T) {
	os.Setenv("CUSTOM_APP_NAME", "custom-prefix-service")
	defer os.Unsetenv("CUSTOM_APP_NAME")

	cfg, err := NewLoader(WithEnvPrefix("CUSTOM_")).Load()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.App.Name != "custom-prefix-service" {
		t.Errorf("expected 'custom-prefix-service', got %s", cfg.App.Name)
	}
}

func TestMustLoad_Success(t *testing.T) {
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("MustLoad should not panic with valid config")
		}
	}()

	cfg := MustLoad()
	if cfg == nil {
		t.Error("expected non-nil config")
	}
}

func TestLoad_Simple(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg == nil {
		t.Error("expected non-nil config")
	}
}

func TestLoadWithServiceDefaults(t *testing.T) {
	cfg, err := LoadWithServiceDefaults("test-svc", 60000)
	if err != nil {
		t.Fatalf("failed to load: %v", err)
	}

	// Should use service defaults since no explicit config
	if cfg.App.Name != "test-svc" {
		t.Errorf("expected app name 'test-svc', got %s", cfg.App.Name)
	}
	if cfg.HTTP.Port != 60000 {
		t.Errorf("expected port 60000, got %d", cfg.HTTP.Port)
	}
}

func TestLoader_ConfigEnvVar(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "custom-config.yaml")

	configContent := `
app:
  name: config-env-var-service
`
	os.WriteFile(configPath, []byte(configContent), 0644)

	os.Setenv("CONFIG_PATH", configPath)
	defer os.Unsetenv("CONFIG_PATH")

	cfg, err := NewLoader().Load()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.App.Name != "config-env-var-service" {
		t.Errorf("expected 'config-env-var-service', got %s", cfg.App.Name)
	}
}

func TestFromEnv(t *testing.T) {
	os.Setenv("NODE_ID", "probe-fra-01")
	os.Setenv("REGION", "eu-west")
	os.Setenv("MAX_RETRIES", "7")
	defer func() {
		os.Unsetenv("NODE_ID")
		os.Unsetenv("REGION")
		os.Unsetenv("MAX_RETRIES")
	}()

	e := FromEnv(ProbeConfig{MaxRetries: 5}, LogConfig{Level: "info"})
	if e.NodeID != "probe-fra-01" {
		t.Errorf("expected node id 'probe-fra-01', got %s", e.NodeID)
	}
	if e.Region != "eu-west" {
		t.Errorf("expected region 'eu-west', got %s", e.Region)
	}
	if e.MaxRetries != 7 {
		t.Errorf("expected max retries 7, got %d", e.MaxRetries)
	}
	if e.LogLevel != "info" {
		t.Errorf("expected fallback log level 'info', got %s", e.LogLevel)
	}
}
