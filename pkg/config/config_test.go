package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	return path
}

func TestLoad_DefaultConfig(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
logging:
  level: "INFO"

backend:
  type: "memory"

adapters:
  dav:
    enabled: true
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Logging.Format != "text" {
		t.Errorf("Expected default format 'text', got %q", cfg.Logging.Format)
	}
	if cfg.Server.ShutdownTimeout != 30*time.Second {
		t.Errorf("Expected default shutdown_timeout 30s, got %v", cfg.Server.ShutdownTimeout)
	}
	if cfg.Adapters.DAV.Port != 8080 {
		t.Errorf("Expected default DAV port 8080, got %d", cfg.Adapters.DAV.Port)
	}
	if cfg.Admission.MaxQueueSize != 50000 {
		t.Errorf("Expected default max_queue_size 50000, got %d", cfg.Admission.MaxQueueSize)
	}
	if cfg.Cache.CompressionThreshold != 4096 {
		t.Errorf("Expected default compression_threshold 4096, got %d", cfg.Cache.CompressionThreshold)
	}
	if cfg.Pool.MinSize != 2 {
		t.Errorf("Expected default pool min_size 2, got %d", cfg.Pool.MinSize)
	}
}

func TestLoad_NoConfigFile(t *testing.T) {
	// An explicit path that does not exist keeps the user's
	// ~/.config/dittodav out of the test.
	nonExistentPath := filepath.Join(t.TempDir(), "nonexistent.yaml")

	cfg, err := Load(nonExistentPath)
	if err != nil {
		t.Fatalf("Expected no error with missing config file, got: %v", err)
	}

	if cfg.Logging.Level != "INFO" {
		t.Errorf("Expected default level 'INFO', got %q", cfg.Logging.Level)
	}
	if cfg.Backend.Type != "memory" {
		t.Errorf("Expected default backend type 'memory', got %q", cfg.Backend.Type)
	}
	if !cfg.Adapters.DAV.Enabled {
		t.Error("Expected DAV adapter enabled by default")
	}
}

func TestLoad_ExplicitZeroIsKept(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
cache:
  compression_threshold: 0
pool:
  min_size: 0
  max_lifetime: 0s
admission:
  critical_queue_reserve: 0
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Cache.CompressionThreshold != 0 {
		t.Errorf("Expected compression disabled, got threshold %d", cfg.Cache.CompressionThreshold)
	}
	if cfg.Pool.MinSize != 0 {
		t.Errorf("Expected min_size 0, got %d", cfg.Pool.MinSize)
	}
	if cfg.Pool.MaxLifetime != 0 {
		t.Errorf("Expected max_lifetime 0, got %v", cfg.Pool.MaxLifetime)
	}
	if cfg.Admission.CriticalQueueReserve != 0 {
		t.Errorf("Expected critical_queue_reserve 0, got %d", cfg.Admission.CriticalQueueReserve)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, "invalid.yaml", `
logging:
  level: INFO
  invalid yaml here [[[
`)

	if _, err := Load(configPath); err == nil {
		t.Fatal("Expected error with invalid YAML, got nil")
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
pool:
  min_size: 8
  max_size: 4
`)

	if _, err := Load(configPath); err == nil {
		t.Fatal("Expected validation error for min_size > max_size")
	}
}

func TestLoad_TOML(t *testing.T) {
	configPath := writeConfig(t, "config.toml", `
[logging]
level = "WARN"
format = "json"

[admission]
max_concurrent_requests = 500
request_timeout = "5s"

[backend]
type = "badger"

[backend.badger]
in_memory = true

[adapters.dav]
enabled = true
port = 8081
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load TOML config: %v", err)
	}

	if cfg.Logging.Level != "WARN" {
		t.Errorf("Expected level 'WARN', got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Expected format 'json', got %q", cfg.Logging.Format)
	}
	if cfg.Admission.MaxConcurrentRequests != 500 {
		t.Errorf("Expected max_concurrent_requests 500, got %d", cfg.Admission.MaxConcurrentRequests)
	}
	if cfg.Admission.RequestTimeout != 5*time.Second {
		t.Errorf("Expected request_timeout 5s, got %v", cfg.Admission.RequestTimeout)
	}
	if cfg.Backend.Type != "badger" {
		t.Errorf("Expected backend 'badger', got %q", cfg.Backend.Type)
	}
	if v, ok := cfg.Backend.Badger["in_memory"]; !ok || v != true {
		t.Errorf("Expected backend.badger.in_memory true, got %v", v)
	}
	if cfg.Adapters.DAV.Port != 8081 {
		t.Errorf("Expected DAV port 8081, got %d", cfg.Adapters.DAV.Port)
	}
}

func TestGetDefaultConfig(t *testing.T) {
	cfg := GetDefaultConfig()

	if cfg.Logging.Level != "INFO" {
		t.Errorf("Expected default log level 'INFO', got %q", cfg.Logging.Level)
	}
	if cfg.Server.ShutdownTimeout != 30*time.Second {
		t.Errorf("Expected default shutdown timeout 30s, got %v", cfg.Server.ShutdownTimeout)
	}
	if cfg.Router.AdminPrefix != "/admin" || cfg.Router.DavPrefix != "/dav" {
		t.Errorf("Expected prefixes /admin and /dav, got %q and %q", cfg.Router.AdminPrefix, cfg.Router.DavPrefix)
	}
	if cfg.Cache.L1Size != 1000 || cfg.Cache.L2Size != 10000 {
		t.Errorf("Expected cache sizes 1000/10000, got %d/%d", cfg.Cache.L1Size, cfg.Cache.L2Size)
	}
	if cfg.Pool.MaxSize != 32 {
		t.Errorf("Expected default pool max_size 32, got %d", cfg.Pool.MaxSize)
	}
	if cfg.Backend.Type != "memory" {
		t.Errorf("Expected default backend type 'memory', got %q", cfg.Backend.Type)
	}
	if !cfg.Adapters.DAV.Enabled {
		t.Error("Expected DAV adapter enabled by default")
	}
}

func TestConfigExists(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	if ConfigExists() {
		t.Fatal("Expected no config in a fresh config home")
	}
	if _, err := InitConfig(false); err != nil {
		t.Fatalf("InitConfig failed: %v", err)
	}
	if !ConfigExists() {
		t.Fatal("Expected config to exist after InitConfig")
	}
}

func TestGetDefaultConfigPath(t *testing.T) {
	path := GetDefaultConfigPath()

	if filepath.Base(path) != "config.yaml" {
		t.Errorf("Expected filename 'config.yaml', got %q", filepath.Base(path))
	}
}

func TestGetConfigDir(t *testing.T) {
	xdg := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", xdg)

	if dir := GetConfigDir(); dir != filepath.Join(xdg, "dittodav") {
		t.Errorf("Expected %q, got %q", filepath.Join(xdg, "dittodav"), dir)
	}
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	t.Setenv("DITTODAV_LOGGING_LEVEL", "ERROR")
	t.Setenv("DITTODAV_ADAPTERS_DAV_PORT", "9080")
	t.Setenv("DITTODAV_ADMISSION_MAX_QUEUE_SIZE", "1234")

	configPath := writeConfig(t, "config.yaml", `
logging:
  level: "INFO"

adapters:
  dav:
    enabled: true
    port: 8080
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Logging.Level != "ERROR" {
		t.Errorf("Expected level 'ERROR' from env var, got %q", cfg.Logging.Level)
	}
	if cfg.Adapters.DAV.Port != 9080 {
		t.Errorf("Expected port 9080 from env var, got %d", cfg.Adapters.DAV.Port)
	}
	// Key absent from the file, known through the registered defaults
	if cfg.Admission.MaxQueueSize != 1234 {
		t.Errorf("Expected max_queue_size 1234 from env var, got %d", cfg.Admission.MaxQueueSize)
	}
}
