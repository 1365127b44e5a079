package config

import (
	"strings"
	"time"

	davadapter "github.com/marmos91/dittodav/pkg/adapter/dav"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// This function is called after loading configuration from file and environment
// variables to fill in any missing values with sensible defaults.
//
// Default Strategy:
//   - Zero values are replaced with defaults when zero is not a meaningful setting
//   - Fields where zero means "disabled" (compression_threshold, client_rate,
//     pool.min_size, ...) are left alone; their defaults come from
//     GetDefaultConfig through the viper defaults registered by Load
//   - Explicit values are preserved
//   - Backend-specific defaults are handled by the backend implementations
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyServerDefaults(&cfg.Server)
	applyAdmissionDefaults(&cfg.Admission)
	applyRouterDefaults(&cfg.Router)
	applyCacheDefaults(&cfg.Cache)
	applyPoolDefaults(&cfg.Pool)
	applyLocksDefaults(&cfg.Locks)
	applyBackendDefaults(&cfg.Backend)
	applyAdaptersDefaults(&cfg.Adapters)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	// Normalize log level to uppercase for consistent internal representation
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}
}

func applyAdmissionDefaults(cfg *AdmissionConfig) {
	if cfg.MaxConcurrentRequests == 0 {
		cfg.MaxConcurrentRequests = 10000
	}
	if cfg.MaxRequestsPerClient == 0 {
		cfg.MaxRequestsPerClient = 100
	}
	if cfg.MaxQueueSize == 0 {
		cfg.MaxQueueSize = 50000
	}
	// WorkerCount 0 means NumCPU x WorkerMultiplier
	if cfg.WorkerMultiplier == 0 {
		cfg.WorkerMultiplier = 2
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.ClientSweepInterval == 0 {
		cfg.ClientSweepInterval = time.Minute
	}
}

func applyRouterDefaults(cfg *RouterConfig) {
	if cfg.AdminPrefix == "" {
		cfg.AdminPrefix = "/admin"
	}
	if cfg.DavPrefix == "" {
		cfg.DavPrefix = "/dav"
	}
	if cfg.RouteTTL == 0 {
		cfg.RouteTTL = 24 * time.Hour
	}
}

func applyCacheDefaults(cfg *CacheConfig) {
	if cfg.L1Size == 0 {
		cfg.L1Size = 1000
	}
	if cfg.L2Size == 0 {
		cfg.L2Size = 10000
	}
	if cfg.L1MaxEntrySize == 0 {
		cfg.L1MaxEntrySize = 64 << 10
	}
	if cfg.DefaultTTL == 0 {
		cfg.DefaultTTL = 5 * time.Minute
	}
	if cfg.ResponseTTL == 0 {
		cfg.ResponseTTL = 30 * time.Second
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = 30 * time.Second
	}
}

func applyPoolDefaults(cfg *PoolConfig) {
	if cfg.MaxSize == 0 {
		cfg.MaxSize = 32
	}
	if cfg.AcquireTimeout == 0 {
		cfg.AcquireTimeout = 5 * time.Second
	}
	if cfg.HealthCheckTimeout == 0 {
		cfg.HealthCheckTimeout = time.Second
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = 30 * time.Second
	}
}

func applyLocksDefaults(cfg *LocksConfig) {
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = 10 * time.Minute
	}
	if cfg.MaxTimeout == 0 {
		cfg.MaxTimeout = time.Hour
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = time.Minute
	}
}

// applyBackendDefaults sets backend defaults.
func applyBackendDefaults(cfg *BackendConfig) {
	if cfg.Type == "" {
		cfg.Type = "memory"
	}

	if cfg.Badger == nil {
		cfg.Badger = make(map[string]any)
	}
	if cfg.S3 == nil {
		cfg.S3 = make(map[string]any)
	}
	if cfg.Postgres == nil {
		cfg.Postgres = make(map[string]any)
	}

	// Defaults for every backend type, so generated config files show them
	if _, ok := cfg.Badger["path"]; !ok {
		cfg.Badger["path"] = "/tmp/dittodav-badger"
	}
	if _, ok := cfg.S3["region"]; !ok {
		cfg.S3["region"] = "us-east-1"
	}
	if _, ok := cfg.S3["max_retries"]; !ok {
		cfg.S3["max_retries"] = 10
	}
	if _, ok := cfg.Postgres["table"]; !ok {
		cfg.Postgres["table"] = "dav_objects"
	}
	if _, ok := cfg.Postgres["connect_timeout"]; !ok {
		cfg.Postgres["connect_timeout"] = "5s"
	}
}

// applyAdaptersDefaults sets adapter defaults.
func applyAdaptersDefaults(cfg *AdaptersConfig) {
	// Enable the DAV adapter by default if it was not configured at all.
	// This ensures that a freshly loaded config (with no config file) has
	// at least one adapter enabled and passes validation.
	// Users can explicitly set enabled: false to disable it.
	if !cfg.DAV.Enabled && cfg.DAV.Port == 0 {
		cfg.DAV.Enabled = true
	}

	applyDAVDefaults(&cfg.DAV)
}

// applyDAVDefaults sets DAV adapter defaults.
func applyDAVDefaults(cfg *davadapter.DAVConfig) {
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 2 * time.Minute
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.MaxBodyBytes == 0 {
		cfg.MaxBodyBytes = 32 << 20
	}
	if cfg.RetryAfter == 0 {
		cfg.RetryAfter = time.Second
	}
}

// GetDefaultConfig returns a Config struct with all default values applied.
//
// This is useful for:
//   - Generating sample configuration files
//   - Registering viper defaults
//   - Testing
func GetDefaultConfig() *Config {
	cfg := &Config{
		Admission: AdmissionConfig{
			CriticalQueueReserve: 1024,
		},
		Cache: CacheConfig{
			CompressionThreshold: 4 << 10,
		},
		Pool: PoolConfig{
			MinSize:     2,
			MaxLifetime: time.Hour,
			MaxIdleTime: 5 * time.Minute,
		},
	}

	ApplyDefaults(cfg)
	return cfg
}
