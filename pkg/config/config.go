package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	davadapter "github.com/marmos91/dittodav/pkg/adapter/dav"
)

// Config represents the complete DittoDAV configuration.
//
// This structure captures all configurable aspects of the DittoDAV server including:
//   - Logging configuration
//   - Server-wide settings (drain deadline, metrics endpoint)
//   - Admission pool limits
//   - Router prefixes and route cache lifetime
//   - Two-tier cache sizing
//   - Backend connection pool sizing
//   - Backend selection and configuration (backend-specific)
//   - Protocol adapter configurations
//
// Configuration sources (in order of precedence):
//  1. Environment variables (DITTODAV_*)
//  2. Configuration file (YAML or TOML)
//  3. Default values (lowest priority)
//
// Backend Configuration Pattern:
// Each backend defines its own configuration type. The Backend section carries
// one map per backend type and only the map matching the selected type is used.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging"`

	// Server contains server-wide settings
	Server ServerConfig `mapstructure:"server"`

	// Admission bounds concurrency, queueing and per-client fairness
	Admission AdmissionConfig `mapstructure:"admission"`

	// Router configures path prefixes and the route cache
	Router RouterConfig `mapstructure:"router"`

	// Cache sizes the L1/L2 cache tiers
	Cache CacheConfig `mapstructure:"cache"`

	// Pool sizes the backend connection pool
	Pool PoolConfig `mapstructure:"pool"`

	// Locks configures WebDAV write locks
	Locks LocksConfig `mapstructure:"locks"`

	// Backend specifies the storage backend type and type-specific configuration
	Backend BackendConfig `mapstructure:"backend"`

	// Adapters contains protocol adapter configurations
	Adapters AdaptersConfig `mapstructure:"adapters"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" validate:"required,oneof=text json"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required"`
}

// ServerConfig contains server-wide settings.
type ServerConfig struct {
	// ShutdownTimeout bounds how long queued and running requests are drained
	// at shutdown before they are cancelled
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0"`

	// Metrics configures the Prometheus endpoint
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// MetricsConfig configures the Prometheus metrics HTTP server.
type MetricsConfig struct {
	// Enabled turns metrics collection and the /metrics endpoint on
	Enabled bool `mapstructure:"enabled"`

	// Port is the metrics HTTP port
	Port int `mapstructure:"port" validate:"omitempty,min=1,max=65535"`
}

// AdmissionConfig bounds the admission pool.
type AdmissionConfig struct {
	// MaxConcurrentRequests is the number of requests admitted at once
	// (queued plus running)
	MaxConcurrentRequests int `mapstructure:"max_concurrent_requests" validate:"gt=0"`

	// MaxRequestsPerClient caps the admitted requests of a single client
	MaxRequestsPerClient int `mapstructure:"max_requests_per_client" validate:"gt=0"`

	// MaxQueueSize caps the waiting queue across all priorities
	MaxQueueSize int `mapstructure:"max_queue_size" validate:"gt=0"`

	// CriticalQueueReserve is queue room only Critical requests may use
	CriticalQueueReserve int `mapstructure:"critical_queue_reserve" validate:"gte=0"`

	// WorkerCount fixes the number of workers. 0 means NumCPU x WorkerMultiplier
	WorkerCount int `mapstructure:"worker_count" validate:"gte=0"`

	// WorkerMultiplier scales NumCPU when WorkerCount is 0
	WorkerMultiplier int `mapstructure:"worker_multiplier" validate:"gt=0"`

	// RequestTimeout bounds a request from admission to completion
	RequestTimeout time.Duration `mapstructure:"request_timeout" validate:"gt=0"`

	// ClientRate is the sustained per-client request rate (req/s). 0 disables it
	ClientRate float64 `mapstructure:"client_rate" validate:"gte=0"`

	// ClientBurst is the per-client token bucket size
	ClientBurst int `mapstructure:"client_burst" validate:"gte=0"`

	// ClientSweepInterval is how often idle per-client state is dropped
	ClientSweepInterval time.Duration `mapstructure:"client_sweep_interval" validate:"gt=0"`
}

// RouterConfig configures request routing.
type RouterConfig struct {
	// AdminPrefix is the path prefix of the administrative endpoints
	AdminPrefix string `mapstructure:"admin_prefix" validate:"required,startswith=/"`

	// DavPrefix is the path prefix of the WebDAV namespace
	DavPrefix string `mapstructure:"dav_prefix" validate:"required,startswith=/"`

	// RouteTTL is how long a resolved route stays cached
	RouteTTL time.Duration `mapstructure:"route_ttl" validate:"gt=0"`
}

// CacheConfig sizes the two cache tiers.
type CacheConfig struct {
	// L1Size is the entry capacity of the hot tier
	L1Size int `mapstructure:"l1_size" validate:"gt=0"`

	// L2Size is the entry capacity of the warm tier
	L2Size int `mapstructure:"l2_size" validate:"gt=0"`

	// L1MaxEntrySize is the largest value (bytes) admitted to L1
	L1MaxEntrySize int `mapstructure:"l1_max_entry_size" validate:"gt=0"`

	// CompressionThreshold is the value size (bytes) from which L2 entries
	// are compressed. 0 disables compression
	CompressionThreshold int `mapstructure:"compression_threshold" validate:"gte=0"`

	// DefaultTTL applies to entries stored without an explicit TTL
	DefaultTTL time.Duration `mapstructure:"default_ttl" validate:"gt=0"`

	// ResponseTTL bounds how long GET and PROPFIND responses stay cached
	ResponseTTL time.Duration `mapstructure:"response_ttl" validate:"gt=0"`

	// SweepInterval is how often expired entries are purged
	SweepInterval time.Duration `mapstructure:"sweep_interval" validate:"gt=0"`
}

// PoolConfig sizes the backend connection pool.
type PoolConfig struct {
	// MinSize connections are kept open
	MinSize int32 `mapstructure:"min_size" validate:"gte=0"`

	// MaxSize caps open connections
	MaxSize int32 `mapstructure:"max_size" validate:"gt=0"`

	// MaxLifetime retires connections older than this. 0 keeps them forever
	MaxLifetime time.Duration `mapstructure:"max_lifetime" validate:"gte=0"`

	// MaxIdleTime retires connections idle longer than this. 0 keeps them
	MaxIdleTime time.Duration `mapstructure:"max_idle_time" validate:"gte=0"`

	// AcquireTimeout bounds how long a request waits for a connection
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout" validate:"gt=0"`

	// HealthCheckTimeout bounds a single connection health check
	HealthCheckTimeout time.Duration `mapstructure:"health_check_timeout" validate:"gt=0"`

	// SweepInterval is how often idle, expired and unhealthy connections are retired
	SweepInterval time.Duration `mapstructure:"sweep_interval" validate:"gt=0"`
}

// LocksConfig configures WebDAV write locks.
type LocksConfig struct {
	// DefaultTimeout applies when a LOCK request carries no Timeout header
	DefaultTimeout time.Duration `mapstructure:"default_timeout" validate:"gt=0"`

	// MaxTimeout caps the timeout a client may request
	MaxTimeout time.Duration `mapstructure:"max_timeout" validate:"gt=0"`

	// SweepInterval is how often expired locks are dropped
	SweepInterval time.Duration `mapstructure:"sweep_interval" validate:"gt=0"`
}

// BackendConfig specifies the storage backend.
//
// The Type field determines which backend implementation is used.
// Only the corresponding type-specific configuration section is used.
type BackendConfig struct {
	// Type specifies which backend implementation to use
	// Valid values: memory, badger, s3, postgres
	Type string `mapstructure:"type" validate:"required,oneof=memory badger s3 postgres"`

	// Badger contains BadgerDB-specific configuration
	// Only used when Type = "badger"
	Badger map[string]any `mapstructure:"badger"`

	// S3 contains S3-specific configuration
	// Only used when Type = "s3"
	S3 map[string]any `mapstructure:"s3"`

	// Postgres contains PostgreSQL-specific configuration
	// Only used when Type = "postgres"
	Postgres map[string]any `mapstructure:"postgres"`
}

// AdaptersConfig contains all protocol adapter configurations.
type AdaptersConfig struct {
	// DAV contains the HTTP/WebDAV adapter configuration.
	// Uses the dav.DAVConfig type directly to avoid duplication.
	DAV davadapter.DAVConfig `mapstructure:"dav"`
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (DITTODAV_*)
//  2. Configuration file
//  3. Default values
//
// An empty configPath searches the default location. A missing file is not
// an error: defaults apply.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Environment variables use DITTODAV_ prefix and underscores
	// Example: DITTODAV_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("DITTODAV")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	registerDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Default location: $XDG_CONFIG_HOME/dittodav/config.{yaml,toml}
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists.
func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	return nil
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to current
// directory (.) if home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "dittodav")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "dittodav")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// ConfigExists checks if a config file exists at the default location.
func ConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path (exposed for the init command).
func GetConfigDir() string {
	return getConfigDir()
}
