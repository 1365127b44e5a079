package config

import (
	"github.com/marmos91/dittodav/pkg/metrics"
	promMetrics "github.com/marmos91/dittodav/pkg/metrics/prometheus"
	"github.com/marmos91/dittodav/pkg/pool"
)

// MetricsResult contains all metrics-related components created from configuration.
type MetricsResult struct {
	// Server is the HTTP server exposing Prometheus metrics (nil if disabled)
	Server *metrics.Server

	// DAVMetrics is the metrics collector for the DAV adapter (never nil, uses noop if disabled)
	DAVMetrics metrics.DAVMetrics

	// PoolMetrics observes backend connection use (nil if disabled)
	PoolMetrics pool.Metrics
}

// InitializeMetrics creates and initializes all metrics components based on configuration.
//
// If metrics are enabled in the configuration:
//   - Initializes the global Prometheus registry
//   - Creates the metrics HTTP server
//   - Creates Prometheus-backed metrics instances for all components
//
// If metrics are disabled:
//   - Returns nil server
//   - Returns no-op metrics implementations (zero overhead)
//
// Call it before InitializeCore so the core's snapshot collector lands in
// the registry.
func InitializeMetrics(cfg *Config) *MetricsResult {
	if !cfg.Server.Metrics.Enabled {
		return &MetricsResult{
			DAVMetrics: metrics.NewNoopDAVMetrics(),
		}
	}

	metrics.InitRegistry()

	server := metrics.NewServer(metrics.ServerConfig{
		Port: cfg.Server.Metrics.Port,
	})

	return &MetricsResult{
		Server:      server,
		DAVMetrics:  promMetrics.NewDAVMetrics(),
		PoolMetrics: promMetrics.NewPoolMetrics(),
	}
}
