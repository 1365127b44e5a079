package prometheus

import (
	"errors"
	"time"

	"github.com/marmos91/dittodav/pkg/backend"
	"github.com/marmos91/dittodav/pkg/dav"
	"github.com/marmos91/dittodav/pkg/metrics"
	"github.com/marmos91/dittodav/pkg/pool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// poolMetrics is the Prometheus implementation of pool.Metrics.
type poolMetrics struct {
	acquireWait     prometheus.Histogram
	acquireFailures *prometheus.CounterVec
	queries         *prometheus.CounterVec
	queryDuration   *prometheus.HistogramVec
}

// NewPoolMetrics creates a Prometheus-backed pool.Metrics.
//
// Returns nil if metrics are not enabled, which makes pool.SetMetrics keep
// the built-in no-op recorder.
func NewPoolMetrics() pool.Metrics {
	if !metrics.IsEnabled() {
		return nil
	}
	return newPoolMetrics(metrics.GetRegistry())
}

func newPoolMetrics(reg prometheus.Registerer) *poolMetrics {
	return &poolMetrics{
		acquireWait: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name: "dittodav_pool_acquire_wait_seconds",
				Help: "Time spent waiting for a backend connection",
				Buckets: []float64{
					0.0001, // 100µs
					0.001,  // 1ms
					0.01,   // 10ms
					0.1,    // 100ms
					1.0,    // 1s
					5.0,    // 5s
				},
			},
		),
		acquireFailures: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittodav_pool_acquire_failures_total",
				Help: "Failed connection checkouts by error kind",
			},
			[]string{"kind"},
		),
		queries: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittodav_backend_queries_total",
				Help: "Backend queries by operation and status",
			},
			[]string{"op", "status"},
		),
		queryDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "dittodav_backend_query_duration_seconds",
				Help: "Duration of backend queries in seconds",
				Buckets: []float64{
					0.0001, // 100µs
					0.001,  // 1ms
					0.01,   // 10ms
					0.1,    // 100ms
					1.0,    // 1s
				},
			},
			[]string{"op"},
		),
	}
}

func (m *poolMetrics) ObserveAcquire(wait time.Duration, err error) {
	m.acquireWait.Observe(wait.Seconds())
	if err == nil {
		return
	}
	kind := "Unknown"
	if k := dav.KindOf(err); k != 0 {
		kind = k.String()
	}
	m.acquireFailures.WithLabelValues(kind).Inc()
}

func (m *poolMetrics) ObserveExecute(op backend.Op, duration time.Duration, err error) {
	status := "success"
	switch {
	case err == nil:
	case errors.Is(err, backend.ErrNotFound):
		status = "not_found"
	default:
		status = "error"
	}
	m.queries.WithLabelValues(op.String(), status).Inc()
	m.queryDuration.WithLabelValues(op.String()).Observe(duration.Seconds())
}
