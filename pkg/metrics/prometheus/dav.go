// Package prometheus holds the Prometheus-backed implementations of the
// metrics interfaces used by DittoDAV components.
package prometheus

import (
	"strconv"
	"time"

	"github.com/marmos91/dittodav/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// davMetrics is the Prometheus implementation of metrics.DAVMetrics.
type davMetrics struct {
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	requestsInFlight *prometheus.GaugeVec
	bytesTransferred *prometheus.CounterVec
	rejections       *prometheus.CounterVec
}

// NewDAVMetrics creates a new Prometheus-backed DAVMetrics instance.
//
// Returns a no-op implementation if metrics are not enabled (InitRegistry not called).
func NewDAVMetrics() metrics.DAVMetrics {
	if !metrics.IsEnabled() {
		return metrics.NewNoopDAVMetrics()
	}
	return newDAVMetrics(metrics.GetRegistry())
}

func newDAVMetrics(reg prometheus.Registerer) *davMetrics {
	return &davMetrics{
		requestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittodav_requests_total",
				Help: "Total number of DAV requests by method and response status",
			},
			[]string{"method", "status"},
		),
		requestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "dittodav_request_duration_seconds",
				Help: "Duration of DAV requests in seconds, queue wait included",
				Buckets: []float64{
					0.001, // 1ms
					0.005, // 5ms
					0.01,  // 10ms
					0.05,  // 50ms
					0.1,   // 100ms
					0.5,   // 500ms
					1.0,   // 1s
					5.0,   // 5s
					30.0,  // 30s
				},
			},
			[]string{"method"},
		),
		requestsInFlight: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dittodav_requests_in_flight",
				Help: "Current number of DAV requests being served",
			},
			[]string{"method"},
		),
		bytesTransferred: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittodav_bytes_transferred_total",
				Help: "Total request and response body bytes",
			},
			[]string{"direction"},
		),
		rejections: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittodav_rejections_total",
				Help: "Requests refused by the admission core, by error kind",
			},
			[]string{"kind"},
		),
	}
}

func (m *davMetrics) RecordRequest(method string, status int, duration time.Duration) {
	m.requestsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

func (m *davMetrics) RecordRequestStart(method string) {
	m.requestsInFlight.WithLabelValues(method).Inc()
}

func (m *davMetrics) RecordRequestEnd(method string) {
	m.requestsInFlight.WithLabelValues(method).Dec()
}

func (m *davMetrics) RecordBytesTransferred(direction string, bytes int64) {
	if bytes <= 0 {
		return
	}
	m.bytesTransferred.WithLabelValues(direction).Add(float64(bytes))
}

func (m *davMetrics) RecordRejection(kind string) {
	m.rejections.WithLabelValues(kind).Inc()
}
