package prometheus

import (
	"github.com/marmos91/dittodav/pkg/manager"
	"github.com/marmos91/dittodav/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

// SnapshotFunc returns the current merged statistics.
type SnapshotFunc func() manager.Snapshot

// snapshotCollector exports a manager.Snapshot at scrape time. The core
// keeps its own counters; this only translates them.
type snapshotCollector struct {
	snapshot SnapshotFunc

	submitted   *prometheus.Desc
	outcomes    *prometheus.Desc
	rejected    *prometheus.Desc
	queued      *prometheus.Desc
	inFlight    *prometheus.Desc
	workers     *prometheus.Desc
	respawns    *prometheus.Desc
	cacheHits   *prometheus.Desc
	cacheMisses *prometheus.Desc
	cacheItems  *prometheus.Desc
	cacheDrops  *prometheus.Desc
	poolConns   *prometheus.Desc
	poolClosed  *prometheus.Desc
	poolMax     *prometheus.Desc
	routes      *prometheus.Desc
}

// RegisterSnapshotCollector registers a collector over fn with the global
// registry. It is a no-op when metrics are disabled.
func RegisterSnapshotCollector(fn SnapshotFunc) error {
	if !metrics.IsEnabled() {
		return nil
	}
	return metrics.GetRegistry().Register(NewSnapshotCollector(fn))
}

// NewSnapshotCollector builds a collector over fn.
func NewSnapshotCollector(fn SnapshotFunc) prometheus.Collector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc("dittodav_"+name, help, labels, nil)
	}
	return &snapshotCollector{
		snapshot:    fn,
		submitted:   desc("admission_submitted_total", "Requests submitted to the admission pool"),
		outcomes:    desc("admission_outcomes_total", "Admitted requests by terminal outcome", "outcome"),
		rejected:    desc("admission_rejected_total", "Requests refused at submission", "reason"),
		queued:      desc("admission_queued", "Requests waiting in the queue by priority", "priority"),
		inFlight:    desc("admission_in_flight", "Requests being handled by a worker"),
		workers:     desc("admission_workers", "Worker goroutines by state", "state"),
		respawns:    desc("admission_worker_respawns_total", "Workers replaced after a panic"),
		cacheHits:   desc("cache_hits_total", "Cache hits by tier", "tier"),
		cacheMisses: desc("cache_misses_total", "Cache lookups that found nothing"),
		cacheItems:  desc("cache_entries", "Entries held by tier", "tier"),
		cacheDrops:  desc("cache_removals_total", "Entries removed from the cache by cause", "cause"),
		poolConns:   desc("pool_connections", "Backend connections by state", "state"),
		poolClosed:  desc("pool_connections_closed_total", "Backend connections retired by cause", "cause"),
		poolMax:     desc("pool_max_connections", "Configured connection ceiling"),
		routes:      desc("router_lookups_total", "Route resolutions by source", "source"),
	}
}

func (c *snapshotCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.submitted, c.outcomes, c.rejected, c.queued, c.inFlight, c.workers,
		c.respawns, c.cacheHits, c.cacheMisses, c.cacheItems, c.cacheDrops,
		c.poolConns, c.poolClosed, c.poolMax, c.routes,
	} {
		ch <- d
	}
}

func (c *snapshotCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.snapshot()

	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}

	a := s.Admission
	counter(c.submitted, a.Submitted)
	counter(c.outcomes, a.Completed, "completed")
	counter(c.outcomes, a.Failed, "failed")
	counter(c.outcomes, a.TimedOut, "timed_out")
	counter(c.outcomes, a.Cancelled, "cancelled")
	counter(c.rejected, a.RejectedQueueFull, "queue_full")
	counter(c.rejected, a.RejectedRateLimited, "rate_limited")
	for priority, n := range a.QueuedByPriority {
		gauge(c.queued, float64(n), priority)
	}
	gauge(c.inFlight, float64(a.InFlight))
	gauge(c.workers, float64(a.ActiveWorkers), "active")
	gauge(c.workers, float64(a.Workers-a.ActiveWorkers), "idle")
	counter(c.respawns, a.WorkerRespawns)

	cs := s.Cache
	counter(c.cacheHits, cs.L1Hits, "l1")
	counter(c.cacheHits, cs.L2Hits, "l2")
	counter(c.cacheMisses, cs.Misses)
	gauge(c.cacheItems, float64(cs.L1Entries), "l1")
	gauge(c.cacheItems, float64(cs.L2Entries), "l2")
	counter(c.cacheDrops, cs.Evictions, "evicted")
	counter(c.cacheDrops, cs.Expirations, "expired")
	counter(c.cacheDrops, cs.Invalidations, "invalidated")

	p := s.Pool
	gauge(c.poolConns, float64(p.Idle), "idle")
	gauge(c.poolConns, float64(p.InUse), "in_use")
	gauge(c.poolConns, float64(p.Constructing), "constructing")
	gauge(c.poolMax, float64(p.MaxSize))
	counter(c.poolClosed, p.ClosedIdle, "idle")
	counter(c.poolClosed, p.ClosedExpired, "expired")
	counter(c.poolClosed, p.ClosedUnhealthy, "unhealthy")

	if s.Router != nil {
		counter(c.routes, s.Router.CacheHits, "cache")
		counter(c.routes, s.Router.Lookups-s.Router.CacheHits, "table")
	}
}
