package admission

import "github.com/marmos91/dittodav/pkg/dav"

// counters are guarded by Pool.mu together with the queue, so a snapshot
// always reconciles.
type counters struct {
	submitted           uint64
	completed           uint64
	failed              uint64
	timedOut            uint64
	cancelled           uint64
	rejectedQueueFull   uint64
	rejectedRateLimited uint64
	workerRespawns      uint64
}

func (c *counters) record(err error) {
	switch dav.KindOf(err) {
	case 0:
		if err == nil {
			c.completed++
		} else {
			c.failed++
		}
	case dav.KindTimeout:
		c.timedOut++
	case dav.KindCancelled:
		c.failed++
		c.cancelled++
	default:
		c.failed++
	}
}

// Stats is a consistent snapshot of the pool.
//
// Submitted always equals Completed + Failed + TimedOut + RejectedQueueFull +
// RejectedRateLimited + InFlight + Queued. Cancelled is a subset of Failed.
type Stats struct {
	Submitted           uint64 `json:"submitted"`
	Completed           uint64 `json:"completed"`
	Failed              uint64 `json:"failed"`
	TimedOut            uint64 `json:"timed_out"`
	Cancelled           uint64 `json:"cancelled"`
	RejectedQueueFull   uint64 `json:"rejected_queue_full"`
	RejectedRateLimited uint64 `json:"rejected_rate_limited"`
	WorkerRespawns      uint64 `json:"worker_respawns"`

	// InFlight is the number of requests being handled by a worker.
	InFlight int `json:"in_flight"`
	Queued   int `json:"queued"`

	PeakQueued int `json:"peak_queued"`

	// Admitted is InFlight + Queued, the figure checked against
	// MaxConcurrentRequests.
	Admitted int `json:"admitted"`

	Workers       int `json:"workers"`
	ActiveWorkers int `json:"active_workers"`

	QueuedByPriority map[string]int `json:"queued_by_priority"`
}

// Reconciles reports whether the counters add up.
func (s Stats) Reconciles() bool {
	return s.Submitted == s.Completed+s.Failed+s.TimedOut+
		s.RejectedQueueFull+s.RejectedRateLimited+
		uint64(s.InFlight)+uint64(s.Queued)
}

// Stats returns a snapshot of the pool counters and gauges.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	byPriority := make(map[string]int, len(p.queue.byTier))
	for tier, n := range p.queue.byTier {
		byPriority[dav.Priority(tier).String()] = n
	}

	return Stats{
		Submitted:           p.stats.submitted,
		Completed:           p.stats.completed,
		Failed:              p.stats.failed,
		TimedOut:            p.stats.timedOut,
		Cancelled:           p.stats.cancelled,
		RejectedQueueFull:   p.stats.rejectedQueueFull,
		RejectedRateLimited: p.stats.rejectedRateLimited,
		WorkerRespawns:      p.stats.workerRespawns,
		InFlight:            len(p.running),
		Queued:              p.queue.Len(),
		PeakQueued:          p.queue.peak,
		Admitted:            p.active,
		Workers:             p.workerCount,
		ActiveWorkers:       len(p.running),
		QueuedByPriority:    byPriority,
	}
}
