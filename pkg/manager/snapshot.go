package manager

import (
	"time"

	"github.com/marmos91/dittodav/pkg/admission"
	"github.com/marmos91/dittodav/pkg/cache"
	"github.com/marmos91/dittodav/pkg/pool"
	"github.com/marmos91/dittodav/pkg/router"
)

// Snapshot merges the statistics of every component. Each section is
// internally consistent; sections are taken one after the other.
type Snapshot struct {
	State     string          `json:"state"`
	TakenAt   time.Time       `json:"taken_at"`
	Uptime    time.Duration   `json:"uptime_ns"`
	Admission admission.Stats `json:"admission"`
	Cache     CacheSnapshot   `json:"cache"`
	Pool      pool.Stats      `json:"pool"`
	Router    *router.Stats   `json:"router,omitempty"`
}

// CacheSnapshot is the cache counters plus the derived hit ratio.
type CacheSnapshot struct {
	cache.Stats
	HitRatio float64 `json:"hit_ratio"`
}

// Snapshot returns the merged statistics.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	state := m.state
	started := m.startedAt
	m.mu.Unlock()

	now := time.Now()
	s := Snapshot{
		State:     state.String(),
		TakenAt:   now,
		Admission: m.admission.Stats(),
		Pool:      m.pool.Stats(),
	}
	if !started.IsZero() {
		s.Uptime = now.Sub(started)
	}

	cs := m.cache.Stats()
	s.Cache = CacheSnapshot{Stats: cs, HitRatio: cs.HitRatio()}

	if m.router != nil {
		rs := m.router.Stats()
		s.Router = &rs
	}
	return s
}
