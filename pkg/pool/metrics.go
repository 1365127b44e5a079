package pool

import (
	"time"

	"github.com/marmos91/dittodav/pkg/backend"
)

// Metrics observes connection checkouts and backend queries.
// Implementations must be safe for concurrent use.
type Metrics interface {
	// ObserveAcquire records how long a checkout waited and its outcome.
	ObserveAcquire(wait time.Duration, err error)

	// ObserveExecute records one backend query.
	ObserveExecute(op backend.Op, duration time.Duration, err error)
}

type noopMetrics struct{}

func (noopMetrics) ObserveAcquire(time.Duration, error)             {}
func (noopMetrics) ObserveExecute(backend.Op, time.Duration, error) {}

// SetMetrics installs m; nil restores the no-op recorder. It must be called
// before the pool is shared between goroutines.
func (p *Pool) SetMetrics(m Metrics) {
	if m == nil {
		m = noopMetrics{}
	}
	p.metrics = m
}
