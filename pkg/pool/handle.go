package pool

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/jackc/puddle/v2"
	"github.com/marmos91/dittodav/pkg/backend"
)

// Handle is exclusive access to one pooled connection. It must be released
// exactly once; further Releases are no-ops and Execute after Release fails
// with ErrHandleReleased.
type Handle struct {
	pool  *Pool
	res   *puddle.Resource[*pooledConn]
	inUse atomic.Bool
}

// ConnID identifies the underlying connection. Useful for tests and logs.
func (h *Handle) ConnID() uint64 {
	return h.res.Value().id
}

// Execute runs q on the connection.
//
// Any failure other than backend.ErrNotFound or backend.ErrUnsupportedOp
// marks the connection unhealthy, as does a query interrupted by ctx, since
// the connection may be left mid-exchange. Unhealthy connections are closed
// on Release.
func (h *Handle) Execute(ctx context.Context, q backend.Query) ([]byte, error) {
	if !h.inUse.Load() {
		return nil, ErrHandleReleased
	}

	pc := h.res.Value()
	pc.useCount.Add(1)

	start := time.Now()
	out, err := pc.conn.Execute(ctx, q)
	h.pool.metrics.ObserveExecute(q.Op, time.Since(start), err)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			pc.healthy.Store(false)
		case errors.Is(err, backend.ErrNotFound), errors.Is(err, backend.ErrUnsupportedOp):
		default:
			pc.healthy.Store(false)
		}
	}
	return out, err
}

// MarkUnhealthy forces the connection to be closed on Release.
func (h *Handle) MarkUnhealthy() {
	h.res.Value().healthy.Store(false)
}

// Release returns the connection to the pool, or closes it if it is
// unhealthy or past its lifetime.
func (h *Handle) Release() {
	if !h.inUse.CompareAndSwap(true, false) {
		return
	}
	h.pool.release(h.res)
}
