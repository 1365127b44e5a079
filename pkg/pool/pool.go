// Package pool implements the bounded backend connection pool.
//
// The pool never holds more than MaxSize connections (idle, in use and being
// constructed combined). Acquire hands out an idle healthy connection when
// one exists, creates one when below the ceiling, and otherwise waits up to
// the acquire timeout before failing with PoolExhausted.
//
// Connections are returned through Handle.Release. A connection that went
// unhealthy while checked out, or that outlived MaxLifetime, is closed
// instead of being returned to the idle set. Sweep retires idle connections
// the same way and keeps at least MinSize connections warm.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jackc/puddle/v2"
	"github.com/marmos91/dittodav/internal/logger"
	"github.com/marmos91/dittodav/pkg/backend"
	"github.com/marmos91/dittodav/pkg/dav"
)

// Config configures a Pool.
type Config struct {
	// MinSize connections are kept open by Sweep. Default 0.
	MinSize int32

	// MaxSize is the hard ceiling on open connections. Default 16.
	MaxSize int32

	// MaxLifetime retires connections older than this. 0 disables.
	MaxLifetime time.Duration

	// MaxIdleTime retires connections idle for longer than this, down to
	// MinSize. 0 disables.
	MaxIdleTime time.Duration

	// AcquireTimeout is used when Acquire is called without a timeout.
	// Default 5s.
	AcquireTimeout time.Duration

	// HealthCheckTimeout bounds each Ping issued by Sweep. Default 2s.
	HealthCheckTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxSize <= 0 {
		c.MaxSize = 16
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 5 * time.Second
	}
	if c.HealthCheckTimeout <= 0 {
		c.HealthCheckTimeout = 2 * time.Second
	}
}

func (c *Config) validate() error {
	if c.MinSize < 0 {
		return fmt.Errorf("pool: min size must be >= 0, got %d", c.MinSize)
	}
	if c.MinSize > c.MaxSize {
		return fmt.Errorf("pool: min size %d exceeds max size %d", c.MinSize, c.MaxSize)
	}
	return nil
}

// ErrHandleReleased is returned when a handle is used after Release.
var ErrHandleReleased = errors.New("pool: connection handle used after release")

// pooledConn is the value puddle manages.
type pooledConn struct {
	id       uint64
	conn     backend.Conn
	healthy  atomic.Bool
	useCount atomic.Uint64
}

// constructError marks failures of the backend factory so Acquire can tell
// them apart from wait timeouts.
type constructError struct {
	err error
}

func (e *constructError) Error() string { return e.err.Error() }
func (e *constructError) Unwrap() error { return e.err }

// Pool is a bounded pool of backend connections.
type Pool struct {
	cfg     Config
	factory backend.Factory
	p       *puddle.Pool[*pooledConn]
	metrics Metrics

	nextID atomic.Uint64

	created         atomic.Uint64
	closed          atomic.Uint64
	connectFailures atomic.Uint64
	exhausted       atomic.Uint64
	closedUnhealthy atomic.Uint64
	closedExpired   atomic.Uint64
	closedIdle      atomic.Uint64
	healthFailures  atomic.Uint64
}

// New creates a pool and opens MinSize connections. It fails if the initial
// connections cannot be established.
func New(ctx context.Context, cfg Config, factory backend.Factory) (*Pool, error) {
	if factory == nil {
		return nil, errors.New("pool: factory is required")
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	pl := &Pool{cfg: cfg, factory: factory, metrics: noopMetrics{}}

	p, err := puddle.NewPool(&puddle.Config[*pooledConn]{
		Constructor: pl.construct,
		Destructor:  pl.destruct,
		MaxSize:     cfg.MaxSize,
	})
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	pl.p = p

	if err := pl.ensureMinSize(ctx); err != nil {
		p.Close()
		return nil, dav.WrapError(dav.KindConnectionFailed, err, "warm up %d connections", cfg.MinSize)
	}

	logger.Info("Connection pool ready (min=%d, max=%d, max_lifetime=%v)",
		cfg.MinSize, cfg.MaxSize, cfg.MaxLifetime)
	return pl, nil
}

func (p *Pool) construct(ctx context.Context) (*pooledConn, error) {
	c, err := p.factory(ctx)
	if err != nil {
		p.connectFailures.Add(1)
		return nil, &constructError{err: err}
	}
	pc := &pooledConn{id: p.nextID.Add(1), conn: c}
	pc.healthy.Store(true)
	p.created.Add(1)
	logger.Debug("pool: opened connection %d", pc.id)
	return pc, nil
}

func (p *Pool) destruct(pc *pooledConn) {
	if err := pc.conn.Close(); err != nil {
		logger.Warn("pool: closing connection %d: %v", pc.id, err)
	}
	p.closed.Add(1)
	logger.Debug("pool: closed connection %d", pc.id)
}

// Acquire checks out a connection, waiting at most timeout (the configured
// AcquireTimeout when timeout <= 0). The returned handle must be released.
//
// Errors:
//   - PoolExhausted: every connection stayed in use for the whole timeout
//   - ConnectionFailed: the backend factory failed; the slot is freed
//   - Timeout / Cancelled: ctx ended first
func (p *Pool) Acquire(ctx context.Context, timeout time.Duration) (*Handle, error) {
	if timeout <= 0 {
		timeout = p.cfg.AcquireTimeout
	}
	start := time.Now()

	acquireCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		res, err := p.p.Acquire(acquireCtx)
		if err != nil {
			err = p.acquireError(ctx, err, time.Since(start))
			p.metrics.ObserveAcquire(time.Since(start), err)
			return nil, err
		}

		pc := res.Value()
		if !pc.healthy.Load() {
			p.closedUnhealthy.Add(1)
			res.Destroy()
			continue
		}
		if p.expired(res) {
			p.closedExpired.Add(1)
			res.Destroy()
			continue
		}

		h := &Handle{pool: p, res: res}
		h.inUse.Store(true)
		p.metrics.ObserveAcquire(time.Since(start), nil)
		return h, nil
	}
}

func (p *Pool) acquireError(ctx context.Context, err error, waited time.Duration) error {
	var ce *constructError
	switch {
	case errors.As(err, &ce):
		return &dav.Error{Kind: dav.KindConnectionFailed, Message: "open backend connection", Elapsed: waited, Err: ce.err}
	case errors.Is(err, puddle.ErrClosedPool):
		return dav.WrapError(dav.KindCancelled, err, "connection pool closed")
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return &dav.Error{Kind: dav.KindTimeout, Message: "waiting for backend connection", Elapsed: waited, Err: ctx.Err()}
	case ctx.Err() != nil:
		return dav.WrapError(dav.KindCancelled, ctx.Err(), "waiting for backend connection")
	default:
		p.exhausted.Add(1)
		return &dav.Error{
			Kind:    dav.KindPoolExhausted,
			Message: "no backend connection available",
			Limit:   int(p.cfg.MaxSize),
			Elapsed: waited,
			Err:     err,
		}
	}
}

func (p *Pool) expired(res *puddle.Resource[*pooledConn]) bool {
	return p.cfg.MaxLifetime > 0 && time.Since(res.CreationTime()) > p.cfg.MaxLifetime
}

// release returns a connection to the idle set or closes it.
func (p *Pool) release(res *puddle.Resource[*pooledConn]) {
	pc := res.Value()
	switch {
	case !pc.healthy.Load():
		p.closedUnhealthy.Add(1)
		res.Destroy()
	case p.expired(res):
		p.closedExpired.Add(1)
		res.Destroy()
	default:
		res.Release()
	}
}

// Sweep closes idle connections that are past MaxLifetime, idle for longer
// than MaxIdleTime (keeping MinSize) or failing their health check, then
// tops the pool back up to MinSize. It returns the number of connections
// closed.
func (p *Pool) Sweep(ctx context.Context) int {
	idle := p.p.AcquireAllIdle()
	total := p.p.Stat().TotalResources()
	closed := 0

	for _, res := range idle {
		pc := res.Value()
		switch {
		case p.expired(res):
			p.closedExpired.Add(1)
			res.Destroy()
			closed++
			total--
		case p.cfg.MaxIdleTime > 0 && res.IdleDuration() > p.cfg.MaxIdleTime && total > p.cfg.MinSize:
			p.closedIdle.Add(1)
			res.Destroy()
			closed++
			total--
		case !p.ping(ctx, pc):
			p.healthFailures.Add(1)
			res.Destroy()
			closed++
			total--
		default:
			res.ReleaseUnused()
		}
	}

	if err := p.ensureMinSize(ctx); err != nil {
		logger.Warn("pool: refilling to min size %d: %v", p.cfg.MinSize, err)
	}

	if closed > 0 {
		logger.Debug("pool sweep closed %d connection(s)", closed)
	}
	return closed
}

func (p *Pool) ping(ctx context.Context, pc *pooledConn) bool {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.HealthCheckTimeout)
	defer cancel()
	if err := pc.conn.Ping(ctx); err != nil {
		logger.Warn("pool: connection %d failed health check: %v", pc.id, err)
		pc.healthy.Store(false)
		return false
	}
	return true
}

func (p *Pool) ensureMinSize(ctx context.Context) error {
	for p.p.Stat().TotalResources() < p.cfg.MinSize {
		if err := p.p.CreateResource(ctx); err != nil {
			if errors.Is(err, puddle.ErrNotAvailable) {
				return nil
			}
			return err
		}
	}
	return nil
}

// Close closes idle connections and waits for checked-out ones to be
// released, closing them too.
func (p *Pool) Close() {
	p.p.Close()
	logger.Info("Connection pool closed")
}

// Stats is a snapshot of pool state and counters.
type Stats struct {
	MaxSize      int32 `json:"max_size"`
	Total        int32 `json:"total"`
	Idle         int32 `json:"idle"`
	InUse        int32 `json:"in_use"`
	Constructing int32 `json:"constructing"`

	Acquires         int64         `json:"acquires"`
	EmptyAcquires    int64         `json:"empty_acquires"`
	CanceledAcquires int64         `json:"canceled_acquires"`
	AcquireWait      time.Duration `json:"acquire_wait_ns"`

	Created             uint64 `json:"created"`
	Closed              uint64 `json:"closed"`
	ConnectFailures     uint64 `json:"connect_failures"`
	Exhausted           uint64 `json:"exhausted"`
	ClosedUnhealthy     uint64 `json:"closed_unhealthy"`
	ClosedExpired       uint64 `json:"closed_expired"`
	ClosedIdle          uint64 `json:"closed_idle"`
	HealthCheckFailures uint64 `json:"health_check_failures"`
}

// Stats returns the current pool statistics.
func (p *Pool) Stats() Stats {
	s := p.p.Stat()
	return Stats{
		MaxSize:             s.MaxResources(),
		Total:               s.TotalResources(),
		Idle:                s.IdleResources(),
		InUse:               s.AcquiredResources(),
		Constructing:        s.ConstructingResources(),
		Acquires:            s.AcquireCount(),
		EmptyAcquires:       s.EmptyAcquireCount(),
		CanceledAcquires:    s.CanceledAcquireCount(),
		AcquireWait:         s.AcquireDuration(),
		Created:             p.created.Load(),
		Closed:              p.closed.Load(),
		ConnectFailures:     p.connectFailures.Load(),
		Exhausted:           p.exhausted.Load(),
		ClosedUnhealthy:     p.closedUnhealthy.Load(),
		ClosedExpired:       p.closedExpired.Load(),
		ClosedIdle:          p.closedIdle.Load(),
		HealthCheckFailures: p.healthFailures.Load(),
	}
}
