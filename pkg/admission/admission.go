// Package admission implements the admission pool: the gate every request
// passes before it runs.
//
// Submit performs the admission checks synchronously and never blocks:
//
//  1. Global capacity. Up to MaxConcurrentRequests admitted requests may be
//     outstanding (queued or running). Beyond that a request is only
//     admitted if the overflow queue has room; Critical requests may use an
//     extra CriticalQueueReserve slots. Otherwise QueueFull.
//  2. Per-client capacity. A client may have at most MaxRequestsPerClient
//     outstanding requests, and optionally a sustained request rate.
//     Otherwise RateLimited. Critical requests bypass both.
//
// Admitted requests wait in a priority queue ordered by tier, then by
// admission order, and are run by a fixed set of workers. Capacity counters
// are released when a request completes, not when it is dequeued.
package admission

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/marmos91/dittodav/internal/logger"
	"github.com/marmos91/dittodav/internal/ratelimiter"
	"github.com/marmos91/dittodav/pkg/dav"
)

// Handler runs an admitted request. ctx carries the request deadline and is
// cancelled on timeout, caller cancellation or shutdown.
type Handler interface {
	Handle(ctx context.Context, req *dav.Request) (*dav.Response, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req *dav.Request) (*dav.Response, error)

func (f HandlerFunc) Handle(ctx context.Context, req *dav.Request) (*dav.Response, error) {
	return f(ctx, req)
}

// Prioritizer computes the final priority of a request at submission. The
// router implements it.
type Prioritizer interface {
	Prioritize(req *dav.Request) dav.Priority
}

// Config configures a Pool. Zero values select the defaults noted.
type Config struct {
	// MaxConcurrentRequests bounds admitted requests before the overflow
	// queue is used. Default 10000.
	MaxConcurrentRequests int

	// MaxRequestsPerClient bounds a single client's outstanding requests.
	// Default 100.
	MaxRequestsPerClient int

	// MaxQueueSize bounds the overflow queue. Default 50000.
	MaxQueueSize int

	// CriticalQueueReserve is extra queue room only Critical requests may
	// use. Negative values are treated as 0.
	CriticalQueueReserve int

	// WorkerCount fixes the number of workers. 0 means
	// NumCPU * WorkerMultiplier. Always capped at MaxConcurrentRequests.
	WorkerCount int

	// WorkerMultiplier scales NumCPU when WorkerCount is 0. Default 2.
	WorkerMultiplier int

	// RequestTimeout is the deadline of a request measured from admission.
	// Default 30s.
	RequestTimeout time.Duration

	// ClientRate is the sustained requests per second allowed per client.
	// 0 disables rate limiting.
	ClientRate float64

	// ClientBurst is the per-client bucket size. Default max(1, ClientRate).
	ClientBurst int

	// StopGrace bounds how long Shutdown waits for handlers that ignore
	// cancellation. Default 5s.
	StopGrace time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxConcurrentRequests <= 0 {
		c.MaxConcurrentRequests = 10000
	}
	if c.MaxRequestsPerClient <= 0 {
		c.MaxRequestsPerClient = 100
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = 50000
	}
	if c.CriticalQueueReserve < 0 {
		c.CriticalQueueReserve = 0
	}
	if c.WorkerMultiplier <= 0 {
		c.WorkerMultiplier = 2
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.StopGrace <= 0 {
		c.StopGrace = 5 * time.Second
	}
}

func (c *Config) workers() int {
	n := c.WorkerCount
	if n <= 0 {
		n = runtime.NumCPU() * c.WorkerMultiplier
	}
	return min(n, c.MaxConcurrentRequests)
}

const clientShards = 64

type clientShard struct {
	mu       sync.Mutex
	inFlight map[string]int
}

// Pool is the admission pool.
type Pool struct {
	cfg         Config
	workerCount int
	handler     Handler
	prioritizer Prioritizer
	limiter     *ratelimiter.ClientLimiter

	mu      sync.Mutex
	cond    *sync.Cond
	queue   priorityQueue
	running map[uint64]*entry
	active  int
	seq     uint64
	stats   counters

	started  bool
	closing  bool
	stopping bool

	clients [clientShards]clientShard

	runCtx    context.Context
	cancelRun context.CancelFunc
	wg        sync.WaitGroup

	drained   chan struct{}
	drainOnce sync.Once
	stopped   chan struct{}
}

// New creates a pool. Workers start with Start. prioritizer may be nil, in
// which case the priority assigned to each request is used as is.
func New(cfg Config, handler Handler, prioritizer Prioritizer) (*Pool, error) {
	if handler == nil {
		return nil, errors.New("admission: handler is required")
	}
	cfg.applyDefaults()

	p := &Pool{
		cfg:         cfg,
		workerCount: cfg.workers(),
		handler:     handler,
		prioritizer: prioritizer,
		running:     make(map[uint64]*entry),
		drained:     make(chan struct{}),
		stopped:     make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	p.runCtx, p.cancelRun = context.WithCancel(context.Background())
	for i := range p.clients {
		p.clients[i].inFlight = make(map[string]int)
	}
	if cfg.ClientRate > 0 {
		p.limiter = ratelimiter.NewClientLimiter(cfg.ClientRate, cfg.ClientBurst, 0)
	}

	return p, nil
}

// Workers returns the number of worker goroutines the pool runs.
func (p *Pool) Workers() int { return p.workerCount }

// Start spawns the workers.
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closing {
		return errors.New("admission: pool is shut down")
	}
	if p.started {
		return errors.New("admission: pool already started")
	}
	p.started = true

	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker()
	}

	logger.Info("Admission pool started: %d workers, max_concurrent=%d, max_queue=%d, per_client=%d",
		p.workerCount, p.cfg.MaxConcurrentRequests, p.cfg.MaxQueueSize, p.cfg.MaxRequestsPerClient)
	return nil
}

// Submit admits req or rejects it immediately.
//
// On admission it returns a Ticket that resolves when the request completes.
// Rejections (BadRequest, QueueFull, RateLimited, or Cancelled during
// shutdown) are returned directly and the request never enters the queue.
// Cancelling ctx abandons the request: if it is still queued it fails with
// Cancelled without running, otherwise its handler context is cancelled.
func (p *Pool) Submit(ctx context.Context, req *dav.Request) (*Ticket, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if p.prioritizer != nil {
		req = req.WithPriority(p.prioritizer.Prioritize(req))
	}

	now := time.Now()
	deadline := now.Add(p.cfg.RequestTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closing {
		return nil, dav.NewError(dav.KindCancelled, "admission pool is shutting down")
	}

	p.stats.submitted++
	if err := p.admitLocked(req); err != nil {
		return nil, err
	}

	p.seq++
	t := newTicket(ctx, req)
	p.active++
	p.queue.push(&entry{
		req:      req,
		ticket:   t,
		priority: req.Priority(),
		enqueued: now,
		deadline: deadline,
		seq:      p.seq,
	})
	p.cond.Signal()

	return t, nil
}

// admitLocked runs the admission checks and reserves the per-client slot.
func (p *Pool) admitLocked(req *dav.Request) error {
	prio := req.Priority()
	client := req.ClientID()
	depth := p.queue.Len()

	if p.active >= p.cfg.MaxConcurrentRequests {
		limit := p.cfg.MaxQueueSize
		if prio == dav.PriorityCritical {
			limit += p.cfg.CriticalQueueReserve
		}
		if depth >= limit {
			p.stats.rejectedQueueFull++
			return &dav.Error{
				Kind:       dav.KindQueueFull,
				Message:    "admission queue is full",
				QueueDepth: depth,
				Limit:      limit,
			}
		}
	}

	if prio != dav.PriorityCritical {
		if n := p.ClientInFlight(client); n >= p.cfg.MaxRequestsPerClient {
			p.stats.rejectedRateLimited++
			return &dav.Error{
				Kind:    dav.KindRateLimited,
				Message: fmt.Sprintf("client %s has too many requests in flight", client),
				Limit:   p.cfg.MaxRequestsPerClient,
			}
		}
		if !p.limiter.Allow(client) {
			p.stats.rejectedRateLimited++
			err := dav.NewError(dav.KindRateLimited, "client %s exceeded %g requests/s", client, p.cfg.ClientRate)
			err.RetryAfter = p.limiter.Delay(client)
			return err
		}
	}

	p.addClient(client, 1)
	return nil
}

// Do submits req and waits for its outcome or for ctx.
func (p *Pool) Do(ctx context.Context, req *dav.Request) (*dav.Response, error) {
	t, err := p.Submit(ctx, req)
	if err != nil {
		return nil, err
	}
	return t.Wait(ctx)
}

func (p *Pool) shard(client string) *clientShard {
	return &p.clients[xxhash.Sum64String(client)%clientShards]
}

func (p *Pool) addClient(client string, delta int) {
	s := p.shard(client)
	s.mu.Lock()
	n := s.inFlight[client] + delta
	if n <= 0 {
		delete(s.inFlight, client)
	} else {
		s.inFlight[client] = n
	}
	s.mu.Unlock()
}

// ClientInFlight returns the outstanding requests of client.
func (p *Pool) ClientInFlight(client string) int {
	s := p.shard(client)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight[client]
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		e := p.next()
		if e == nil {
			return
		}
		if !p.run(e) {
			// The goroutine's stack unwound through a panic; replace it.
			p.mu.Lock()
			p.stats.workerRespawns++
			p.mu.Unlock()
			p.wg.Add(1)
			go p.worker()
			return
		}
	}
}

// next blocks until an entry is ready or the pool stops.
func (p *Pool) next() *entry {
	p.mu.Lock()
	defer p.mu.Unlock()

	for p.queue.Len() == 0 && !p.stopping {
		p.cond.Wait()
	}
	if p.stopping {
		return nil
	}
	e := p.queue.pop()
	p.running[e.seq] = e
	return e
}

// run executes e and reports false if the handler panicked.
func (p *Pool) run(e *entry) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("admission: handler panic on %s %s: %v\n%s",
				e.req.Method(), e.req.Path(), r, debug.Stack())
			p.finish(e, nil, dav.NewError(dav.KindInternal, "handler panic: %v", r))
			ok = false
		}
	}()

	resp, err := p.execute(e)
	p.finish(e, resp, err)
	return true
}

func (p *Pool) execute(e *entry) (*dav.Response, error) {
	now := time.Now()
	if !now.Before(e.deadline) {
		return nil, &dav.Error{
			Kind:    dav.KindTimeout,
			Message: "deadline elapsed while queued",
			Elapsed: now.Sub(e.enqueued),
		}
	}
	if err := e.ticket.ctx.Err(); err != nil {
		return nil, dav.WrapError(dav.KindCancelled, err, "caller gave up while queued")
	}

	ctx, cancel := context.WithDeadline(p.runCtx, e.deadline)
	defer cancel()
	stop := context.AfterFunc(e.ticket.ctx, cancel)
	defer stop()

	resp, err := p.handler.Handle(ctx, e.req)

	if ctxErr := ctx.Err(); ctxErr != nil {
		elapsed := time.Since(e.enqueued)
		switch {
		case errors.Is(ctxErr, context.DeadlineExceeded),
			errors.Is(e.ticket.ctx.Err(), context.DeadlineExceeded):
			return nil, &dav.Error{Kind: dav.KindTimeout, Message: "deadline elapsed while executing", Elapsed: elapsed, Err: err}
		case p.runCtx.Err() != nil:
			return nil, &dav.Error{Kind: dav.KindCancelled, Message: "interrupted by shutdown", Elapsed: elapsed, Err: err}
		default:
			return nil, &dav.Error{Kind: dav.KindCancelled, Message: "cancelled by caller", Elapsed: elapsed, Err: err}
		}
	}

	if err != nil {
		if dav.KindOf(err) == 0 {
			err = dav.WrapError(dav.KindInternal, err, "handler failed")
		}
		return nil, err
	}
	if resp == nil {
		return nil, dav.NewError(dav.KindInternal, "handler returned no response")
	}
	return resp, nil
}

// finish releases e's capacity, records the outcome and resolves its ticket.
func (p *Pool) finish(e *entry, resp *dav.Response, err error) {
	p.mu.Lock()
	drained := p.settleLocked(e, err)
	p.mu.Unlock()

	if drained {
		p.drainOnce.Do(func() { close(p.drained) })
	}
	e.ticket.resolve(resp, err)
}

// settleLocked releases e's capacity and counts its outcome in one critical
// section with the queue, so Stats never sees e in neither place. It reports
// whether the pool is now drained.
func (p *Pool) settleLocked(e *entry, err error) bool {
	delete(p.running, e.seq)
	p.active--
	p.stats.record(err)
	p.addClient(e.req.ClientID(), -1)
	return p.closing && p.active == 0
}

// Busy returns the number of handlers still executing. After Shutdown a
// non-zero value means handlers ignored cancellation and may still hold
// resources.
func (p *Pool) Busy() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.running)
}

// Sweep drops rate-limiter state of idle clients.
func (p *Pool) Sweep() {
	if p.limiter != nil {
		p.limiter.Sweep()
	}
}

// Shutdown stops admitting requests and lets queued and running ones finish
// until ctx is done. Whatever is left is then failed with Cancelled: queued
// entries without running, running entries by cancelling their context and
// resolving their tickets immediately. It returns ctx's error if the drain
// did not complete in time.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		<-p.stopped
		return nil
	}
	p.closing = true
	started := p.started
	if p.active == 0 {
		p.drainOnce.Do(func() { close(p.drained) })
	}
	logger.Info("Draining admission pool: %d queued, %d running", p.queue.Len(), len(p.running))
	p.mu.Unlock()

	var drainErr error
	if started {
		select {
		case <-p.drained:
		case <-ctx.Done():
			drainErr = ctx.Err()
		}
	}

	p.cancelRun()

	abandonedErr := dav.NewError(dav.KindCancelled, "abandoned at shutdown")

	p.mu.Lock()
	p.stopping = true
	abandoned := p.queue.drain()
	for _, e := range abandoned {
		if p.settleLocked(e, abandonedErr) {
			p.drainOnce.Do(func() { close(p.drained) })
		}
	}
	interrupted := make([]*entry, 0, len(p.running))
	for _, e := range p.running {
		interrupted = append(interrupted, e)
	}
	p.cond.Broadcast()
	p.mu.Unlock()

	for _, e := range abandoned {
		e.ticket.resolve(nil, abandonedErr)
	}
	for _, e := range interrupted {
		e.ticket.resolve(nil, dav.NewError(dav.KindCancelled, "interrupted by shutdown"))
	}
	if n := len(abandoned) + len(interrupted); n > 0 {
		logger.Warn("Admission pool cancelled %d queued and %d running requests", len(abandoned), len(interrupted))
	}

	workersDone := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(workersDone)
	}()
	select {
	case <-workersDone:
	case <-time.After(p.cfg.StopGrace):
		logger.Warn("Admission pool: handlers still running %v after shutdown", p.cfg.StopGrace)
	}

	close(p.stopped)
	logger.Info("Admission pool stopped")
	return drainErr
}
