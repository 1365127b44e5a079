package admission

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/marmos91/dittodav/pkg/dav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gateHandler blocks every request on a gate until it is opened, and
// records the dispatch order.
type gateHandler struct {
	gate    chan struct{}
	started chan string

	mu    sync.Mutex
	order []string
	calls sync.Map // path -> *atomic.Int64
}

func newGateHandler() *gateHandler {
	return &gateHandler{
		gate:    make(chan struct{}),
		started: make(chan string, 1024),
	}
}

func (h *gateHandler) open() { close(h.gate) }

func (h *gateHandler) Handle(ctx context.Context, req *dav.Request) (*dav.Response, error) {
	h.mu.Lock()
	h.order = append(h.order, req.Path())
	h.mu.Unlock()
	n, _ := h.calls.LoadOrStore(req.Path(), new(atomic.Int64))
	n.(*atomic.Int64).Add(1)

	select {
	case h.started <- req.Path():
	default:
	}

	select {
	case <-h.gate:
		return &dav.Response{Status: 200, Body: []byte(req.Path())}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *gateHandler) callsFor(path string) int64 {
	n, ok := h.calls.Load(path)
	if !ok {
		return 0
	}
	return n.(*atomic.Int64).Load()
}

func (h *gateHandler) dispatched() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.order...)
}

func (h *gateHandler) waitStarted(t *testing.T, path string) {
	t.Helper()
	select {
	case got := <-h.started:
		require.Equal(t, path, got)
	case <-time.After(2 * time.Second):
		t.Fatalf("%s was never dispatched", path)
	}
}

func newStartedPool(t *testing.T, cfg Config, h Handler, pr Prioritizer) *Pool {
	t.Helper()
	p, err := New(cfg, h, pr)
	require.NoError(t, err)
	require.NoError(t, p.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = p.Shutdown(ctx)
	})
	return p
}

func newReq(client, path string, prio dav.Priority) *dav.Request {
	return dav.NewRequest(dav.RequestOptions{
		ClientID: client,
		Method:   dav.MethodGet,
		Path:     path,
		Priority: prio,
	})
}

func echoHandler() Handler {
	return HandlerFunc(func(ctx context.Context, req *dav.Request) (*dav.Response, error) {
		return &dav.Response{Status: 200, Body: []byte(req.Path())}, nil
	})
}

func TestPool_SubmitAndComplete(t *testing.T) {
	p := newStartedPool(t, Config{WorkerCount: 2}, echoHandler(), nil)

	resp, err := p.Do(context.Background(), newReq("c1", "/dav/a", dav.PriorityNormal))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, []byte("/dav/a"), resp.Body)

	stats := p.Stats()
	assert.Equal(t, uint64(1), stats.Submitted)
	assert.Equal(t, uint64(1), stats.Completed)
	assert.Equal(t, 0, stats.Admitted)
	assert.True(t, stats.Reconciles())
	assert.Equal(t, 0, p.ClientInFlight("c1"))
}

func TestPool_RejectsInvalidRequests(t *testing.T) {
	p := newStartedPool(t, Config{WorkerCount: 1}, echoHandler(), nil)

	_, err := p.Submit(context.Background(), dav.NewRequest(dav.RequestOptions{Path: "/x"}))
	assert.ErrorIs(t, err, dav.ErrBadRequest)

	_, err = p.Submit(context.Background(), dav.NewRequest(dav.RequestOptions{Method: dav.MethodGet}))
	assert.ErrorIs(t, err, dav.ErrBadRequest)

	_, err = p.Submit(context.Background(), nil)
	assert.ErrorIs(t, err, dav.ErrBadRequest)

	assert.Equal(t, uint64(0), p.Stats().Submitted)
}

func TestPool_PriorityOrder(t *testing.T) {
	h := newGateHandler()
	p := newStartedPool(t, Config{WorkerCount: 1}, h, nil)
	ctx := context.Background()

	blocker, err := p.Submit(ctx, newReq("c0", "/block", dav.PriorityNormal))
	require.NoError(t, err)
	h.waitStarted(t, "/block")

	submissions := []struct {
		path string
		prio dav.Priority
	}{
		{"/low", dav.PriorityLow},
		{"/normal-1", dav.PriorityNormal},
		{"/high", dav.PriorityHigh},
		{"/critical", dav.PriorityCritical},
		{"/normal-2", dav.PriorityNormal},
	}
	tickets := make([]*Ticket, 0, len(submissions))
	for i, s := range submissions {
		tk, err := p.Submit(ctx, newReq(fmt.Sprintf("c%d", i+1), s.path, s.prio))
		require.NoError(t, err)
		tickets = append(tickets, tk)
	}

	stats := p.Stats()
	assert.Equal(t, 5, stats.Queued)
	assert.Equal(t, 1, stats.InFlight)
	assert.Equal(t, 2, stats.QueuedByPriority["normal"])
	assert.True(t, stats.Reconciles())

	h.open()
	_, err = blocker.Result()
	require.NoError(t, err)
	for _, tk := range tickets {
		_, err := tk.Result()
		require.NoError(t, err)
	}

	assert.Equal(t,
		[]string{"/block", "/critical", "/high", "/normal-1", "/normal-2", "/low"},
		h.dispatched())
}

func TestPool_PerClientLimit(t *testing.T) {
	h := newGateHandler()
	p := newStartedPool(t, Config{WorkerCount: 1, MaxRequestsPerClient: 2}, h, nil)
	ctx := context.Background()

	var tickets []*Ticket
	for i := 0; i < 2; i++ {
		tk, err := p.Submit(ctx, newReq("10.0.0.1", fmt.Sprintf("/a%d", i), dav.PriorityNormal))
		require.NoError(t, err)
		tickets = append(tickets, tk)
	}

	_, err := p.Submit(ctx, newReq("10.0.0.1", "/a2", dav.PriorityHigh))
	require.Error(t, err)
	assert.ErrorIs(t, err, dav.ErrRateLimited)
	var davErr *dav.Error
	require.ErrorAs(t, err, &davErr)
	assert.Equal(t, 2, davErr.Limit)

	// Critical bypasses the per-client ceiling.
	tk, err := p.Submit(ctx, newReq("10.0.0.1", "/critical", dav.PriorityCritical))
	require.NoError(t, err)
	tickets = append(tickets, tk)
	assert.Equal(t, 3, p.ClientInFlight("10.0.0.1"))

	// Other clients are unaffected.
	tk, err = p.Submit(ctx, newReq("10.0.0.2", "/b", dav.PriorityNormal))
	require.NoError(t, err)
	tickets = append(tickets, tk)

	h.open()
	for _, tk := range tickets {
		_, err := tk.Result()
		require.NoError(t, err)
	}

	assert.Equal(t, 0, p.ClientInFlight("10.0.0.1"))
	stats := p.Stats()
	assert.Equal(t, uint64(1), stats.RejectedRateLimited)
	assert.Equal(t, uint64(4), stats.Completed)
	assert.True(t, stats.Reconciles())
}

func TestPool_QueueFull(t *testing.T) {
	h := newGateHandler()
	p := newStartedPool(t, Config{
		MaxConcurrentRequests: 1,
		MaxQueueSize:          2,
		CriticalQueueReserve:  1,
	}, h, nil)
	ctx := context.Background()

	_, err := p.Submit(ctx, newReq("c0", "/running", dav.PriorityNormal))
	require.NoError(t, err)
	h.waitStarted(t, "/running")

	for i := 0; i < 2; i++ {
		_, err := p.Submit(ctx, newReq(fmt.Sprintf("c%d", i+1), "/queued", dav.PriorityNormal))
		require.NoError(t, err)
	}

	_, err = p.Submit(ctx, newReq("c9", "/rejected", dav.PriorityHigh))
	require.ErrorIs(t, err, dav.ErrQueueFull)
	var davErr *dav.Error
	require.ErrorAs(t, err, &davErr)
	assert.Equal(t, 2, davErr.QueueDepth)
	assert.Equal(t, 2, davErr.Limit)

	// Critical may use the reserve, once.
	_, err = p.Submit(ctx, newReq("c9", "/critical", dav.PriorityCritical))
	require.NoError(t, err)
	_, err = p.Submit(ctx, newReq("c9", "/critical-2", dav.PriorityCritical))
	require.ErrorIs(t, err, dav.ErrQueueFull)

	stats := p.Stats()
	assert.Equal(t, uint64(2), stats.RejectedQueueFull)
	assert.Equal(t, 3, stats.Queued)
	assert.Equal(t, 3, stats.PeakQueued)
	assert.True(t, stats.Reconciles())

	h.open()
}

func TestPool_CriticalAdmittedWhenQueueAtCapacity(t *testing.T) {
	const queueSize = 50000

	h := newGateHandler()
	p := newStartedPool(t, Config{
		MaxConcurrentRequests: 1,
		MaxQueueSize:          queueSize,
		MaxRequestsPerClient:  100,
		CriticalQueueReserve:  1024,
	}, h, nil)
	ctx := context.Background()

	blocker, err := p.Submit(ctx, newReq("blocker", "/block", dav.PriorityNormal))
	require.NoError(t, err)
	h.waitStarted(t, "/block")

	tickets := make([]*Ticket, 0, queueSize)
	for i := 0; i < queueSize; i++ {
		client := fmt.Sprintf("10.1.%d.%d", (i%500)/256, (i%500)%256)
		tk, err := p.Submit(ctx, newReq(client, "/low", dav.PriorityLow))
		require.NoError(t, err, "submission %d", i)
		tickets = append(tickets, tk)
	}
	require.Equal(t, queueSize, p.Stats().Queued)

	_, err = p.Submit(ctx, newReq("10.9.9.9", "/low", dav.PriorityLow))
	require.ErrorIs(t, err, dav.ErrQueueFull)

	// This client already has 100 requests in flight.
	critical, err := p.Submit(ctx, newReq("10.1.0.0", "/critical", dav.PriorityCritical))
	require.NoError(t, err)

	h.open()
	_, err = blocker.Result()
	require.NoError(t, err)
	_, err = critical.Result()
	require.NoError(t, err)
	for _, tk := range tickets {
		_, err := tk.Result()
		require.NoError(t, err)
	}

	order := h.dispatched()
	require.Len(t, order, queueSize+2)
	assert.Equal(t, "/block", order[0])
	assert.Equal(t, "/critical", order[1])

	stats := p.Stats()
	assert.Equal(t, uint64(queueSize+2), stats.Completed)
	assert.Equal(t, uint64(1), stats.RejectedQueueFull)
	assert.True(t, stats.Reconciles())
}

func TestPool_TenThousandRequestsFromTwoHundredClients(t *testing.T) {
	var handled atomic.Int64
	h := HandlerFunc(func(ctx context.Context, req *dav.Request) (*dav.Response, error) {
		handled.Add(1)
		return &dav.Response{Status: 200}, nil
	})
	p := newStartedPool(t, Config{
		MaxConcurrentRequests: 10000,
		MaxRequestsPerClient:  100,
		MaxQueueSize:          50000,
		WorkerCount:           8,
	}, h, nil)
	ctx := context.Background()

	stop := make(chan struct{})
	var reconcileFailures atomic.Int64
	var watcher sync.WaitGroup
	watcher.Add(1)
	go func() {
		defer watcher.Done()
		for {
			select {
			case <-stop:
				return
			default:
				if !p.Stats().Reconciles() {
					reconcileFailures.Add(1)
				}
				time.Sleep(100 * time.Microsecond)
			}
		}
	}()

	tickets := make([]*Ticket, 0, 10000)
	for client := 0; client < 200; client++ {
		for i := 0; i < 50; i++ {
			tk, err := p.Submit(ctx, newReq(fmt.Sprintf("192.168.%d.%d", client/250, client%250), "/dav/x", dav.PriorityNormal))
			require.NoError(t, err)
			tickets = append(tickets, tk)
		}
	}
	for _, tk := range tickets {
		_, err := tk.Result()
		require.NoError(t, err)
	}
	close(stop)
	watcher.Wait()

	stats := p.Stats()
	assert.Equal(t, uint64(10000), stats.Submitted)
	assert.Equal(t, uint64(10000), stats.Completed)
	assert.Zero(t, stats.RejectedRateLimited)
	assert.Zero(t, stats.RejectedQueueFull)
	assert.Equal(t, int64(10000), handled.Load())
	assert.Zero(t, reconcileFailures.Load())
	assert.True(t, stats.Reconciles())
}

func TestPool_TimeoutWhileQueued(t *testing.T) {
	var queuedCalls atomic.Int64
	started := make(chan struct{})
	h := HandlerFunc(func(ctx context.Context, req *dav.Request) (*dav.Response, error) {
		if req.Path() == "/slow" {
			close(started)
			time.Sleep(100 * time.Millisecond)
			return &dav.Response{Status: 200}, nil
		}
		queuedCalls.Add(1)
		return &dav.Response{Status: 200}, nil
	})
	p := newStartedPool(t, Config{WorkerCount: 1, RequestTimeout: 50 * time.Millisecond}, h, nil)
	ctx := context.Background()

	slow, err := p.Submit(ctx, newReq("c1", "/slow", dav.PriorityNormal))
	require.NoError(t, err)
	<-started

	queued, err := p.Submit(ctx, newReq("c2", "/queued", dav.PriorityNormal))
	require.NoError(t, err)

	_, err = queued.Result()
	require.ErrorIs(t, err, dav.ErrTimeout)
	assert.Contains(t, err.Error(), "queued")
	assert.Zero(t, queuedCalls.Load(), "handler must not run after the deadline")

	// The slow handler outlived its own deadline.
	_, err = slow.Result()
	assert.ErrorIs(t, err, dav.ErrTimeout)

	stats := p.Stats()
	assert.Equal(t, uint64(2), stats.TimedOut)
	assert.True(t, stats.Reconciles())
}

func TestPool_TimeoutDuringExecution(t *testing.T) {
	h := HandlerFunc(func(ctx context.Context, req *dav.Request) (*dav.Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	p := newStartedPool(t, Config{WorkerCount: 1, RequestTimeout: 30 * time.Millisecond}, h, nil)

	_, err := p.Do(context.Background(), newReq("c1", "/wait", dav.PriorityNormal))
	require.ErrorIs(t, err, dav.ErrTimeout)

	var davErr *dav.Error
	require.ErrorAs(t, err, &davErr)
	assert.GreaterOrEqual(t, davErr.Elapsed, 30*time.Millisecond)
	assert.Contains(t, davErr.Message, "executing")
}

func TestPool_PanicIsRecovered(t *testing.T) {
	h := HandlerFunc(func(ctx context.Context, req *dav.Request) (*dav.Response, error) {
		if req.Path() == "/panic" {
			panic("boom")
		}
		return &dav.Response{Status: 204}, nil
	})
	p := newStartedPool(t, Config{WorkerCount: 1}, h, nil)
	ctx := context.Background()

	_, err := p.Do(ctx, newReq("c1", "/panic", dav.PriorityNormal))
	require.ErrorIs(t, err, dav.ErrInternal)
	assert.Contains(t, err.Error(), "boom")

	// The single worker was replaced.
	resp, err := p.Do(ctx, newReq("c1", "/ok", dav.PriorityNormal))
	require.NoError(t, err)
	assert.Equal(t, 204, resp.Status)

	stats := p.Stats()
	assert.Equal(t, uint64(1), stats.WorkerRespawns)
	assert.Equal(t, uint64(1), stats.Failed)
	assert.Equal(t, uint64(1), stats.Completed)
	assert.Equal(t, 0, p.ClientInFlight("c1"))
}

func TestPool_HandlerErrors(t *testing.T) {
	h := HandlerFunc(func(ctx context.Context, req *dav.Request) (*dav.Response, error) {
		switch req.Path() {
		case "/typed":
			return nil, dav.NewError(dav.KindPoolExhausted, "no connection")
		case "/untyped":
			return nil, fmt.Errorf("disk on fire")
		default:
			return nil, nil
		}
	})
	p := newStartedPool(t, Config{WorkerCount: 1}, h, nil)
	ctx := context.Background()

	_, err := p.Do(ctx, newReq("c", "/typed", dav.PriorityNormal))
	assert.Equal(t, dav.KindPoolExhausted, dav.KindOf(err))

	_, err = p.Do(ctx, newReq("c", "/untyped", dav.PriorityNormal))
	assert.Equal(t, dav.KindInternal, dav.KindOf(err))
	assert.Contains(t, err.Error(), "disk on fire")

	_, err = p.Do(ctx, newReq("c", "/nil", dav.PriorityNormal))
	assert.Equal(t, dav.KindInternal, dav.KindOf(err))

	assert.Equal(t, uint64(3), p.Stats().Failed)
}

func TestPool_CallerCancelWhileQueued(t *testing.T) {
	h := newGateHandler()
	p := newStartedPool(t, Config{WorkerCount: 1}, h, nil)

	blocker, err := p.Submit(context.Background(), newReq("c0", "/block", dav.PriorityNormal))
	require.NoError(t, err)
	h.waitStarted(t, "/block")

	ctx, cancel := context.WithCancel(context.Background())
	tk, err := p.Submit(ctx, newReq("c1", "/abandoned", dav.PriorityNormal))
	require.NoError(t, err)
	cancel()

	h.open()
	_, err = blocker.Result()
	require.NoError(t, err)

	_, err = tk.Result()
	assert.ErrorIs(t, err, dav.ErrCancelled)
	assert.Zero(t, h.callsFor("/abandoned"))

	stats := p.Stats()
	assert.Equal(t, uint64(1), stats.Cancelled)
	assert.Equal(t, uint64(1), stats.Failed)
}

func TestPool_WaitGivesUpWithoutWithdrawing(t *testing.T) {
	h := newGateHandler()
	p := newStartedPool(t, Config{WorkerCount: 1}, h, nil)

	tk, err := p.Submit(context.Background(), newReq("c1", "/slow", dav.PriorityNormal))
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = tk.Wait(waitCtx)
	assert.ErrorIs(t, err, dav.ErrCancelled)

	h.open()
	resp, err := tk.Result()
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
}

func TestPool_ShutdownDrains(t *testing.T) {
	h := newGateHandler()
	p, err := New(Config{WorkerCount: 1}, h, nil)
	require.NoError(t, err)
	require.NoError(t, p.Start())
	ctx := context.Background()

	var tickets []*Ticket
	for i := 0; i < 4; i++ {
		tk, err := p.Submit(ctx, newReq("c", fmt.Sprintf("/r%d", i), dav.PriorityNormal))
		require.NoError(t, err)
		tickets = append(tickets, tk)
	}

	done := make(chan error, 1)
	go func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		done <- p.Shutdown(sctx)
	}()

	// New submissions are refused once draining begins. Any that raced in
	// before are drained like the rest.
	assert.Eventually(t, func() bool {
		tk, err := p.Submit(ctx, newReq("late", "/late", dav.PriorityCritical))
		if err == nil {
			tickets = append(tickets, tk)
			return false
		}
		return dav.KindOf(err) == dav.KindCancelled
	}, time.Second, 5*time.Millisecond)

	h.open()
	require.NoError(t, <-done)

	for _, tk := range tickets {
		_, err := tk.Result()
		assert.NoError(t, err)
	}
	stats := p.Stats()
	assert.Equal(t, uint64(len(tickets)), stats.Completed)
	assert.True(t, stats.Reconciles())
}

func TestPool_ShutdownCancelsRemainder(t *testing.T) {
	h := newGateHandler()
	p, err := New(Config{WorkerCount: 1}, h, nil)
	require.NoError(t, err)
	require.NoError(t, p.Start())
	ctx := context.Background()

	var tickets []*Ticket
	for i := 0; i < 4; i++ {
		tk, err := p.Submit(ctx, newReq("c", fmt.Sprintf("/r%d", i), dav.PriorityNormal))
		require.NoError(t, err)
		tickets = append(tickets, tk)
	}
	h.waitStarted(t, "/r0")

	sctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = p.Shutdown(sctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	for _, tk := range tickets {
		select {
		case <-tk.Done():
		default:
			t.Fatal("ticket left unresolved after shutdown")
		}
		_, err := tk.Result()
		assert.ErrorIs(t, err, dav.ErrCancelled)
	}

	stats := p.Stats()
	assert.Equal(t, uint64(4), stats.Cancelled)
	assert.Equal(t, 0, stats.Admitted)
	assert.True(t, stats.Reconciles())
	assert.Zero(t, h.callsFor("/r1"))

	// A second shutdown is a no-op.
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestPool_ClientRateLimit(t *testing.T) {
	p := newStartedPool(t, Config{WorkerCount: 1, ClientRate: 1, ClientBurst: 2}, echoHandler(), nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := p.Do(ctx, newReq("c1", "/r", dav.PriorityNormal))
		require.NoError(t, err)
	}
	_, err := p.Do(ctx, newReq("c1", "/r", dav.PriorityNormal))
	require.ErrorIs(t, err, dav.ErrRateLimited)
	assert.True(t, strings.Contains(err.Error(), "requests/s"))
	var derr *dav.Error
	require.True(t, errors.As(err, &derr))
	assert.Positive(t, derr.RetryAfter)
	assert.LessOrEqual(t, derr.RetryAfter, time.Second)

	_, err = p.Do(ctx, newReq("c1", "/r", dav.PriorityCritical))
	assert.NoError(t, err)
	_, err = p.Do(ctx, newReq("c2", "/r", dav.PriorityNormal))
	assert.NoError(t, err)

	p.Sweep()
}

type pathPrioritizer struct{}

func (pathPrioritizer) Prioritize(req *dav.Request) dav.Priority {
	if strings.HasPrefix(req.Path(), "/admin") {
		return req.Priority().Max(dav.PriorityCritical)
	}
	return req.Priority()
}

func TestPool_PrioritizerRaisesPriority(t *testing.T) {
	p := newStartedPool(t, Config{WorkerCount: 1}, echoHandler(), pathPrioritizer{})
	ctx := context.Background()

	tk, err := p.Submit(ctx, newReq("c1", "/admin/stats", dav.PriorityLow))
	require.NoError(t, err)
	assert.Equal(t, dav.PriorityCritical, tk.Request().Priority())
	_, err = tk.Result()
	require.NoError(t, err)

	tk, err = p.Submit(ctx, newReq("c1", "/dav/a", dav.PriorityHigh))
	require.NoError(t, err)
	assert.Equal(t, dav.PriorityHigh, tk.Request().Priority())
	_, _ = tk.Result()
}

func TestPool_WorkerCount(t *testing.T) {
	p, err := New(Config{MaxConcurrentRequests: 3, WorkerMultiplier: 64}, echoHandler(), nil)
	require.NoError(t, err)
	assert.Equal(t, 3, p.Workers())

	p, err = New(Config{WorkerCount: 5}, echoHandler(), nil)
	require.NoError(t, err)
	assert.Equal(t, 5, p.Workers())

	_, err = New(Config{}, nil, nil)
	assert.Error(t, err)
}

func TestPool_StartTwiceAndAfterShutdown(t *testing.T) {
	p, err := New(Config{WorkerCount: 1}, echoHandler(), nil)
	require.NoError(t, err)
	require.NoError(t, p.Start())
	assert.Error(t, p.Start())

	require.NoError(t, p.Shutdown(context.Background()))
	assert.Error(t, p.Start())
}

func TestPool_ShutdownBeforeStartCancelsQueued(t *testing.T) {
	p, err := New(Config{WorkerCount: 1}, echoHandler(), nil)
	require.NoError(t, err)

	tk, err := p.Submit(context.Background(), newReq("c", "/never", dav.PriorityNormal))
	require.NoError(t, err)

	require.NoError(t, p.Shutdown(context.Background()))
	_, err = tk.Result()
	assert.ErrorIs(t, err, dav.ErrCancelled)
}

func TestPool_StatsReconcileDuringShutdown(t *testing.T) {
	h := newGateHandler()
	p, err := New(Config{WorkerCount: 1}, h, nil)
	require.NoError(t, err)
	require.NoError(t, p.Start())

	for i := 0; i < 500; i++ {
		_, err := p.Submit(context.Background(), newReq(fmt.Sprintf("c%d", i%5), fmt.Sprintf("/r%d", i), dav.PriorityNormal))
		require.NoError(t, err)
	}
	h.waitStarted(t, "/r0")

	done := make(chan struct{})
	var snapshots, broken atomic.Int64
	go func() {
		for {
			select {
			case <-done:
				return
			default:
			}
			if !p.Stats().Reconciles() {
				broken.Add(1)
			}
			snapshots.Add(1)
		}
	}()

	sctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_ = p.Shutdown(sctx)
	close(done)

	assert.Positive(t, snapshots.Load())
	assert.Zero(t, broken.Load(), "snapshot taken during shutdown did not reconcile")
	for i := 0; i < 5; i++ {
		assert.Zero(t, p.ClientInFlight(fmt.Sprintf("c%d", i)))
	}
}

func TestPool_ShutdownGivesUpOnStuckHandler(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	h := HandlerFunc(func(ctx context.Context, req *dav.Request) (*dav.Response, error) {
		close(started)
		<-release
		return &dav.Response{Status: 200}, nil
	})
	p, err := New(Config{WorkerCount: 1, StopGrace: 50 * time.Millisecond}, h, nil)
	require.NoError(t, err)
	require.NoError(t, p.Start())

	tk, err := p.Submit(context.Background(), newReq("c", "/stuck", dav.PriorityNormal))
	require.NoError(t, err)
	<-started

	sctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	assert.ErrorIs(t, p.Shutdown(sctx), context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)

	_, err = tk.Result()
	assert.ErrorIs(t, err, dav.ErrCancelled)
	assert.Equal(t, 1, p.Busy())

	close(release)
	require.Eventually(t, func() bool { return p.Busy() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, p.Stats().Reconciles())
}
