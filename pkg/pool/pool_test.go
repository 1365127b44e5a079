package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/marmos91/dittodav/pkg/backend"
	"github.com/marmos91/dittodav/pkg/backend/memory"
	"github.com/marmos91/dittodav/pkg/dav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedConn wraps a real connection and lets tests inject failures.
type scriptedConn struct {
	backend.Conn
	execErr error
	pingErr error
}

func (c *scriptedConn) Execute(ctx context.Context, q backend.Query) ([]byte, error) {
	if c.execErr != nil {
		return nil, c.execErr
	}
	return c.Conn.Execute(ctx, q)
}

func (c *scriptedConn) Ping(ctx context.Context) error {
	if c.pingErr != nil {
		return c.pingErr
	}
	return c.Conn.Ping(ctx)
}

// countingFactory records how many connections were opened and lets a test
// make the next dials fail.
type countingFactory struct {
	store *memory.Store
	dials atomic.Int64
	fail  atomic.Bool

	mu    sync.Mutex
	conns []*scriptedConn
}

func newCountingFactory() *countingFactory {
	return &countingFactory{store: memory.NewStore()}
}

func (f *countingFactory) factory() backend.Factory {
	inner := f.store.Factory()
	return func(ctx context.Context) (backend.Conn, error) {
		f.dials.Add(1)
		if f.fail.Load() {
			return nil, errors.New("backend unreachable")
		}
		c, err := inner(ctx)
		if err != nil {
			return nil, err
		}
		sc := &scriptedConn{Conn: c}
		f.mu.Lock()
		f.conns = append(f.conns, sc)
		f.mu.Unlock()
		return sc, nil
	}
}

func newTestPool(t *testing.T, cfg Config, f *countingFactory) *Pool {
	t.Helper()
	p, err := New(context.Background(), cfg, f.factory())
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p
}

func TestPool_AcquireExecuteRelease(t *testing.T) {
	f := newCountingFactory()
	p := newTestPool(t, Config{MaxSize: 2}, f)
	ctx := context.Background()

	h, err := p.Acquire(ctx, time.Second)
	require.NoError(t, err)

	_, err = h.Execute(ctx, backend.Put("/a", []byte("x")))
	require.NoError(t, err)
	out, err := h.Execute(ctx, backend.Get("/a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), out)
	h.Release()

	// The idle connection is reused.
	h2, err := p.Acquire(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, h.ConnID(), h2.ConnID())
	h2.Release()

	assert.Equal(t, int64(1), f.dials.Load())
	stats := p.Stats()
	assert.Equal(t, int32(1), stats.Total)
	assert.Equal(t, int32(1), stats.Idle)
	assert.Equal(t, int32(0), stats.InUse)
	assert.Equal(t, uint64(1), stats.Created)
}

func TestPool_ExhaustedAfterTimeout(t *testing.T) {
	f := newCountingFactory()
	p := newTestPool(t, Config{MaxSize: 2}, f)
	ctx := context.Background()

	h1, err := p.Acquire(ctx, time.Second)
	require.NoError(t, err)
	h2, err := p.Acquire(ctx, time.Second)
	require.NoError(t, err)
	defer h1.Release()
	defer h2.Release()

	start := time.Now()
	_, err = p.Acquire(ctx, 50*time.Millisecond)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, errors.Is(err, dav.ErrPoolExhausted), "got %v", err)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)

	// No connection beyond the ceiling was opened.
	assert.Equal(t, int64(2), f.dials.Load())
	assert.Equal(t, int64(2), f.store.OpenConns())
	assert.Equal(t, uint64(1), p.Stats().Exhausted)
}

func TestPool_WaiterGetsReleasedConnection(t *testing.T) {
	f := newCountingFactory()
	p := newTestPool(t, Config{MaxSize: 1}, f)
	ctx := context.Background()

	h1, err := p.Acquire(ctx, time.Second)
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		h1.Release()
	}()

	h2, err := p.Acquire(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, h1.ConnID(), h2.ConnID())
	h2.Release()
}

func TestPool_FactoryFailureFreesSlot(t *testing.T) {
	f := newCountingFactory()
	p := newTestPool(t, Config{MaxSize: 1}, f)
	ctx := context.Background()

	f.fail.Store(true)
	_, err := p.Acquire(ctx, time.Second)
	require.Error(t, err)
	assert.Equal(t, dav.KindConnectionFailed, dav.KindOf(err))
	assert.Equal(t, uint64(1), p.Stats().ConnectFailures)

	// The failed dial did not leak the only slot.
	f.fail.Store(false)
	h, err := p.Acquire(ctx, time.Second)
	require.NoError(t, err)
	h.Release()
}

func TestPool_CallerContext(t *testing.T) {
	f := newCountingFactory()
	p := newTestPool(t, Config{MaxSize: 1}, f)

	h, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	defer h.Release()

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := p.Acquire(ctx, time.Second)
		assert.Equal(t, dav.KindCancelled, dav.KindOf(err))
	})

	t.Run("deadline before acquire timeout", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err := p.Acquire(ctx, time.Second)
		assert.Equal(t, dav.KindTimeout, dav.KindOf(err))
	})
}

func TestPool_UnhealthyConnectionClosedOnRelease(t *testing.T) {
	f := newCountingFactory()
	p := newTestPool(t, Config{MaxSize: 1}, f)
	ctx := context.Background()

	h, err := p.Acquire(ctx, time.Second)
	require.NoError(t, err)

	f.mu.Lock()
	f.conns[0].execErr = errors.New("broken pipe")
	f.mu.Unlock()

	_, err = h.Execute(ctx, backend.Get("/x"))
	require.Error(t, err)
	h.Release()

	assert.Eventually(t, func() bool { return f.store.OpenConns() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(1), p.Stats().ClosedUnhealthy)

	h2, err := p.Acquire(ctx, time.Second)
	require.NoError(t, err)
	assert.NotEqual(t, h.ConnID(), h2.ConnID())
	h2.Release()
}

func TestPool_NotFoundKeepsConnectionHealthy(t *testing.T) {
	f := newCountingFactory()
	p := newTestPool(t, Config{MaxSize: 1}, f)
	ctx := context.Background()

	h, err := p.Acquire(ctx, time.Second)
	require.NoError(t, err)
	_, err = h.Execute(ctx, backend.Get("/missing"))
	assert.ErrorIs(t, err, backend.ErrNotFound)
	h.Release()

	h2, err := p.Acquire(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, h.ConnID(), h2.ConnID())
	h2.Release()
	assert.Equal(t, uint64(0), p.Stats().ClosedUnhealthy)
}

func TestPool_MaxLifetime(t *testing.T) {
	f := newCountingFactory()
	p := newTestPool(t, Config{MaxSize: 1, MaxLifetime: 30 * time.Millisecond}, f)
	ctx := context.Background()

	h, err := p.Acquire(ctx, time.Second)
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	h.Release()

	assert.Eventually(t, func() bool { return f.store.OpenConns() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(1), p.Stats().ClosedExpired)
}

func TestPool_DoubleReleaseAndUseAfterRelease(t *testing.T) {
	f := newCountingFactory()
	p := newTestPool(t, Config{MaxSize: 1}, f)
	ctx := context.Background()

	h, err := p.Acquire(ctx, time.Second)
	require.NoError(t, err)
	h.Release()
	assert.NotPanics(t, h.Release)

	_, err = h.Execute(ctx, backend.Get("/a"))
	assert.ErrorIs(t, err, ErrHandleReleased)

	assert.Equal(t, int32(1), p.Stats().Idle)
}

func TestPool_SweepIdle(t *testing.T) {
	f := newCountingFactory()
	p := newTestPool(t, Config{MinSize: 1, MaxSize: 4, MaxIdleTime: 20 * time.Millisecond}, f)
	ctx := context.Background()

	handles := make([]*Handle, 0, 3)
	for i := 0; i < 3; i++ {
		h, err := p.Acquire(ctx, time.Second)
		require.NoError(t, err)
		handles = append(handles, h)
	}
	for _, h := range handles {
		h.Release()
	}

	time.Sleep(40 * time.Millisecond)
	closed := p.Sweep(ctx)

	assert.Equal(t, 2, closed)
	assert.Eventually(t, func() bool { return f.store.OpenConns() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(2), p.Stats().ClosedIdle)
}

func TestPool_SweepHealthCheck(t *testing.T) {
	f := newCountingFactory()
	p := newTestPool(t, Config{MinSize: 1, MaxSize: 2}, f)
	ctx := context.Background()

	f.mu.Lock()
	require.Len(t, f.conns, 1)
	f.conns[0].pingErr = errors.New("connection reset")
	f.mu.Unlock()

	closed := p.Sweep(ctx)
	assert.Equal(t, 1, closed)
	assert.Equal(t, uint64(1), p.Stats().HealthCheckFailures)

	// Destroy is asynchronous; once the broken connection is gone the next
	// sweep refills the pool to its minimum.
	assert.Eventually(t, func() bool { return f.store.OpenConns() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, p.Sweep(ctx))
	assert.Equal(t, int64(2), f.dials.Load())
	assert.Equal(t, int32(1), p.Stats().Total)
}

func TestPool_WarmUp(t *testing.T) {
	f := newCountingFactory()
	newTestPool(t, Config{MinSize: 3, MaxSize: 4}, f)
	assert.Equal(t, int64(3), f.dials.Load())

	failing := newCountingFactory()
	failing.fail.Store(true)
	_, err := New(context.Background(), Config{MinSize: 1, MaxSize: 2}, failing.factory())
	assert.Equal(t, dav.KindConnectionFailed, dav.KindOf(err))
}

func TestPool_InvalidConfig(t *testing.T) {
	f := newCountingFactory()
	_, err := New(context.Background(), Config{MinSize: 5, MaxSize: 2}, f.factory())
	assert.Error(t, err)

	_, err = New(context.Background(), Config{}, nil)
	assert.Error(t, err)
}

func TestPool_ConcurrentNeverExceedsMax(t *testing.T) {
	f := newCountingFactory()
	p := newTestPool(t, Config{MaxSize: 4}, f)
	ctx := context.Background()

	var inUse, peak atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := p.Acquire(ctx, 5*time.Second)
			if !assert.NoError(t, err) {
				return
			}
			n := inUse.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			_, _ = h.Execute(ctx, backend.Put("/k", []byte("v")))
			time.Sleep(time.Millisecond)
			inUse.Add(-1)
			h.Release()
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int64(4))
	assert.LessOrEqual(t, f.dials.Load(), int64(4))
}

type recordingMetrics struct {
	mu       sync.Mutex
	acquires []error
	ops      []backend.Op
}

func (m *recordingMetrics) ObserveAcquire(_ time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acquires = append(m.acquires, err)
}

func (m *recordingMetrics) ObserveExecute(op backend.Op, _ time.Duration, _ error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, op)
}

func TestPool_Metrics(t *testing.T) {
	f := newCountingFactory()
	p := newTestPool(t, Config{MaxSize: 1}, f)
	m := &recordingMetrics{}
	p.SetMetrics(m)
	ctx := context.Background()

	h, err := p.Acquire(ctx, time.Second)
	require.NoError(t, err)
	_, err = h.Execute(ctx, backend.Put("/a", []byte("x")))
	require.NoError(t, err)
	_, err = h.Execute(ctx, backend.Get("/missing"))
	require.ErrorIs(t, err, backend.ErrNotFound)

	_, err = p.Acquire(ctx, 20*time.Millisecond)
	require.Error(t, err)
	h.Release()

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Equal(t, []backend.Op{backend.OpPut, backend.OpGet}, m.ops)
	require.Len(t, m.acquires, 2)
	assert.NoError(t, m.acquires[0])
	assert.ErrorIs(t, m.acquires[1], dav.ErrPoolExhausted)

	// nil restores the no-op recorder.
	p.SetMetrics(nil)
	h, err = p.Acquire(ctx, time.Second)
	require.NoError(t, err)
	h.Release()
}
