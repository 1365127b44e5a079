package server

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/marmos91/dittodav/pkg/adapter"
	"github.com/marmos91/dittodav/pkg/admission"
	"github.com/marmos91/dittodav/pkg/backend/memory"
	"github.com/marmos91/dittodav/pkg/cache"
	"github.com/marmos91/dittodav/pkg/dav"
	"github.com/marmos91/dittodav/pkg/manager"
	"github.com/marmos91/dittodav/pkg/pool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubAdapter serves until its context is done, or fails with failWith.
type stubAdapter struct {
	protocol string
	port     int
	failWith error

	submitter adapter.Submitter
	started   chan struct{}
	stops     atomic.Int32
}

func newStub(protocol string, port int) *stubAdapter {
	return &stubAdapter{protocol: protocol, port: port, started: make(chan struct{})}
}

func (a *stubAdapter) Serve(ctx context.Context) error {
	close(a.started)
	if a.failWith != nil {
		return a.failWith
	}
	<-ctx.Done()
	return ctx.Err()
}

func (a *stubAdapter) SetSubmitter(s adapter.Submitter) { a.submitter = s }

func (a *stubAdapter) Stop(context.Context) error {
	a.stops.Add(1)
	return nil
}

func (a *stubAdapter) Protocol() string { return a.protocol }
func (a *stubAdapter) Port() int        { return a.port }

func newManager(t *testing.T) *manager.Manager {
	t.Helper()

	h := admission.HandlerFunc(func(ctx context.Context, req *dav.Request) (*dav.Response, error) {
		return &dav.Response{Status: 200}, nil
	})
	a, err := admission.New(admission.Config{WorkerCount: 1}, h, nil)
	require.NoError(t, err)
	c, err := cache.New(cache.Config{})
	require.NoError(t, err)
	p, err := pool.New(context.Background(), pool.Config{MaxSize: 1}, memory.NewStore().Factory())
	require.NoError(t, err)
	m, err := manager.New(manager.Config{}, a, c, p, nil)
	require.NoError(t, err)
	return m
}

func TestNew_NilManagerPanics(t *testing.T) {
	assert.Panics(t, func() { New(nil, Options{}) })
}

func TestAddAdapter_Conflicts(t *testing.T) {
	s := New(newManager(t), Options{})

	first := newStub("WebDAV", 8080)
	require.NoError(t, s.AddAdapter(first))
	assert.Same(t, s.Manager(), first.submitter)

	assert.Error(t, s.AddAdapter(newStub("WebDAV", 8081)), "duplicate protocol")
	assert.Error(t, s.AddAdapter(newStub("Admin", 8080)), "duplicate port")
	assert.Len(t, s.Adapters(), 1)
}

func TestServe_NoAdapters(t *testing.T) {
	s := New(newManager(t), Options{})
	assert.Error(t, s.Serve(context.Background()))
}

func TestServe_ShutdownOnCancel(t *testing.T) {
	m := newManager(t)
	s := New(m, Options{StopTimeout: time.Second})
	stub := newStub("WebDAV", 8080)
	require.NoError(t, s.AddAdapter(stub))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	<-stub.started
	require.Eventually(t, func() bool { return m.State() == manager.StateRunning }, time.Second, 5*time.Millisecond)

	// The adapter submits through the manager.
	resp, err := stub.submitter.Do(context.Background(), dav.NewRequest(dav.RequestOptions{
		ClientID: "10.0.0.1", Method: dav.MethodGet, Path: "/dav/a",
	}))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
	assert.Equal(t, int32(1), stub.stops.Load())
	assert.Equal(t, manager.StateStopped, m.State())

	assert.Error(t, s.Serve(context.Background()), "Serve runs once")
	assert.Panics(t, func() { _ = s.AddAdapter(newStub("Other", 9000)) })
}

func TestServe_AdapterFailureStopsEverything(t *testing.T) {
	m := newManager(t)
	s := New(m, Options{StopTimeout: time.Second})

	healthy := newStub("WebDAV", 8080)
	broken := newStub("Broken", 8081)
	broken.failWith = errors.New("bind: address already in use")
	require.NoError(t, s.AddAdapter(healthy))
	require.NoError(t, s.AddAdapter(broken))

	err := s.Serve(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Broken adapter error")
	assert.Equal(t, int32(1), healthy.stops.Load())
	assert.Equal(t, manager.StateStopped, m.State())
}
