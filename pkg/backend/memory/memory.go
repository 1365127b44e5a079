// Package memory provides an in-process backend.
//
// All connections opened from the same Store share its data. It is meant
// for tests and single-node deployments where persistence is not needed.
package memory

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/marmos91/dittodav/pkg/backend"
)

// Store is the shared keyspace.
type Store struct {
	mu   sync.RWMutex
	data map[string][]byte

	opened atomic.Int64
	closed atomic.Int64
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{data: make(map[string][]byte)}
}

// Factory returns a backend.Factory opening connections on s.
func (s *Store) Factory() backend.Factory {
	return func(ctx context.Context) (backend.Conn, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s.opened.Add(1)
		return &conn{store: s}, nil
	}
}

// OpenConns returns the number of connections currently open.
func (s *Store) OpenConns() int64 {
	return s.opened.Load() - s.closed.Load()
}

// Len returns the number of stored keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

type conn struct {
	store  *Store
	closed atomic.Bool
}

func (c *conn) Execute(ctx context.Context, q backend.Query) ([]byte, error) {
	if c.closed.Load() {
		return nil, backend.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s := c.store
	switch q.Op {
	case backend.OpGet:
		s.mu.RLock()
		v, ok := s.data[q.Key]
		s.mu.RUnlock()
		if !ok {
			return nil, backend.ErrNotFound
		}
		return bytes.Clone(v), nil

	case backend.OpPut:
		v := bytes.Clone(q.Value)
		if v == nil {
			v = []byte{}
		}
		s.mu.Lock()
		s.data[q.Key] = v
		s.mu.Unlock()
		return nil, nil

	case backend.OpDelete:
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.data[q.Key]; !ok {
			return nil, backend.ErrNotFound
		}
		delete(s.data, q.Key)
		return nil, nil

	case backend.OpList:
		s.mu.RLock()
		keys := make([]string, 0)
		for k := range s.data {
			if strings.HasPrefix(k, q.Key) {
				keys = append(keys, k)
			}
		}
		s.mu.RUnlock()
		return backend.EncodeKeys(keys), nil

	default:
		return nil, backend.ErrUnsupportedOp
	}
}

func (c *conn) Ping(ctx context.Context) error {
	if c.closed.Load() {
		return backend.ErrClosed
	}
	return ctx.Err()
}

func (c *conn) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		c.store.closed.Add(1)
	}
	return nil
}
