package dav

import (
	"context"
	"errors"
	"sort"

	"github.com/marmos91/dittodav/pkg/backend"
	"github.com/marmos91/dittodav/pkg/dav"
	"github.com/marmos91/dittodav/pkg/pool"
)

// conn is a backend connection checked out for one request.
type conn struct {
	ctx context.Context
	h   *pool.Handle
}

// withConn runs fn holding one pooled connection and releases it on every
// exit path.
func (h *Handlers) withConn(ctx context.Context, fn func(c *conn) (*dav.Response, error)) (*dav.Response, error) {
	handle, err := h.pool.Acquire(ctx, h.cfg.AcquireTimeout)
	if err != nil {
		return nil, err
	}
	defer handle.Release()

	return fn(&conn{ctx: ctx, h: handle})
}

// exec runs q. backend.ErrNotFound is returned as is, context errors are
// returned unwrapped so the admission pool classifies them, and anything
// else becomes a Backend error.
func (c *conn) exec(q backend.Query) ([]byte, error) {
	out, err := c.h.Execute(c.ctx, q)
	if err == nil {
		return out, nil
	}
	if errors.Is(err, backend.ErrNotFound) {
		return nil, backend.ErrNotFound
	}
	if ctxErr := c.ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	return nil, dav.WrapError(dav.KindBackend, err, "%s %s", q.Op, q.Key)
}

func (c *conn) load(key string) (*resource, error) {
	data, err := c.exec(backend.Get(key))
	if err != nil {
		return nil, err
	}
	r, err := decodeRecord(key, data)
	if err != nil {
		return nil, dav.WrapError(dav.KindBackend, err, "decode %s", key)
	}
	return r, nil
}

// stat finds the file or collection at p.
func (c *conn) stat(p string) (*resource, error) {
	if p == "/" {
		return rootCollection(), nil
	}
	r, err := c.load(p)
	if !errors.Is(err, backend.ErrNotFound) {
		return r, err
	}
	return c.load(collectionKey(p))
}

// exists is stat without the record.
func (c *conn) exists(p string) (bool, error) {
	_, err := c.stat(p)
	if errors.Is(err, backend.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// collectionExists reports whether p is an existing collection.
func (c *conn) collectionExists(p string) (bool, error) {
	if p == "/" {
		return true, nil
	}
	_, err := c.load(collectionKey(p))
	if errors.Is(err, backend.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (c *conn) store(r *resource) error {
	_, err := c.exec(backend.Put(r.key(), encodeRecord(r)))
	return err
}

// list returns every key under prefix, sorted.
func (c *conn) list(prefix string) ([]string, error) {
	data, err := c.exec(backend.List(prefix))
	if err != nil {
		return nil, err
	}
	return backend.DecodeKeys(data), nil
}

// members returns the resources below collection r: direct children only
// unless deep is set.
func (c *conn) members(r *resource, deep bool) ([]*resource, error) {
	prefix := collectionKey(r.path)
	keys, err := c.list(prefix)
	if err != nil {
		return nil, err
	}

	out := make([]*resource, 0, len(keys))
	for _, k := range keys {
		if k == prefix || (!deep && !directChild(prefix, k)) {
			continue
		}
		m, err := c.load(k)
		if errors.Is(err, backend.ErrNotFound) {
			continue // removed concurrently
		}
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// removeTree deletes r and, for collections, everything below it.
func (c *conn) removeTree(r *resource) error {
	if !r.collection {
		_, err := c.exec(backend.Delete(r.path))
		return err
	}

	keys, err := c.list(collectionKey(r.path))
	if err != nil {
		return err
	}
	// Reverse order deletes members before their collection marker.
	sort.Sort(sort.Reverse(sort.StringSlice(keys)))
	for _, k := range keys {
		if _, err := c.exec(backend.Delete(k)); err != nil && !errors.Is(err, backend.ErrNotFound) {
			return err
		}
	}
	return nil
}
