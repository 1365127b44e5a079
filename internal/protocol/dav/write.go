package dav

import (
	"errors"
	"net/http"
	"time"

	"github.com/marmos91/dittodav/pkg/backend"
	"github.com/marmos91/dittodav/pkg/dav"
)

// checkLocks returns a 423 response when a lock not named in the request's
// If header covers p (or, with subtree, anything below p).
func (h *Handlers) checkLocks(rc *RequestContext, p string, subtree bool) *dav.Response {
	l := h.locks.blocking(p, subtree, rc.header("If"))
	if l == nil {
		return nil
	}
	return textResponse(http.StatusLocked, "locked: "+l.root)
}

// parentMissing reports whether p has no parent collection.
func parentMissing(c *conn, p string) (bool, error) {
	ok, err := c.collectionExists(parentOf(p))
	return !ok, err
}

func handlePut(h *Handlers, rc *RequestContext) (*dav.Response, error) {
	p := rc.Path
	if p == "/" {
		return methodNotAllowed("cannot PUT the root collection"), nil
	}
	if resp := h.checkLocks(rc, p, false); resp != nil {
		return resp, nil
	}

	return h.withConn(rc.Context, func(c *conn) (*dav.Response, error) {
		missing, err := parentMissing(c, p)
		if err != nil {
			return nil, err
		}
		if missing {
			return textResponse(http.StatusConflict, "parent collection does not exist"), nil
		}

		isCollection, err := c.collectionExists(p)
		if err != nil {
			return nil, err
		}
		if isCollection {
			return methodNotAllowed("a collection exists at this path"), nil
		}

		_, err = c.load(p)
		existed := err == nil
		if err != nil && !errors.Is(err, backend.ErrNotFound) {
			return nil, err
		}

		r := &resource{
			path:        p,
			modified:    time.Now().UTC(),
			contentType: rc.header("Content-Type"),
			body:        rc.Request.Body(),
		}
		if err := c.store(r); err != nil {
			return nil, err
		}
		h.invalidate(p)

		code := http.StatusCreated
		if existed {
			code = http.StatusNoContent
		}
		return status(code, dav.Header{Name: "ETag", Value: r.etag()}), nil
	})
}

// handleDelete removes a file, or a collection with everything below it.
func handleDelete(h *Handlers, rc *RequestContext) (*dav.Response, error) {
	p := rc.Path
	if p == "/" {
		return textResponse(http.StatusForbidden, "cannot delete the root collection"), nil
	}
	if resp := h.checkLocks(rc, p, true); resp != nil {
		return resp, nil
	}

	return h.withConn(rc.Context, func(c *conn) (*dav.Response, error) {
		r, err := c.stat(p)
		if errors.Is(err, backend.ErrNotFound) {
			return textResponse(http.StatusNotFound, "not found"), nil
		}
		if err != nil {
			return nil, err
		}

		if err := c.removeTree(r); err != nil {
			return nil, err
		}
		h.invalidate(p)
		h.locks.removeUnder(p)
		return status(http.StatusNoContent), nil
	})
}

func handleMkcol(h *Handlers, rc *RequestContext) (*dav.Response, error) {
	p := rc.Path
	if len(rc.Request.Body()) > 0 {
		return textResponse(http.StatusUnsupportedMediaType, "MKCOL does not accept a body"), nil
	}
	if p == "/" {
		return methodNotAllowed("the root collection already exists"), nil
	}
	if resp := h.checkLocks(rc, p, false); resp != nil {
		return resp, nil
	}

	return h.withConn(rc.Context, func(c *conn) (*dav.Response, error) {
		exists, err := c.exists(p)
		if err != nil {
			return nil, err
		}
		if exists {
			return methodNotAllowed("resource already exists"), nil
		}
		missing, err := parentMissing(c, p)
		if err != nil {
			return nil, err
		}
		if missing {
			return textResponse(http.StatusConflict, "parent collection does not exist"), nil
		}

		if err := c.store(&resource{path: p, collection: true, modified: time.Now().UTC()}); err != nil {
			return nil, err
		}
		h.invalidate(p)
		return status(http.StatusCreated), nil
	})
}
