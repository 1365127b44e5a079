package dav

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/marmos91/dittodav/pkg/backend"
	"github.com/marmos91/dittodav/pkg/dav"
)

func handleCopy(h *Handlers, rc *RequestContext) (*dav.Response, error) {
	return h.copyMove(rc, false)
}

func handleMove(h *Handlers, rc *RequestContext) (*dav.Response, error) {
	return h.copyMove(rc, true)
}

// destination extracts the target resource path from the Destination
// header. Absolute URLs and absolute paths are both accepted; the path must
// lie under the DAV prefix.
func (h *Handlers) destination(rc *RequestContext) (string, *dav.Response) {
	raw := rc.header("Destination")
	if raw == "" {
		return "", textResponse(http.StatusBadRequest, "missing Destination header")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", textResponse(http.StatusBadRequest, "invalid Destination header")
	}

	p := u.Path
	prefix := h.cfg.DavPrefix
	if p != prefix && !strings.HasPrefix(p, prefix+"/") {
		return "", textResponse(http.StatusBadGateway, "destination is outside this server's namespace")
	}
	return cleanPath(strings.TrimPrefix(p, prefix)), nil
}

func (h *Handlers) copyMove(rc *RequestContext, move bool) (*dav.Response, error) {
	src := rc.Path
	if src == "/" {
		return textResponse(http.StatusForbidden, "cannot copy or move the root collection"), nil
	}
	dst, resp := h.destination(rc)
	if resp != nil {
		return resp, nil
	}
	if isWithin(dst, src) || isWithin(src, dst) {
		return textResponse(http.StatusForbidden, "source and destination overlap"), nil
	}

	overwrite := !strings.EqualFold(rc.header("Overwrite"), "F")
	depth, ok := parseDepth(rc.header("Depth"), depthInfinity)
	if !ok || depth == depthOne || (move && depth != depthInfinity) {
		return textResponse(http.StatusBadRequest, "invalid Depth header"), nil
	}

	if resp := h.checkLocks(rc, dst, true); resp != nil {
		return resp, nil
	}
	if move {
		if resp := h.checkLocks(rc, src, true); resp != nil {
			return resp, nil
		}
	}

	return h.withConn(rc.Context, func(c *conn) (*dav.Response, error) {
		r, err := c.stat(src)
		if errors.Is(err, backend.ErrNotFound) {
			return textResponse(http.StatusNotFound, "not found"), nil
		}
		if err != nil {
			return nil, err
		}

		missing, err := parentMissing(c, dst)
		if err != nil {
			return nil, err
		}
		if missing {
			return textResponse(http.StatusConflict, "destination parent collection does not exist"), nil
		}

		existing, err := c.stat(dst)
		existed := err == nil
		if err != nil && !errors.Is(err, backend.ErrNotFound) {
			return nil, err
		}
		if existed {
			if !overwrite {
				return textResponse(http.StatusPreconditionFailed, "destination exists and Overwrite is F"), nil
			}
			if err := c.removeTree(existing); err != nil {
				return nil, err
			}
			h.locks.removeUnder(dst)
		}

		if err := copyTree(c, r, dst, depth == depthInfinity, !move); err != nil {
			return nil, err
		}
		if move {
			if err := c.removeTree(r); err != nil {
				return nil, err
			}
			h.locks.removeUnder(src)
			h.invalidate(src)
		}
		h.invalidate(dst)

		if existed {
			return status(http.StatusNoContent), nil
		}
		return status(http.StatusCreated), nil
	})
}

// copyTree writes r (and, if deep, everything below it) under dst. Copies
// get a fresh modification time when touch is set.
func copyTree(c *conn, r *resource, dst string, deep, touch bool) error {
	now := time.Now().UTC()
	place := func(src *resource, p string) error {
		cp := *src
		cp.path = p
		if touch {
			cp.modified = now
		}
		return c.store(&cp)
	}

	if err := place(r, dst); err != nil {
		return err
	}
	if !r.collection || !deep {
		return nil
	}

	members, err := c.members(r, true)
	if err != nil {
		return err
	}
	for _, m := range members {
		if err := place(m, dst+strings.TrimPrefix(m.path, r.path)); err != nil {
			return err
		}
	}
	return nil
}
