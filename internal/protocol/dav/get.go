package dav

import (
	"errors"
	"net/http"
	"strings"

	"github.com/marmos91/dittodav/pkg/backend"
	"github.com/marmos91/dittodav/pkg/dav"
)

// allowedMethods is advertised by OPTIONS and on 405 responses.
const allowedMethods = "OPTIONS, GET, HEAD, PUT, DELETE, MKCOL, PROPFIND, COPY, MOVE, LOCK, UNLOCK"

func handleOptions(h *Handlers, rc *RequestContext) (*dav.Response, error) {
	return status(http.StatusOK,
		dav.Header{Name: "Allow", Value: allowedMethods},
		dav.Header{Name: "DAV", Value: "1, 2"},
		dav.Header{Name: "MS-Author-Via", Value: "DAV"},
		dav.Header{Name: "Content-Length", Value: "0"},
	), nil
}

// handleGet serves GET and HEAD for files. Records are cached under the
// response tier and re-validated on read.
func handleGet(h *Handlers, rc *RequestContext) (*dav.Response, error) {
	head := rc.Request.Method() == dav.MethodHead
	key := getKey(rc.Path)

	if data, ok := h.cache.Get(key); ok {
		if r, err := decodeRecord(rc.Path, data); err == nil {
			return fileResponse(rc, r, head), nil
		}
		h.cache.Invalidate(key)
	}

	gen := h.writes.Load()
	return h.withConn(rc.Context, func(c *conn) (*dav.Response, error) {
		r, err := c.stat(rc.Path)
		if errors.Is(err, backend.ErrNotFound) {
			return textResponse(http.StatusNotFound, "not found"), nil
		}
		if err != nil {
			return nil, err
		}
		if r.collection {
			return methodNotAllowed("collections have no content; use PROPFIND"), nil
		}

		h.fill(key, gen, encodeRecord(r))
		return fileResponse(rc, r, head), nil
	})
}

func fileResponse(rc *RequestContext, r *resource, head bool) *dav.Response {
	headers := resourceHeaders(r)
	if etagMatches(rc.header("If-None-Match"), r.etag()) {
		return &dav.Response{Status: http.StatusNotModified, Headers: headers[2:]}
	}
	resp := &dav.Response{Status: http.StatusOK, Headers: headers}
	if !head {
		resp.Body = r.body
	}
	return resp
}

// etagMatches evaluates an If-None-Match list against etag.
func etagMatches(list, etag string) bool {
	if list == "" {
		return false
	}
	for _, candidate := range strings.Split(list, ",") {
		candidate = strings.TrimPrefix(strings.TrimSpace(candidate), "W/")
		if candidate == "*" || candidate == etag {
			return true
		}
	}
	return false
}

func methodNotAllowed(msg string) *dav.Response {
	resp := textResponse(http.StatusMethodNotAllowed, msg)
	resp.Headers = append(resp.Headers, dav.Header{Name: "Allow", Value: allowedMethods})
	return resp
}
