package dav

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/marmos91/dittodav/internal/logger"
	"github.com/marmos91/dittodav/pkg/dav"
	"github.com/marmos91/dittodav/pkg/metrics"
)

// handle serves one WebDAV request through the concurrency core.
func (s *DAVAdapter) handle(c *gin.Context) {
	start := time.Now()
	method := dav.ParseMethod(c.Request.Method)
	name := method.String()

	s.metrics.RecordRequestStart(name)
	defer s.metrics.RecordRequestEnd(name)

	status := s.serveRequest(c, method, start)
	s.metrics.RecordRequest(name, status, time.Since(start))
}

func (s *DAVAdapter) serveRequest(c *gin.Context, method dav.Method, start time.Time) int {
	body, err := s.readBody(c)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return writeText(c, http.StatusRequestEntityTooLarge,
				"request body exceeds "+strconv.FormatInt(s.config.MaxBodyBytes, 10)+" bytes")
		}
		return writeText(c, http.StatusBadRequest, "reading request body: "+err.Error())
	}
	s.metrics.RecordBytesTransferred(metrics.DirectionIn, int64(len(body)))

	req := dav.NewRequest(dav.RequestOptions{
		ClientID:    s.clientID(c.Request),
		Method:      method,
		Path:        c.Request.URL.Path,
		Headers:     headersOf(c.Request.Header),
		Body:        body,
		SubmittedAt: start,
	})

	resp, err := s.submitter.Do(c.Request.Context(), req)
	if err != nil {
		return s.writeError(c, req, err)
	}
	return s.writeResponse(c, method, resp)
}

func (s *DAVAdapter) readBody(c *gin.Context) ([]byte, error) {
	if c.Request.Body == nil || c.Request.Body == http.NoBody {
		return nil, nil
	}
	if c.Request.ContentLength > s.config.MaxBodyBytes {
		return nil, &http.MaxBytesError{Limit: s.config.MaxBodyBytes}
	}
	return io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, s.config.MaxBodyBytes))
}

// clientID keys per-client limits: the remote host, or the first
// X-Forwarded-For hop when the adapter sits behind a trusted proxy.
func (s *DAVAdapter) clientID(r *http.Request) string {
	if s.config.TrustForwardedFor {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if first = strings.TrimSpace(first); first != "" {
				return first
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// headersOf flattens h into descriptor headers, sorted by name so equal
// requests produce equal descriptors.
func headersOf(h http.Header) dav.Headers {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(dav.Headers, 0, len(h))
	for _, name := range names {
		for _, v := range h[name] {
			out = append(out, dav.Header{Name: name, Value: v})
		}
	}
	return out
}

func (s *DAVAdapter) writeResponse(c *gin.Context, method dav.Method, resp *dav.Response) int {
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}

	header := c.Writer.Header()
	for _, h := range resp.Headers {
		header.Add(h.Name, h.Value)
	}
	c.Status(status)

	if method == dav.MethodHead || len(resp.Body) == 0 || !bodyAllowed(status) {
		c.Writer.WriteHeaderNow()
		return status
	}
	n, err := c.Writer.Write(resp.Body)
	if err != nil {
		logger.Debug("DAV: writing response for %s: %v", c.Request.URL.Path, err)
	}
	s.metrics.RecordBytesTransferred(metrics.DirectionOut, int64(n))
	return status
}

func bodyAllowed(status int) bool {
	return status >= 200 && status != http.StatusNoContent && status != http.StatusNotModified
}

// writeError maps a core failure to an HTTP status.
func (s *DAVAdapter) writeError(c *gin.Context, req *dav.Request, err error) int {
	kind := dav.KindOf(err)
	if kind == 0 && errors.Is(err, context.Canceled) {
		kind = dav.KindCancelled
	}
	status := StatusForKind(kind)

	if kind != 0 {
		s.metrics.RecordRejection(kind.String())
	}
	if kind == dav.KindQueueFull || kind == dav.KindRateLimited {
		wait := s.config.RetryAfter
		var derr *dav.Error
		if errors.As(err, &derr) && derr.RetryAfter > 0 {
			wait = derr.RetryAfter
		}
		c.Header("Retry-After", strconv.Itoa(retryAfterSeconds(wait)))
	}

	if status >= http.StatusInternalServerError {
		logger.Warn("DAV %s %s from %s failed: %v", req.Method(), req.Path(), req.ClientID(), err)
	} else {
		logger.Debug("DAV %s %s from %s refused: %v", req.Method(), req.Path(), req.ClientID(), err)
	}
	return writeText(c, status, err.Error())
}

func retryAfterSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// StatusForKind returns the HTTP status for a core error kind. Unknown kinds
// are Internal.
func StatusForKind(kind dav.ErrorKind) int {
	switch kind {
	case dav.KindQueueFull, dav.KindPoolExhausted, dav.KindCancelled:
		return http.StatusServiceUnavailable
	case dav.KindRateLimited:
		return http.StatusTooManyRequests
	case dav.KindTimeout:
		return http.StatusGatewayTimeout
	case dav.KindNotFound:
		return http.StatusNotFound
	case dav.KindConnectionFailed, dav.KindBackend:
		return http.StatusBadGateway
	case dav.KindBadRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeText(c *gin.Context, status int, msg string) int {
	c.Data(status, "text/plain; charset=utf-8", []byte(msg+"\n"))
	return status
}

// notImplemented answers methods outside the WebDAV set.
func (s *DAVAdapter) notImplemented(c *gin.Context) {
	names := make([]string, len(dav.Methods))
	for i, m := range dav.Methods {
		names[i] = m.String()
	}
	c.Header("Allow", strings.Join(names, ", "))
	status := writeText(c, http.StatusNotImplemented, "method "+c.Request.Method+" not implemented")
	s.metrics.RecordRequest(dav.MethodUnknown.String(), status, 0)
}
