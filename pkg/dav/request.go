package dav

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Header is a single request or response header. Header lists keep wire
// order and allow duplicate names.
type Header struct {
	Name  string
	Value string
}

// Headers is an ordered header list.
type Headers []Header

// Get returns the first value for name (case-insensitive) and whether it
// was present.
func (h Headers) Get(name string) (string, bool) {
	for _, hdr := range h {
		if strings.EqualFold(hdr.Name, name) {
			return hdr.Value, true
		}
	}
	return "", false
}

// Values returns every value for name in wire order.
func (h Headers) Values(name string) []string {
	var out []string
	for _, hdr := range h {
		if strings.EqualFold(hdr.Name, name) {
			out = append(out, hdr.Value)
		}
	}
	return out
}

// Clone returns a copy that shares no backing array with h.
func (h Headers) Clone() Headers {
	if h == nil {
		return nil
	}
	out := make(Headers, len(h))
	copy(out, h)
	return out
}

// Request is the descriptor of one inbound request as seen by the admission
// core. It is immutable once built: every accessor returns a value or a copy,
// and the only "mutation" is WithPriority, which returns a new descriptor.
type Request struct {
	id          uuid.UUID
	clientID    string
	method      Method
	path        string
	headers     Headers
	body        []byte
	submittedAt time.Time
	priority    Priority
}

// RequestOptions carries the fields used to build a Request.
type RequestOptions struct {
	ClientID string
	Method   Method
	Path     string
	Headers  Headers
	Body     []byte

	// SubmittedAt defaults to time.Now().
	SubmittedAt time.Time

	// Priority is the tier assigned by the outer layer, if any. The router
	// may raise it but never lowers it.
	Priority Priority
}

// NewRequest builds an immutable request descriptor. Headers and body are
// copied so the caller may reuse its buffers.
func NewRequest(opts RequestOptions) *Request {
	submitted := opts.SubmittedAt
	if submitted.IsZero() {
		submitted = time.Now()
	}

	var body []byte
	if len(opts.Body) > 0 {
		body = make([]byte, len(opts.Body))
		copy(body, opts.Body)
	}

	return &Request{
		id:          uuid.New(),
		clientID:    opts.ClientID,
		method:      opts.Method,
		path:        opts.Path,
		headers:     opts.Headers.Clone(),
		body:        body,
		submittedAt: submitted,
		priority:    opts.Priority,
	}
}

func (r *Request) ID() uuid.UUID          { return r.id }
func (r *Request) ClientID() string       { return r.clientID }
func (r *Request) Method() Method         { return r.method }
func (r *Request) Path() string           { return r.path }
func (r *Request) SubmittedAt() time.Time { return r.submittedAt }
func (r *Request) Priority() Priority     { return r.priority }

// Headers returns a copy of the header list.
func (r *Request) Headers() Headers { return r.headers.Clone() }

// Header returns the first value of the named header.
func (r *Request) Header(name string) (string, bool) { return r.headers.Get(name) }

// Body returns the request body. Callers must not modify the returned slice.
func (r *Request) Body() []byte { return r.body }

// WithPriority returns a descriptor whose priority is the higher of the
// current one and p. The receiver is left untouched.
func (r *Request) WithPriority(p Priority) *Request {
	next := r.priority.Max(p)
	if next == r.priority {
		return r
	}
	cp := *r
	cp.priority = next
	return &cp
}

// Validate checks the constraints every submission must satisfy.
func (r *Request) Validate() error {
	if r == nil {
		return NewError(KindBadRequest, "nil request")
	}
	if !r.method.IsValid() {
		return NewError(KindBadRequest, "unsupported method")
	}
	if r.path == "" {
		return NewError(KindBadRequest, "empty path")
	}
	return nil
}

// Response is what a handler produces for a request.
type Response struct {
	Status  int
	Headers Headers
	Body    []byte
}
