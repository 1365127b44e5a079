package metrics

import (
	"time"
)

// DAVMetrics provides observability for the DAV HTTP adapter.
//
// This interface is optional - if not provided to the adapter, a no-op
// implementation is used with zero overhead.
//
// Example usage:
//
//	// With metrics enabled
//	m := prometheus.NewDAVMetrics()
//	adapter := dav.New(config, m)
//
//	// Without metrics (no-op)
//	adapter := dav.New(config, nil)
type DAVMetrics interface {
	// RecordRequest records a completed request with its method, response
	// status and total latency (queue wait included).
	RecordRequest(method string, status int, duration time.Duration)

	// RecordRequestStart increments the in-flight gauge for method.
	RecordRequestStart(method string)

	// RecordRequestEnd decrements the in-flight gauge for method.
	RecordRequestEnd(method string)

	// RecordBytesTransferred records request ("in") or response ("out") body bytes.
	RecordBytesTransferred(direction string, bytes int64)

	// RecordRejection counts a request refused by the core, by error kind
	// (e.g. "QueueFull", "RateLimited").
	RecordRejection(kind string)
}

// Transfer directions for RecordBytesTransferred.
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// NewNoopDAVMetrics returns a DAVMetrics that discards everything.
func NewNoopDAVMetrics() DAVMetrics {
	return noopDAVMetrics{}
}

// noopDAVMetrics is a no-op implementation of DAVMetrics with zero overhead.
type noopDAVMetrics struct{}

func (noopDAVMetrics) RecordRequest(method string, status int, duration time.Duration) {}
func (noopDAVMetrics) RecordRequestStart(method string)                                {}
func (noopDAVMetrics) RecordRequestEnd(method string)                                  {}
func (noopDAVMetrics) RecordBytesTransferred(direction string, bytes int64)            {}
func (noopDAVMetrics) RecordRejection(kind string)                                     {}
