package dav

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies failures produced by the admission core.
//
// Protocol Mapping:
// The outer wire layer maps each kind to a status code (see the DAV adapter).
// Kinds are stable; new kinds are only ever appended.
type ErrorKind int

const (
	// KindQueueFull: the admission queue is at capacity. Not retried by the
	// core; callers should back off.
	KindQueueFull ErrorKind = iota + 1

	// KindRateLimited: the per-client ceiling or request rate was exceeded.
	KindRateLimited

	// KindTimeout: the request deadline elapsed while queued or executing.
	KindTimeout

	// KindNotFound: no route matches the request.
	KindNotFound

	// KindPoolExhausted: no backend connection became available in time.
	KindPoolExhausted

	// KindConnectionFailed: a backend connection could not be established.
	KindConnectionFailed

	// KindInternal: unexpected worker failure, e.g. a recovered panic.
	KindInternal

	// KindCancelled: the request was abandoned by shutdown or by its caller.
	KindCancelled

	// KindBadRequest: the descriptor failed validation.
	KindBadRequest

	// KindBackend: the backend rejected or failed a query.
	KindBackend
)

func (k ErrorKind) String() string {
	switch k {
	case KindQueueFull:
		return "QueueFull"
	case KindRateLimited:
		return "RateLimited"
	case KindTimeout:
		return "Timeout"
	case KindNotFound:
		return "NotFound"
	case KindPoolExhausted:
		return "PoolExhausted"
	case KindConnectionFailed:
		return "ConnectionFailed"
	case KindInternal:
		return "Internal"
	case KindCancelled:
		return "Cancelled"
	case KindBadRequest:
		return "BadRequest"
	case KindBackend:
		return "Backend"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// Error is the structured error returned by every component of the core.
// Besides the kind it carries the numeric context the outer layer needs to
// pick a status and to report the failure.
type Error struct {
	Kind    ErrorKind
	Message string

	// QueueDepth is the queue length observed when the error was raised.
	QueueDepth int

	// Limit is the ceiling that was hit (queue size, per-client limit, pool size).
	Limit int

	// Elapsed is the time spent before failing (queued time, wait time).
	Elapsed time.Duration

	// RetryAfter is when the caller may try again, if known.
	RetryAfter time.Duration

	// Err is the underlying cause, if any.
	Err error
}

// Sentinels for errors.Is. They match any *Error of the same kind.
var (
	ErrQueueFull        = &Error{Kind: KindQueueFull}
	ErrRateLimited      = &Error{Kind: KindRateLimited}
	ErrTimeout          = &Error{Kind: KindTimeout}
	ErrNotFound         = &Error{Kind: KindNotFound}
	ErrPoolExhausted    = &Error{Kind: KindPoolExhausted}
	ErrConnectionFailed = &Error{Kind: KindConnectionFailed}
	ErrInternal         = &Error{Kind: KindInternal}
	ErrCancelled        = &Error{Kind: KindCancelled}
	ErrBadRequest       = &Error{Kind: KindBadRequest}
	ErrBackend          = &Error{Kind: KindBackend}
)

// NewError builds an *Error of the given kind.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError builds an *Error of the given kind around cause.
func WrapError(kind ErrorKind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: cause}
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.QueueDepth > 0 {
		msg += fmt.Sprintf(" (queue depth %d)", e.QueueDepth)
	}
	if e.Limit > 0 {
		msg += fmt.Sprintf(" (limit %d)", e.Limit)
	}
	if e.Elapsed > 0 {
		msg += fmt.Sprintf(" (after %v)", e.Elapsed)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same kind, so errors.Is(err, ErrTimeout)
// works regardless of the attached context.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain, or 0 if none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
