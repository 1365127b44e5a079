// Package backend defines the opaque storage contract used by pooled
// connections.
//
// The admission core never interprets backend data: handlers build a Query,
// execute it through a pooled connection and get bytes back. Implementations
// live in subpackages (memory, badger, s3, postgres) and all satisfy the
// conformance suite in backend/testing.
package backend

import (
	"context"
	"errors"
	"sort"
	"strings"
)

// Op is the kind of query.
type Op uint8

const (
	// OpGet returns the value stored at Key.
	OpGet Op = iota + 1

	// OpPut stores Value at Key, replacing any previous value. Returns nil.
	OpPut

	// OpDelete removes Key. Deleting a missing key returns ErrNotFound.
	OpDelete

	// OpList returns every key starting with Key, sorted, newline separated.
	OpList
)

func (o Op) String() string {
	switch o {
	case OpGet:
		return "GET"
	case OpPut:
		return "PUT"
	case OpDelete:
		return "DELETE"
	case OpList:
		return "LIST"
	default:
		return "UNKNOWN"
	}
}

// Query is one backend operation.
type Query struct {
	Op    Op
	Key   string
	Value []byte
}

// Get, Put, Delete and List build queries.
func Get(key string) Query               { return Query{Op: OpGet, Key: key} }
func Put(key string, value []byte) Query { return Query{Op: OpPut, Key: key, Value: value} }
func Delete(key string) Query            { return Query{Op: OpDelete, Key: key} }
func List(prefix string) Query           { return Query{Op: OpList, Key: prefix} }

// Errors shared by every implementation.
var (
	// ErrNotFound means the key does not exist. It says nothing about the
	// health of the connection.
	ErrNotFound = errors.New("backend: key not found")

	// ErrClosed is returned by a connection used after Close.
	ErrClosed = errors.New("backend: connection closed")

	// ErrUnsupportedOp is returned for an unknown Op.
	ErrUnsupportedOp = errors.New("backend: unsupported operation")
)

// Conn is a single backend connection. A Conn is used by one goroutine at a
// time; the pool guarantees exclusive checkout.
type Conn interface {
	// Execute runs q and returns its result bytes.
	Execute(ctx context.Context, q Query) ([]byte, error)

	// Ping checks that the connection is usable.
	Ping(ctx context.Context) error

	// Close releases the connection.
	Close() error
}

// Factory opens new connections for the pool.
type Factory func(ctx context.Context) (Conn, error)

// EncodeKeys renders a key listing as returned by OpList.
func EncodeKeys(keys []string) []byte {
	if len(keys) == 0 {
		return []byte{}
	}
	sort.Strings(keys)
	return []byte(strings.Join(keys, "\n"))
}

// DecodeKeys parses an OpList result.
func DecodeKeys(data []byte) []string {
	if len(data) == 0 {
		return nil
	}
	return strings.Split(string(data), "\n")
}
