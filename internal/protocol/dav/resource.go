package dav

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

const (
	recordVersion      = 1
	recordHeaderSize   = 1 + 8 + 2
	defaultContentType = "application/octet-stream"
)

var errCorruptRecord = errors.New("corrupt resource record")

// resource is a stored file or collection.
type resource struct {
	// path is the canonical path without trailing slash ("/" for the root).
	path        string
	collection  bool
	modified    time.Time
	contentType string
	body        []byte
}

func (r *resource) key() string {
	if r.collection {
		return collectionKey(r.path)
	}
	return r.path
}

func (r *resource) etag() string {
	h := xxhash.New()
	_, _ = h.Write(r.body)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(r.modified.UnixNano()))
	_, _ = h.Write(ts[:])
	return fmt.Sprintf(`"%016x"`, h.Sum64())
}

// encodeRecord lays out: version, modification time (unix nanos), content
// type length and bytes, then the body.
func encodeRecord(r *resource) []byte {
	ct := r.contentType
	if len(ct) > 0xffff {
		ct = ct[:0xffff]
	}
	buf := make([]byte, recordHeaderSize+len(ct)+len(r.body))
	buf[0] = recordVersion
	binary.BigEndian.PutUint64(buf[1:9], uint64(r.modified.UnixNano()))
	binary.BigEndian.PutUint16(buf[9:11], uint16(len(ct)))
	n := copy(buf[recordHeaderSize:], ct)
	copy(buf[recordHeaderSize+n:], r.body)
	return buf
}

func decodeRecord(key string, data []byte) (*resource, error) {
	if len(data) < recordHeaderSize || data[0] != recordVersion {
		return nil, fmt.Errorf("%w at %s", errCorruptRecord, key)
	}
	ctLen := int(binary.BigEndian.Uint16(data[9:11]))
	if len(data) < recordHeaderSize+ctLen {
		return nil, fmt.Errorf("%w at %s", errCorruptRecord, key)
	}

	r := &resource{
		path:        strings.TrimSuffix(key, "/"),
		collection:  strings.HasSuffix(key, "/"),
		modified:    time.Unix(0, int64(binary.BigEndian.Uint64(data[1:9]))).UTC(),
		contentType: string(data[recordHeaderSize : recordHeaderSize+ctLen]),
		body:        data[recordHeaderSize+ctLen:],
	}
	if r.path == "" {
		r.path = "/"
	}
	return r, nil
}

func rootCollection() *resource {
	return &resource{path: "/", collection: true}
}

// cleanPath turns a route parameter into an absolute path without trailing
// slash. ".." cannot climb above the root.
func cleanPath(param string) string {
	return path.Clean("/" + param)
}

func collectionKey(p string) string {
	if p == "/" {
		return "/"
	}
	return p + "/"
}

func parentOf(p string) string {
	return path.Dir(p)
}

// isWithin reports whether p is base or lies below it.
func isWithin(p, base string) bool {
	return p == base || base == "/" || strings.HasPrefix(p, base+"/")
}

// directChild reports whether key names an immediate member of the
// collection whose key is prefix.
func directChild(prefix, key string) bool {
	rest := strings.TrimPrefix(key, prefix)
	if rest == "" || rest == key {
		return false
	}
	rest = strings.TrimSuffix(rest, "/")
	return rest != "" && !strings.Contains(rest, "/")
}

// href builds the URL path of a resource under the DAV prefix.
func href(prefix string, r *resource) string {
	p := strings.TrimSuffix(prefix, "/") + r.path
	if r.collection && !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return (&url.URL{Path: p}).EscapedPath()
}
