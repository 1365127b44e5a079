package dav

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
)

const lockTokenScheme = "opaquelocktoken:"

// lockInfo is one exclusive write lock.
type lockInfo struct {
	token   string
	root    string
	deep    bool
	owner   string
	timeout time.Duration
}

// governs reports whether the lock applies to p.
func (l *lockInfo) governs(p string) bool {
	return l.root == p || (l.deep && isWithin(p, l.root))
}

// lockTable tracks active locks keyed by their root path. Expiry is left to
// the cache TTL; lookups skip expired items before the next sweep.
type lockTable struct {
	mu    sync.Mutex
	locks *ttlcache.Cache[string, *lockInfo]
}

func newLockTable() *lockTable {
	return &lockTable{
		locks: ttlcache.New(
			ttlcache.WithDisableTouchOnHit[string, *lockInfo](),
		),
	}
}

func (t *lockTable) active(fn func(l *lockInfo) bool) {
	t.locks.Range(func(item *ttlcache.Item[string, *lockInfo]) bool {
		if item.IsExpired() {
			return true
		}
		return fn(item.Value())
	})
}

// conflictLocked returns a lock that prevents locking p.
func (t *lockTable) conflictLocked(p string, deep bool) *lockInfo {
	var found *lockInfo
	t.active(func(l *lockInfo) bool {
		if l.governs(p) || (deep && isWithin(l.root, p)) {
			found = l
			return false
		}
		return true
	})
	return found
}

// acquire creates a lock on p. On conflict it returns the blocking lock.
func (t *lockTable) acquire(p string, deep bool, owner string, timeout time.Duration) (*lockInfo, *lockInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if c := t.conflictLocked(p, deep); c != nil {
		return nil, c
	}
	l := &lockInfo{
		token:   lockTokenScheme + uuid.NewString(),
		root:    p,
		deep:    deep,
		owner:   owner,
		timeout: timeout,
	}
	t.locks.Set(p, l, timeout)
	return l, nil
}

// refresh extends the lock governing p whose token appears in ifHeader.
func (t *lockTable) refresh(p, ifHeader string, timeout time.Duration) (*lockInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var found *lockInfo
	t.active(func(l *lockInfo) bool {
		if l.governs(p) && strings.Contains(ifHeader, l.token) {
			found = l
			return false
		}
		return true
	})
	if found == nil {
		return nil, false
	}
	refreshed := *found
	refreshed.timeout = timeout
	t.locks.Set(found.root, &refreshed, timeout)
	return &refreshed, true
}

// release removes the lock governing p with the given token.
func (t *lockTable) release(p, token string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	var found *lockInfo
	t.active(func(l *lockInfo) bool {
		if l.token == token && l.governs(p) {
			found = l
			return false
		}
		return true
	})
	if found == nil {
		return false
	}
	t.locks.Delete(found.root)
	return true
}

// blocking returns a lock that forbids writing p (and, with subtree, anything
// below p) for a request carrying ifHeader, or nil.
func (t *lockTable) blocking(p string, subtree bool, ifHeader string) *lockInfo {
	t.mu.Lock()
	defer t.mu.Unlock()

	var found *lockInfo
	t.active(func(l *lockInfo) bool {
		applies := l.governs(p) || (subtree && isWithin(l.root, p))
		if applies && !strings.Contains(ifHeader, l.token) {
			found = l
			return false
		}
		return true
	})
	return found
}

// removeUnder drops every lock rooted at or below p.
func (t *lockTable) removeUnder(p string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var roots []string
	t.active(func(l *lockInfo) bool {
		if isWithin(l.root, p) {
			roots = append(roots, l.root)
		}
		return true
	})
	for _, r := range roots {
		t.locks.Delete(r)
	}
}

func (t *lockTable) len() int {
	n := 0
	t.active(func(*lockInfo) bool {
		n++
		return true
	})
	return n
}

// sweep deletes expired locks and returns how many were dropped.
func (t *lockTable) sweep() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	before := t.locks.Metrics().Evictions
	t.locks.DeleteExpired()
	return int(t.locks.Metrics().Evictions - before)
}
