// Package cache implements the two-tier cache shared by the router (resolved
// routes) and the protocol handlers (response bodies and property listings).
//
// Tiers:
//   - L1: small strict LRU holding uncompressed values, checked first.
//   - L2: larger capacity-bounded tier. Values above the compression threshold
//     are stored zstd-compressed. An L2 hit is promoted into L1.
//
// Every entry carries its own TTL anchored at creation time. An expired entry
// is never returned: it is purged lazily on access and by Sweep.
//
// Thread safety:
// Both tiers are internally synchronized. Writers for the same key (Put,
// Invalidate, promotion) are serialized through striped locks so a promotion
// can never resurrect a value that was overwritten or invalidated meanwhile.
package cache

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jellydator/ttlcache/v3"
	"github.com/klauspost/compress/zstd"
	"github.com/marmos91/dittodav/internal/logger"
)

const lockStripes = 64

// Clock abstracts time so TTL behavior can be tested deterministically.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the wall clock.
func SystemClock() Clock { return systemClock{} }

// Config configures a Cache.
type Config struct {
	// L1Size is the maximum number of entries in the hot tier.
	L1Size int

	// L2Size is the maximum number of entries in the large tier.
	L2Size int

	// L1MaxEntrySize is the largest value (in bytes) admitted into L1.
	// Larger values live only in L2.
	L1MaxEntrySize int

	// CompressionThreshold is the value size (in bytes) above which L2
	// stores the value compressed. 0 disables compression.
	CompressionThreshold int

	// DefaultTTL applies when Put is called with a non-positive TTL.
	DefaultTTL time.Duration

	// Clock defaults to the system clock.
	Clock Clock
}

func (c *Config) applyDefaults() {
	if c.L1Size <= 0 {
		c.L1Size = 1000
	}
	if c.L2Size <= 0 {
		c.L2Size = 10000
	}
	if c.L1MaxEntrySize <= 0 {
		c.L1MaxEntrySize = 64 * 1024
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = 5 * time.Minute
	}
	if c.Clock == nil {
		c.Clock = SystemClock()
	}
}

// entry is the shared shape of both tiers.
type entry struct {
	value      []byte
	compressed bool
	size       int
	createdAt  time.Time
	ttl        time.Duration

	lastAccess atomic.Int64
	accesses   atomic.Uint64

	// dropped marks an L1 entry removed on purpose, so the eviction
	// callback can tell explicit removals from capacity evictions.
	dropped atomic.Bool
}

func (e *entry) expired(now time.Time) bool {
	return now.Sub(e.createdAt) > e.ttl
}

func (e *entry) touch(now time.Time) {
	e.lastAccess.Store(now.UnixNano())
	e.accesses.Add(1)
}

// Cache is the two-tier cache. Create it with New and release the
// compression resources with Close.
type Cache struct {
	cfg   Config
	clock Clock

	l1 *lru.Cache[string, *entry]
	l2 *ttlcache.Cache[string, *entry]

	enc *zstd.Encoder
	dec *zstd.Decoder

	locks [lockStripes]sync.Mutex

	l1Hits        atomic.Uint64
	l2Hits        atomic.Uint64
	misses        atomic.Uint64
	sets          atomic.Uint64
	promotions    atomic.Uint64
	demotions     atomic.Uint64
	evictions     atomic.Uint64
	expirations   atomic.Uint64
	invalidations atomic.Uint64
	compressed    atomic.Uint64
}

// New creates a cache from cfg.
func New(cfg Config) (*Cache, error) {
	cfg.applyDefaults()

	c := &Cache{
		cfg:   cfg,
		clock: cfg.Clock,
	}

	l1, err := lru.NewWithEvict[string, *entry](cfg.L1Size, c.onL1Evict)
	if err != nil {
		return nil, fmt.Errorf("create l1 tier: %w", err)
	}
	c.l1 = l1

	c.l2 = ttlcache.New[string, *entry](
		ttlcache.WithTTL[string, *entry](cfg.DefaultTTL),
		ttlcache.WithCapacity[string, *entry](uint64(cfg.L2Size)),
		ttlcache.WithDisableTouchOnHit[string, *entry](),
	)
	c.l2.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, _ *ttlcache.Item[string, *entry]) {
		if reason == ttlcache.EvictionReasonCapacityReached {
			c.evictions.Add(1)
		}
	})

	c.enc, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	c.dec, err = zstd.NewReader(nil)
	if err != nil {
		_ = c.enc.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	return c, nil
}

// onL1Evict runs under the L1 lock for capacity evictions and removals.
func (c *Cache) onL1Evict(key string, e *entry) {
	if e.dropped.Load() {
		return
	}
	if c.l2.Has(key) {
		c.demotions.Add(1)
		return
	}
	c.evictions.Add(1)
}

func (c *Cache) stripe(key string) *sync.Mutex {
	return &c.locks[xxhash.Sum64String(key)%lockStripes]
}

// Get returns the value stored under key. Expired entries are treated as
// absent and purged. The returned slice is owned by the caller.
func (c *Cache) Get(key string) ([]byte, bool) {
	now := c.clock.Now()

	if e, ok := c.l1.Get(key); ok {
		if !e.expired(now) {
			e.touch(now)
			c.l1Hits.Add(1)
			return bytes.Clone(e.value), true
		}
		c.purge(key, e, nil)
	}

	item := c.l2.Get(key)
	if item == nil {
		c.misses.Add(1)
		return nil, false
	}

	e := item.Value()
	if e.expired(now) {
		c.purge(key, nil, e)
		c.misses.Add(1)
		return nil, false
	}

	value, err := c.decode(e)
	if err != nil {
		logger.Warn("cache: dropping undecodable entry %q: %v", key, err)
		c.purge(key, nil, e)
		c.misses.Add(1)
		return nil, false
	}

	e.touch(now)
	c.l2Hits.Add(1)

	if len(value) <= c.cfg.L1MaxEntrySize {
		c.promote(key, e, value)
	}

	return value, true
}

// promote copies an L2 entry into L1, keeping its creation time and TTL so
// promotion never extends an entry's life.
func (c *Cache) promote(key string, src *entry, value []byte) {
	mu := c.stripe(key)
	mu.Lock()
	defer mu.Unlock()

	// Skip if the L2 entry was replaced or removed since it was read.
	item := c.l2.Get(key)
	if item == nil || item.Value() != src {
		return
	}

	hot := &entry{
		value:     bytes.Clone(value),
		size:      len(value),
		createdAt: src.createdAt,
		ttl:       src.ttl,
	}
	hot.lastAccess.Store(src.lastAccess.Load())
	hot.accesses.Store(src.accesses.Load())

	c.l1.Add(key, hot)
	c.promotions.Add(1)
}

// Put stores value under key for ttl (DefaultTTL when ttl <= 0),
// overwriting any previous value. Capacity overflow evicts the least
// recently used entries of the affected tier.
func (c *Cache) Put(key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	now := c.clock.Now()

	cold := c.encode(value, now, ttl)

	mu := c.stripe(key)
	mu.Lock()
	defer mu.Unlock()

	c.l2.Set(key, cold, ttl)

	if len(value) <= c.cfg.L1MaxEntrySize {
		c.l1.Add(key, &entry{
			value:     bytes.Clone(value),
			size:      len(value),
			createdAt: now,
			ttl:       ttl,
		})
	} else {
		c.removeL1Locked(key)
	}

	c.sets.Add(1)
}

// Invalidate removes key from both tiers. It reports whether anything was
// removed.
func (c *Cache) Invalidate(key string) bool {
	mu := c.stripe(key)
	mu.Lock()
	defer mu.Unlock()

	removed := c.removeLocked(key)
	if removed {
		c.invalidations.Add(1)
	}
	return removed
}

// InvalidatePrefix removes every key starting with prefix from both tiers
// and returns the number of keys removed.
func (c *Cache) InvalidatePrefix(prefix string) int {
	seen := make(map[string]struct{})
	for _, k := range c.l2.Keys() {
		if strings.HasPrefix(k, prefix) {
			seen[k] = struct{}{}
		}
	}
	for _, k := range c.l1.Keys() {
		if strings.HasPrefix(k, prefix) {
			seen[k] = struct{}{}
		}
	}

	removed := 0
	for k := range seen {
		if c.Invalidate(k) {
			removed++
		}
	}
	return removed
}

// Sweep purges every expired entry from both tiers and returns how many
// entries were removed.
func (c *Cache) Sweep() int {
	now := c.clock.Now()
	purged := 0

	for _, k := range c.l1.Keys() {
		if e, ok := c.l1.Peek(k); ok && e.expired(now) {
			if c.purge(k, e, nil) {
				purged++
			}
		}
	}

	var stale []*ttlcache.Item[string, *entry]
	c.l2.Range(func(item *ttlcache.Item[string, *entry]) bool {
		if item.Value().expired(now) {
			stale = append(stale, item)
		}
		return true
	})
	for _, item := range stale {
		if c.purge(item.Key(), nil, item.Value()) {
			purged++
		}
	}

	c.l2.DeleteExpired()

	if purged > 0 {
		logger.Debug("cache sweep purged %d expired entries", purged)
	}
	return purged
}

// purge removes the given expired entries if they are still the ones stored
// under key. Either entry may be nil.
func (c *Cache) purge(key string, hot, cold *entry) bool {
	mu := c.stripe(key)
	mu.Lock()
	defer mu.Unlock()

	removed := false
	if hot != nil {
		if cur, ok := c.l1.Peek(key); ok && cur == hot {
			c.removeL1Locked(key)
			removed = true
		}
	}
	if cold != nil {
		if item := c.l2.Get(key); item != nil && item.Value() == cold {
			c.l2.Delete(key)
			removed = true
		}
	}
	if removed {
		c.expirations.Add(1)
	}
	return removed
}

func (c *Cache) removeLocked(key string) bool {
	removed := c.removeL1Locked(key)
	if c.l2.Has(key) {
		c.l2.Delete(key)
		removed = true
	}
	return removed
}

func (c *Cache) removeL1Locked(key string) bool {
	e, ok := c.l1.Peek(key)
	if !ok {
		return false
	}
	e.dropped.Store(true)
	return c.l1.Remove(key)
}

func (c *Cache) encode(value []byte, now time.Time, ttl time.Duration) *entry {
	e := &entry{
		size:      len(value),
		createdAt: now,
		ttl:       ttl,
	}
	if c.cfg.CompressionThreshold > 0 && len(value) > c.cfg.CompressionThreshold {
		e.value = c.enc.EncodeAll(value, make([]byte, 0, len(value)/2))
		e.compressed = true
		c.compressed.Add(1)
		return e
	}
	e.value = bytes.Clone(value)
	return e
}

func (c *Cache) decode(e *entry) ([]byte, error) {
	if !e.compressed {
		return bytes.Clone(e.value), nil
	}
	out, err := c.dec.DecodeAll(e.value, make([]byte, 0, e.size))
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	return out, nil
}

// Purge drops every entry from both tiers.
func (c *Cache) Purge() {
	for _, k := range c.l1.Keys() {
		if e, ok := c.l1.Peek(k); ok {
			e.dropped.Store(true)
		}
	}
	c.l1.Purge()
	c.l2.DeleteAll()
}

// Close releases the compression resources. The cache must not be used
// afterwards.
func (c *Cache) Close() error {
	c.dec.Close()
	return c.enc.Close()
}
