package ratelimiter

import (
	"math"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/time/rate"
)

// RateLimiter provides request rate limiting using the token bucket algorithm.
//
// This implementation wraps golang.org/x/time/rate to provide:
//   - Token bucket rate limiting (allows bursts while enforcing sustained rate)
//   - A retry hint for rejected callers (see Delay)
//   - Zero-allocation fast path for allowed requests
//
// The token bucket algorithm works as follows:
//  1. Tokens are added to the bucket at a constant rate (requests per second)
//  2. Each request consumes one token from the bucket
//  3. If the bucket is empty, the request is rejected
//  4. Burst capacity allows temporary spikes above the sustained rate
//
// Thread safety:
// All methods are safe for concurrent use.
type RateLimiter struct {
	limiter *rate.Limiter
}

// New creates a new RateLimiter with the specified rate and burst capacity.
//
// Parameters:
//   - requestsPerSecond: Maximum sustained rate (tokens added per second)
//   - burst: Maximum burst size (bucket capacity in tokens)
//
// Special cases:
//   - requestsPerSecond = 0: no limit
//   - burst = 0: defaults to max(1, requestsPerSecond)
//
// Example:
//
//	// Allow 50 req/s sustained with bursts of 100
//	limiter := New(50, 100)
func New(requestsPerSecond float64, burst int) *RateLimiter {
	if requestsPerSecond <= 0 {
		return &RateLimiter{limiter: rate.NewLimiter(rate.Inf, 0)}
	}
	if burst <= 0 {
		burst = max(1, int(requestsPerSecond))
	}
	return &RateLimiter{limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), burst)}
}

// Allow checks if a request is allowed under the current rate limit.
//
// This is the fast path for rate limiting: it returns immediately without
// waiting.
//
// Returns:
//   - true if the request is allowed (token consumed)
//   - false if the request should be rejected (no tokens available)
func (r *RateLimiter) Allow() bool {
	return r.limiter.Allow()
}

// Tokens returns the tokens currently available without consuming any.
func (r *RateLimiter) Tokens() float64 {
	return r.limiter.Tokens()
}

// Delay returns how long a caller has to wait before Allow can succeed.
//
// Returns:
//   - 0 if a token is available now or the limiter is unlimited
//   - the time the bucket needs to refill to one token otherwise
func (r *RateLimiter) Delay() time.Duration {
	limit := r.limiter.Limit()
	if limit == rate.Inf {
		return 0
	}
	missing := 1 - r.Tokens()
	if missing <= 0 {
		return 0
	}
	return time.Duration(math.Ceil(missing / float64(limit) * float64(time.Second)))
}

// ClientLimiter keeps an independent RateLimiter per client.
//
// Buckets of clients that stay silent for longer than the idle TTL are
// dropped; a returning client starts with a full bucket, which is what it
// would have had anyway once the bucket refilled.
//
// Thread safety:
// All methods are safe for concurrent use. A nil *ClientLimiter allows
// everything.
type ClientLimiter struct {
	requestsPerSecond float64
	burst             int
	buckets           *ttlcache.Cache[string, *RateLimiter]
}

// NewClientLimiter creates a per-client limiter.
//
// Parameters:
//   - requestsPerSecond: sustained rate allowed to each client
//   - burst: bucket size of each client (0 = max(1, requestsPerSecond))
//   - idleTTL: how long an untouched bucket is kept. <= 0 defaults to the
//     time a bucket needs to refill completely, with a floor of one minute
func NewClientLimiter(requestsPerSecond float64, burst int, idleTTL time.Duration) *ClientLimiter {
	if burst <= 0 {
		burst = max(1, int(requestsPerSecond))
	}
	if idleTTL <= 0 {
		idleTTL = time.Minute
		if requestsPerSecond > 0 {
			refill := time.Duration(float64(burst) / requestsPerSecond * float64(time.Second))
			idleTTL = max(idleTTL, refill)
		}
	}

	return &ClientLimiter{
		requestsPerSecond: requestsPerSecond,
		burst:             burst,
		buckets: ttlcache.New(
			ttlcache.WithTTL[string, *RateLimiter](idleTTL),
		),
	}
}

// Enabled reports whether the limiter restricts anything.
func (c *ClientLimiter) Enabled() bool {
	return c != nil && c.requestsPerSecond > 0
}

// Allow consumes a token from clientID's bucket.
func (c *ClientLimiter) Allow(clientID string) bool {
	if !c.Enabled() {
		return true
	}
	if item := c.buckets.Get(clientID); item != nil {
		return item.Value().Allow()
	}
	item, _ := c.buckets.GetOrSet(clientID, New(c.requestsPerSecond, c.burst))
	return item.Value().Allow()
}

// Delay returns how long clientID has to wait before its next request can
// pass. Unknown clients have a full bucket and get 0.
func (c *ClientLimiter) Delay(clientID string) time.Duration {
	if !c.Enabled() {
		return 0
	}
	item := c.buckets.Get(clientID, ttlcache.WithDisableTouchOnHit[string, *RateLimiter]())
	if item == nil {
		return 0
	}
	return item.Value().Delay()
}

// Len returns the number of tracked clients.
func (c *ClientLimiter) Len() int {
	return c.buckets.Len()
}

// Sweep drops buckets of idle clients.
func (c *ClientLimiter) Sweep() {
	c.buckets.DeleteExpired()
}
