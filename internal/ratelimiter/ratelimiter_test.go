package ratelimiter

import (
	"sync"
	"testing"
	"time"
)

// TestNew verifies limiter creation with different parameters.
func TestNew(t *testing.T) {
	tests := []struct {
		name              string
		requestsPerSecond float64
		burst             int
		wantBurst         int
	}{
		{name: "standard rate", requestsPerSecond: 100, burst: 200, wantBurst: 200},
		{name: "fractional rate", requestsPerSecond: 0.5, burst: 0, wantBurst: 1},
		{name: "default burst", requestsPerSecond: 20, burst: 0, wantBurst: 20},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			limiter := New(tt.requestsPerSecond, tt.burst)
			if limiter == nil || limiter.limiter == nil {
				t.Fatal("New() returned an unusable limiter")
			}
			if got := limiter.limiter.Burst(); got != tt.wantBurst {
				t.Fatalf("burst = %d, want %d", got, tt.wantBurst)
			}
		})
	}
}

// TestAllow verifies that Allow() enforces the burst and refills.
func TestAllow(t *testing.T) {
	limiter := New(10, 10)

	for i := 0; i < 10; i++ {
		if !limiter.Allow() {
			t.Fatalf("request %d should be allowed (within burst)", i)
		}
	}

	if limiter.Allow() {
		t.Fatal("request should be rate-limited after burst exhausted")
	}

	// 10 req/s refills one token every 100ms.
	time.Sleep(110 * time.Millisecond)

	if !limiter.Allow() {
		t.Fatal("request should be allowed after token replenishment")
	}
}

// TestDelay verifies the retry hint of an exhausted bucket.
func TestDelay(t *testing.T) {
	limiter := New(10, 1)

	if d := limiter.Delay(); d != 0 {
		t.Fatalf("Delay() = %v with a full bucket, want 0", d)
	}
	if !limiter.Allow() {
		t.Fatal("first request should be allowed")
	}

	// 10 req/s refills one token every 100ms.
	d := limiter.Delay()
	if d <= 0 || d > 100*time.Millisecond {
		t.Fatalf("Delay() = %v after exhausting the bucket, want (0, 100ms]", d)
	}
	if limiter.Tokens() >= 1 {
		t.Fatalf("Tokens() = %v, want < 1", limiter.Tokens())
	}

	if d := New(0, 0).Delay(); d != 0 {
		t.Fatalf("unlimited Delay() = %v, want 0", d)
	}
}

// TestUnlimitedRate verifies that a zero rate never limits.
func TestUnlimitedRate(t *testing.T) {
	limiter := New(0, 0)

	for i := 0; i < 10000; i++ {
		if !limiter.Allow() {
			t.Fatalf("request %d should be allowed (unlimited)", i)
		}
	}
}

func TestClientLimiter_Isolation(t *testing.T) {
	cl := NewClientLimiter(1, 2, time.Minute)

	for i := 0; i < 2; i++ {
		if !cl.Allow("10.0.0.1") {
			t.Fatalf("client A request %d should be allowed", i)
		}
	}
	if cl.Allow("10.0.0.1") {
		t.Fatal("client A should be limited after its burst")
	}

	// Another client has its own bucket.
	if !cl.Allow("10.0.0.2") {
		t.Fatal("client B should not be affected by client A")
	}

	if got := cl.Len(); got != 2 {
		t.Fatalf("Len() = %d, want 2", got)
	}
}

func TestClientLimiter_Disabled(t *testing.T) {
	cl := NewClientLimiter(0, 0, 0)
	if cl.Enabled() {
		t.Fatal("zero rate should disable the limiter")
	}
	for i := 0; i < 1000; i++ {
		if !cl.Allow("c") {
			t.Fatal("disabled limiter must allow every request")
		}
	}
	if cl.Len() != 0 {
		t.Fatal("disabled limiter must not track clients")
	}

	var nilLimiter *ClientLimiter
	if !nilLimiter.Allow("c") {
		t.Fatal("nil limiter must allow every request")
	}
}

func TestClientLimiter_IdleBucketsExpire(t *testing.T) {
	cl := NewClientLimiter(1, 1, 20*time.Millisecond)

	cl.Allow("a")
	cl.Allow("b")
	time.Sleep(40 * time.Millisecond)
	cl.Sweep()

	if got := cl.Len(); got != 0 {
		t.Fatalf("Len() after sweep = %d, want 0", got)
	}
	if !cl.Allow("a") {
		t.Fatal("a returning client starts with a full bucket")
	}
}

func TestClientLimiter_Concurrent(t *testing.T) {
	cl := NewClientLimiter(1, 50, time.Minute)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				if cl.Allow("shared") {
					mu.Lock()
					allowed++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	// 200 attempts against a bucket of 50 refilling at 1/s.
	if allowed < 50 || allowed > 52 {
		t.Fatalf("allowed = %d, want about 50", allowed)
	}
}

func BenchmarkClientLimiterAllow(b *testing.B) {
	cl := NewClientLimiter(1_000_000, 1_000_000, time.Minute)
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			cl.Allow("bench")
		}
	})
}

func TestClientLimiter_Delay(t *testing.T) {
	cl := NewClientLimiter(2, 1, time.Minute)

	if d := cl.Delay("10.0.0.1"); d != 0 {
		t.Fatalf("unknown client Delay() = %v, want 0", d)
	}
	if !cl.Allow("10.0.0.1") {
		t.Fatal("first request should be allowed")
	}
	if cl.Allow("10.0.0.1") {
		t.Fatal("second request should be limited")
	}

	// 2 req/s refills one token every 500ms.
	if d := cl.Delay("10.0.0.1"); d <= 0 || d > 500*time.Millisecond {
		t.Fatalf("Delay() = %v, want (0, 500ms]", d)
	}
	if d := cl.Delay("10.0.0.2"); d != 0 {
		t.Fatalf("other client Delay() = %v, want 0", d)
	}

	var disabled *ClientLimiter
	if d := disabled.Delay("10.0.0.1"); d != 0 {
		t.Fatalf("nil limiter Delay() = %v, want 0", d)
	}
}
