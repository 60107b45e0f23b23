package ratelimit

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestLimiter() (*Limiter, *fakeClock) {
	clk := &fakeClock{t: time.Unix(1700000000, 0)}
	l := NewLimiter()
	l.now = clk.Now
	return l, clk
}

func TestLimiter_BurstThenReject(t *testing.T) {
	for _, burst := range []int{1, 2, 5} {
		l, _ := newTestLimiter()

		admitted := 0
		for i := 0; i < burst+1; i++ {
			if l.TryAdmit("k", burst, 1) {
				admitted++
			}
		}
		if admitted != burst {
			t.Fatalf("burst %d: admitted %d, want %d", burst, admitted, burst)
		}
	}
}

func TestLimiter_Refill(t *testing.T) {
	l, clk := newTestLimiter()
	key := "test-route"

	if !l.TryAdmit(key, 1, 2) {
		t.Fatalf("expected first request to be admitted")
	}
	if l.TryAdmit(key, 1, 2) {
		t.Fatalf("expected second request to be rejected")
	}

	// 2 tokens per second: one token after 500ms
	clk.Advance(500 * time.Millisecond)
	if !l.TryAdmit(key, 1, 2) {
		t.Fatalf("expected request after refill to be admitted")
	}

	// refill never exceeds the bucket size
	clk.Advance(time.Hour)
	if got := l.Tokens(key); got != 1 {
		t.Fatalf("tokens: got %v, want 1", got)
	}
}

func TestLimiter_Defaults(t *testing.T) {
	l, clk := newTestLimiter()

	if !l.TryAdmit("k", 0, 0) {
		t.Fatalf("expected admit with defaults")
	}
	if l.TryAdmit("k", 0, 0) {
		t.Fatalf("default burst is 1")
	}
	clk.Advance(time.Second)
	if !l.TryAdmit("k", 0, 0) {
		t.Fatalf("default average is 1/s")
	}
}

func TestLimiter_ConfigChange(t *testing.T) {
	l, clk := newTestLimiter()
	key := "test-route"

	if !l.TryAdmit(key, 1, 1) {
		t.Fatalf("initial request should pass")
	}
	if l.TryAdmit(key, 1, 1) {
		t.Fatalf("burst exceeded")
	}

	// raise the rate to 100/s: one token every 10ms
	if l.TryAdmit(key, 5, 100) {
		t.Fatalf("the bucket is still empty right after the change")
	}
	clk.Advance(20 * time.Millisecond)
	if !l.TryAdmit(key, 5, 100) {
		t.Fatalf("expected admit after increasing rate and waiting")
	}
}

func TestLimiter_DifferentKeys(t *testing.T) {
	l, _ := newTestLimiter()

	if !l.TryAdmit("A", 1, 1) {
		t.Error("A should be allowed")
	}
	if l.TryAdmit("A", 1, 1) {
		t.Error("A should be blocked")
	}
	if !l.TryAdmit("B", 1, 1) {
		t.Error("B should be allowed (independent of A)")
	}
}

func TestLimiter_Prune(t *testing.T) {
	l, clk := newTestLimiter()

	for i := 0; i < 3; i++ {
		l.TryAdmit("drained", 3, 1)
	}
	l.TryAdmit("idle", 1, 100)

	clk.Advance(time.Second)
	// "idle" refilled long ago, "drained" holds one of three tokens
	if n := l.Prune(time.Second); n != 1 {
		t.Fatalf("pruned %d, want 1", n)
	}
	if l.Tokens("idle") != -1 {
		t.Fatalf("idle bucket should be gone")
	}
	if l.Len() != 1 {
		t.Fatalf("len: got %d, want 1", l.Len())
	}

	clk.Advance(2 * time.Second)
	if n := l.Prune(time.Second); n != 1 {
		t.Fatalf("pruned %d, want 1", n)
	}
}

func TestLimiter_Concurrent(t *testing.T) {
	l, _ := newTestLimiter()

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.TryAdmit("shared", 10, 1) {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := admitted.Load(); got != 10 {
		t.Fatalf("admitted %d, want 10", got)
	}
}
