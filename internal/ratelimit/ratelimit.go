package ratelimit

import (
	"sync"
	"time"

	ratelib "golang.org/x/time/rate"
)

const (
	DefaultAverage = 1
	DefaultBurst   = 1
)

// Limiter manages a collection of token bucket rate limiters, one per
// source key.
type Limiter struct {
	// mu protects the buckets map.
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

type bucket struct {
	lim      *ratelib.Limiter
	lastSeen time.Time
}

// Config defines the parameters for a token bucket rate limiter.
type Config struct {
	// Average is the number of tokens refilled per second.
	Average float64
	// Burst is the bucket size and the initial number of tokens.
	Burst int
}

func (c Config) withDefaults() Config {
	if c.Average <= 0 {
		c.Average = DefaultAverage
	}
	if c.Burst <= 0 {
		c.Burst = DefaultBurst
	}
	return c
}

// NewLimiter creates and returns a new Limiter.
func NewLimiter() *Limiter {
	return &Limiter{
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// TryAdmit refills the bucket of key and takes one token from it if there
// is one. The bucket is created full on first sight. A changed
// configuration (e.g. after a reload) is applied to the existing bucket.
func (l *Limiter) TryAdmit(key string, burst int, average float64) bool {
	c := Config{Average: average, Burst: burst}.withDefaults()

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{lim: ratelib.NewLimiter(ratelib.Limit(c.Average), c.Burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now

	// exact match against the configured values is intended here
	if b.lim.Limit() != ratelib.Limit(c.Average) {
		b.lim.SetLimitAt(now, ratelib.Limit(c.Average))
	}
	if b.lim.Burst() != c.Burst {
		b.lim.SetBurstAt(now, c.Burst)
	}

	return b.lim.AllowN(now, 1)
}

// Tokens reports the tokens currently available for key, or -1 when the
// key has no bucket.
func (l *Limiter) Tokens(key string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		return -1
	}
	return b.lim.TokensAt(l.now())
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Prune drops buckets idle for longer than idle that have refilled
// completely. Such a bucket behaves exactly like a new one, so pruning
// never changes an admission decision.
func (l *Limiter) Prune(idle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	n := 0
	for k, b := range l.buckets {
		if now.Sub(b.lastSeen) < idle {
			continue
		}
		if b.lim.TokensAt(now) >= float64(b.lim.Burst()) {
			delete(l.buckets, k)
			n++
		}
	}
	return n
}
