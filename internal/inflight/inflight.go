package inflight

import "sync"

// Counter tracks the number of requests in flight per source key.
//
// Every successful TryEnter must be paired with exactly one Leave for the
// same key; the counter does not balance itself.
type Counter struct {
	mu     sync.Mutex
	counts map[string]int64
}

func NewCounter() *Counter {
	return &Counter{counts: make(map[string]int64)}
}

// TryEnter admits the request and increments the counter when fewer than
// max requests are in flight for key.
func (c *Counter) TryEnter(key string, max int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.counts[key] >= max {
		return false
	}
	c.counts[key]++
	return true
}

// Leave decrements the counter of key if it is positive. Keys are removed
// when their counter drops to zero.
func (c *Counter) Leave(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.counts[key]
	if !ok {
		return
	}
	if n <= 1 {
		delete(c.counts, key)
		return
	}
	c.counts[key] = n - 1
}

// Count returns the requests in flight for key.
func (c *Counter) Count(key string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[key]
}

// Len returns the number of keys with requests in flight.
func (c *Counter) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.counts)
}
