package lb

import (
	"net/url"
	"sync"
	"time"

	"github.com/fabian4/verkehr/internal/config"
)

const (
	DefaultMaxFails    = 3
	DefaultFailTimeout = 10 * time.Second
)

type Balancer interface {
	// Next returns nil when every server is being skipped.
	Next() Endpoint
}

type Endpoint interface {
	URL() *url.URL
	Feedback(success bool)
}

// Options tune passive health checking. A server that fails MaxFails times
// in a row is skipped for FailTimeout.
type Options struct {
	MaxFails    int
	FailTimeout time.Duration
}

type smoothWRR struct {
	mu    sync.Mutex
	peers []*peer
	opts  Options
	now   func() time.Time
}

type peer struct {
	url           *url.URL
	weight        int
	currentWeight int

	// Passive health
	fails     int
	skipUntil time.Time
}

// NewSmoothWRR balances over servers with nginx style smooth weighted
// round robin.
func NewSmoothWRR(servers []config.Server, opts Options) Balancer {
	if opts.MaxFails <= 0 {
		opts.MaxFails = DefaultMaxFails
	}
	if opts.FailTimeout <= 0 {
		opts.FailTimeout = DefaultFailTimeout
	}
	peers := make([]*peer, len(servers))
	for i, s := range servers {
		w := s.Weight
		if w <= 0 {
			w = 1
		}
		peers[i] = &peer{
			url:    s.URL,
			weight: w,
		}
	}
	return &smoothWRR{peers: peers, opts: opts, now: time.Now}
}

func (b *smoothWRR) Next() Endpoint {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	var best *peer
	total := 0

	for _, p := range b.peers {
		// Skip unhealthy peers; once the timeout passed they are candidates
		// again and the next feedback decides.
		if !p.skipUntil.IsZero() && now.Before(p.skipUntil) {
			continue
		}

		p.currentWeight += p.weight
		total += p.weight
		if best == nil || p.currentWeight > best.currentWeight {
			best = p
		}
	}

	if best == nil {
		return nil
	}

	best.currentWeight -= total
	return &peerEndpoint{p: best, b: b}
}

type peerEndpoint struct {
	p *peer
	b *smoothWRR
}

func (e *peerEndpoint) URL() *url.URL {
	return e.p.url
}

func (e *peerEndpoint) Feedback(success bool) {
	e.b.mu.Lock()
	defer e.b.mu.Unlock()

	if success {
		e.p.fails = 0
		e.p.skipUntil = time.Time{}
		return
	}
	e.p.fails++
	if e.p.fails >= e.b.opts.MaxFails {
		e.p.skipUntil = e.b.now().Add(e.b.opts.FailTimeout)
	}
}
