package middleware

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/fabian4/verkehr/internal/circuit"
	"github.com/fabian4/verkehr/internal/inflight"
	"github.com/fabian4/verkehr/internal/ratelimit"
)

const (
	pruneInterval = time.Minute
	bucketIdle    = time.Minute
)

// Stores bundles the state shared by all stateful middlewares of a
// process. It outlives configuration reloads, so a router that survives a
// reload keeps its buckets, breakers and counters.
type Stores struct {
	RateLimit *ratelimit.Limiter
	Breakers  *circuit.Registry
	InFlight  *inflight.Counter
}

func NewStores() *Stores {
	return &Stores{
		RateLimit: ratelimit.NewLimiter(),
		Breakers:  circuit.NewRegistry(circuit.DefaultIdleTTL),
		InFlight:  inflight.NewCounter(),
	}
}

// Run prunes idle state once a minute until ctx is done. In-flight
// counters need no pruning, they drop their keys at zero.
func (s *Stores) Run(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Prune()
		}
	}
}

// Prune runs one eviction pass over the stores.
func (s *Stores) Prune() {
	buckets := s.RateLimit.Prune(bucketIdle)
	breakers := s.Breakers.Prune()
	if buckets > 0 || breakers > 0 {
		log.WithFields(log.Fields{
			"buckets":  buckets,
			"breakers": breakers,
		}).Debug("pruned idle middleware state")
	}
}
