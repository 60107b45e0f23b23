/*
Package circuit keeps one circuit breaker per service key.

A breaker starts closed. FailureThreshold consecutive failures open it for
RecoveryTimeout, during which every request is refused. After the timeout a
single trial request is let through (half-open); its outcome closes the
breaker again or re-opens it for another RecoveryTimeout.

Outcomes are reported through the callback returned by Registry.Allow:

	done, ok := registry.Allow(host, settings)
	if !ok {
		// respond 503
	}
	defer func() { done(circuit.Success) }()

A request answered before it reached the service reports Skipped. It does
not count in the closed state. A skipped trial re-opens the breaker, since
the service was never observed.
*/
package circuit

import (
	"regexp"
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

const (
	DefaultFailureThreshold = 5
	DefaultRecoveryTimeout  = 30 * time.Second
	DefaultIdleTTL          = time.Hour
)

// Settings configure a single breaker.
type Settings struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
}

var (
	failureCountExpr    = regexp.MustCompile(`FailureCount\s*>=\s*(\d+)`)
	recoveryTimeoutExpr = regexp.MustCompile(`RecoveryTimeout\s*=\s*([0-9]+(?:\.[0-9]+)?(?:ns|us|µs|ms|s|m|h))`)
)

// ParseSettings reads the breaker expression. Only "FailureCount >= N" and
// "RecoveryTimeout = <duration>" are understood, anywhere in the text;
// everything else keeps the defaults.
func ParseSettings(expr string) Settings {
	s := Settings{
		FailureThreshold: DefaultFailureThreshold,
		RecoveryTimeout:  DefaultRecoveryTimeout,
	}

	if m := failureCountExpr.FindStringSubmatch(expr); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
			s.FailureThreshold = n
		}
	}
	if m := recoveryTimeoutExpr.FindStringSubmatch(expr); m != nil {
		if d, err := time.ParseDuration(m[1]); err == nil && d > 0 {
			s.RecoveryTimeout = d
		}
	}

	return s
}

func (s Settings) withDefaults() Settings {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = DefaultFailureThreshold
	}
	if s.RecoveryTimeout <= 0 {
		s.RecoveryTimeout = DefaultRecoveryTimeout
	}
	return s
}

type breaker struct {
	settings Settings
	gb       *gobreaker.TwoStepCircuitBreaker
	ts       time.Time
}

func newBreaker(key string, s Settings) *breaker {
	return &breaker{
		settings: s,
		gb: gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
			Name:        key,
			MaxRequests: 1,
			Timeout:     s.RecoveryTimeout,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return int(c.ConsecutiveFailures) >= s.FailureThreshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Infof("circuit breaker %v went from %v to %v", name, from.String(), to.String())
			},
		}),
	}
}

// State names the breaker states.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half-open"
)

// Result is the outcome reported for an admitted request.
type Result int

const (
	Success Result = iota
	Failure
	Skipped
)

// Registry holds the breakers, ensures synchronized access to them and
// recycles idle ones.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*breaker
	idleTTL  time.Duration
}

// NewRegistry creates a registry. Breakers unused for idleTTL are dropped
// by Prune; zero means DefaultIdleTTL.
func NewRegistry(idleTTL time.Duration) *Registry {
	if idleTTL <= 0 {
		idleTTL = DefaultIdleTTL
	}
	return &Registry{
		breakers: make(map[string]*breaker),
		idleTTL:  idleTTL,
	}
}

func (r *Registry) get(key string, s Settings) *breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	b, ok := r.breakers[key]
	if !ok || b.settings != s {
		b = newBreaker(key, s)
		r.breakers[key] = b
	}
	b.ts = now
	return b
}

// Allow reports whether a request for key may proceed. When it may, the
// returned callback must be called exactly once with the outcome: Success
// resets failures and closes a half-open breaker, Failure counts towards
// opening it.
func (r *Registry) Allow(key string, s Settings) (func(Result), bool) {
	b := r.get(key, s.withDefaults())

	done, err := b.gb.Allow()
	// the error can only mean the breaker is open or its half-open trial
	// is still running
	if err != nil {
		return nil, false
	}
	trial := b.gb.State() == gobreaker.StateHalfOpen

	return func(res Result) {
		switch res {
		case Success:
			done(true)
		case Failure:
			done(false)
		case Skipped:
			// the half-open breaker admits nothing until its trial ends
			if trial {
				done(false)
			}
		}
	}, true
}

// State returns the current state of the breaker for key; keys without a
// breaker are closed.
func (r *Registry) State(key string) State {
	r.mu.Lock()
	b, ok := r.breakers[key]
	r.mu.Unlock()
	if !ok {
		return Closed
	}

	switch b.gb.State() {
	case gobreaker.StateOpen:
		return Open
	case gobreaker.StateHalfOpen:
		return HalfOpen
	}
	return Closed
}

// Prune drops closed breakers not used within the idle TTL. Open and
// half-open ones stay until they close again.
func (r *Registry) Prune() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	n := 0
	for k, b := range r.breakers {
		if now.Sub(b.ts) > r.idleTTL && b.gb.State() == gobreaker.StateClosed {
			delete(r.breakers, k)
			n++
		}
	}
	return n
}
