package provider

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// circuit states
const (
	circuitClosed   = "closed"
	circuitOpen     = "open"
	circuitHalfOpen = "half_open"
)

var breakerTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "gigescrow",
	Subsystem: "provider",
	Name:      "circuit_transitions_total",
	Help:      "Provider circuit breaker transitions by provider and target state.",
}, []string{"provider", "to_state"})

func init() {
	prometheus.MustRegister(breakerTransitions)
}

// Breaker stops calling a provider that keeps failing at the transport level.
// It trips after threshold consecutive failures, stays open for cooldown, then
// lets a single probe through. Rejections (4xx) do not count as failures: the
// provider answered.
type Breaker struct {
	provider  string
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu       sync.Mutex
	state    string
	failures int
	openedAt time.Time
}

// NewBreaker creates a breaker for one provider.
func NewBreaker(provider string, threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		provider:  provider,
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
		state:     circuitClosed,
	}
}

// Allow reports whether a call may go out now.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case circuitOpen:
		if b.now().Sub(b.openedAt) >= b.cooldown {
			b.setState(circuitHalfOpen)
			return true
		}
		return false
	case circuitHalfOpen:
		return false // probe in flight
	default:
		return true
	}
}

// Success closes the circuit.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.setState(circuitClosed)
}

// Failure records a transport-level failure.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	if b.state == circuitHalfOpen || b.failures >= b.threshold {
		b.openedAt = b.now()
		b.setState(circuitOpen)
	}
}

// Abandon gives up a call that ended without a verdict on the provider,
// such as one cancelled by its caller. A half-open probe is handed back so
// the next call may probe; closed-state counts are left alone.
func (b *Breaker) Abandon() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == circuitHalfOpen {
		b.setState(circuitOpen)
	}
}

// State returns the current state name.
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// caller holds b.mu
func (b *Breaker) setState(to string) {
	if b.state == to {
		return
	}
	b.state = to
	breakerTransitions.WithLabelValues(b.provider, to).Inc()
}
