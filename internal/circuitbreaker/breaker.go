// Package circuitbreaker guards outbound collaborator calls (payment
// gateway, AI advisor) with closed → open → half-open transitions so a
// failing processor cannot pile up latency inside mutating operations.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrOpen is returned when the circuit rejects a call.
var ErrOpen = errors.New("circuit open")

// State represents the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var stateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "servpay",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Circuit breaker state transitions by operation, from-state, and to-state.",
}, []string{"operation", "from_state", "to_state"})

func init() {
	prometheus.MustRegister(stateTransitions)
}

type circuit struct {
	state       State
	failures    int
	lastFailure time.Time
}

// Breaker tracks one circuit per outbound operation name.
type Breaker struct {
	mu           sync.Mutex
	circuits     map[string]*circuit
	threshold    int
	openDuration time.Duration
}

// New creates a breaker that opens after threshold consecutive failures
// and stays open for openDuration before allowing a probe.
func New(threshold int, openDuration time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if openDuration <= 0 {
		openDuration = 30 * time.Second
	}
	return &Breaker{
		circuits:     make(map[string]*circuit),
		threshold:    threshold,
		openDuration: openDuration,
	}
}

// Do runs fn under the circuit for operation. When the circuit is open the
// call is rejected with ErrOpen without invoking fn.
func (b *Breaker) Do(operation string, fn func() error) error {
	if !b.allow(operation) {
		return ErrOpen
	}
	err := fn()
	if err != nil {
		b.recordFailure(operation)
		return err
	}
	b.recordSuccess(operation)
	return nil
}

func (b *Breaker) allow(operation string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[operation]
	if !ok {
		return true
	}
	switch c.state {
	case StateOpen:
		if time.Since(c.lastFailure) >= b.openDuration {
			b.transition(c, operation, StateHalfOpen)
			return true // one probe
		}
		return false
	case StateHalfOpen:
		return false
	default:
		return true
	}
}

func (b *Breaker) recordSuccess(operation string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[operation]
	if !ok {
		return
	}
	c.failures = 0
	if c.state != StateClosed {
		b.transition(c, operation, StateClosed)
	}
}

func (b *Breaker) recordFailure(operation string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[operation]
	if !ok {
		c = &circuit{}
		b.circuits[operation] = c
	}
	c.failures++
	c.lastFailure = time.Now()

	if c.state == StateHalfOpen || (c.state == StateClosed && c.failures >= b.threshold) {
		b.transition(c, operation, StateOpen)
	}
}

// StateOf reports the current state for an operation.
func (b *Breaker) StateOf(operation string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.circuits[operation]; ok {
		return c.state
	}
	return StateClosed
}

func (b *Breaker) transition(c *circuit, operation string, to State) {
	stateTransitions.WithLabelValues(operation, c.state.String(), to.String()).Inc()
	c.state = to
}
