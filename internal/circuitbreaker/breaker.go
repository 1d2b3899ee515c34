// Package circuitbreaker guards outbound calls (the notification
// webhook, the payment gateway) with a per-key closed → open →
// half-open breaker so a dead endpoint sheds load instead of
// accumulating goroutines.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// State is the breaker position for one key.
type State int

const (
	StateClosed   State = iota // requests flow through
	StateOpen                  // requests are rejected
	StateHalfOpen              // a single probe is in flight
)

// String returns the state name used in metrics labels.
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

var cbStateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "dealsafe",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Circuit breaker state transitions by key, from-state, and to-state.",
}, []string{"key", "from_state", "to_state"})

func init() {
	prometheus.MustRegister(cbStateTransitions)
}

type keyState struct {
	state       State
	failures    int
	lastFailure time.Time
}

// Breaker tracks consecutive failures per key. It trips open at
// threshold failures, stays open for openDuration, then lets one probe
// through half-open to test recovery.
type Breaker struct {
	mu           sync.Mutex
	keys         map[string]*keyState
	threshold    int
	openDuration time.Duration
	onTransition func(key string, from, to State)
}

// New creates a breaker. Non-positive arguments fall back to 5
// failures and 30 seconds.
func New(threshold int, openDuration time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if openDuration <= 0 {
		openDuration = 30 * time.Second
	}
	return &Breaker{
		keys:         make(map[string]*keyState),
		threshold:    threshold,
		openDuration: openDuration,
	}
}

// OnTransition registers a callback fired (on its own goroutine) for
// every state change.
func (b *Breaker) OnTransition(fn func(key string, from, to State)) {
	b.mu.Lock()
	b.onTransition = fn
	b.mu.Unlock()
}

// Allow reports whether a request to key may proceed. An open circuit
// whose openDuration has elapsed moves to half-open and admits the
// caller as the probe.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	ks, ok := b.keys[key]
	if !ok {
		return true // never failed, closed
	}

	switch ks.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(ks.lastFailure) >= b.openDuration {
			b.transition(ks, key, StateHalfOpen)
			return true
		}
		return false
	case StateHalfOpen:
		// A probe is already out; reject until it reports back.
		return false
	default:
		return true
	}
}

// RecordSuccess clears the failure count. A successful half-open probe
// closes the circuit.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ks, ok := b.keys[key]
	if !ok {
		return
	}
	if ks.state == StateHalfOpen {
		b.transition(ks, key, StateClosed)
	}
	ks.failures = 0
}

// RecordFailure counts one failure, tripping the circuit open at the
// threshold. A failed half-open probe reopens immediately.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ks, ok := b.keys[key]
	if !ok {
		ks = &keyState{state: StateClosed}
		b.keys[key] = ks
	}

	ks.failures++
	ks.lastFailure = time.Now()

	if ks.state == StateHalfOpen {
		b.transition(ks, key, StateOpen)
		return
	}
	if ks.state == StateClosed && ks.failures >= b.threshold {
		b.transition(ks, key, StateOpen)
	}
}

// State returns key's current position; unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	ks, ok := b.keys[key]
	if !ok {
		return StateClosed
	}
	return ks.state
}

// transition requires b.mu held.
func (b *Breaker) transition(ks *keyState, key string, to State) {
	from := ks.state
	if from == to {
		return
	}
	ks.state = to
	cbStateTransitions.WithLabelValues(key, from.String(), to.String()).Inc()
	if b.onTransition != nil {
		fn := b.onTransition
		go fn(key, from, to)
	}
}
