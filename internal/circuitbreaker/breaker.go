// Package circuitbreaker fails calls fast while a dependency keeps erroring.
// Each key moves closed -> open -> half-open independently.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrOpen is returned by Do when the circuit for a key rejects the call.
var ErrOpen = errors.New("circuitbreaker: circuit open")

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // calls flow through
	StateOpen                  // calls are rejected
	StateHalfOpen              // one probe call is in flight
)

// String returns the state name.
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
	Namespace: "upiramp",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Circuit breaker state transitions by key, from-state, and to-state.",
}, []string{"key", "from_state", "to_state"})

func init() {
	prometheus.MustRegister(stateTransitions)
}

type entry struct {
	state    State
	failures int
	openedAt time.Time
}

// Breaker trips a key open after threshold consecutive failures, rejects
// calls for cooldown, then lets a single probe decide whether to close.
type Breaker struct {
	mu        sync.Mutex
	entries   map[string]*entry
	threshold int
	cooldown  time.Duration
	clock     func() time.Time
	onChange  func(key string, from, to State)
}

// New creates a breaker. Non-positive arguments fall back to 5 failures and 30s.
func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		entries:   make(map[string]*entry),
		threshold: threshold,
		cooldown:  cooldown,
		clock:     time.Now,
	}
}

// WithClock replaces the time source.
func (b *Breaker) WithClock(clock func() time.Time) *Breaker {
	b.clock = clock
	return b
}

// OnTransition sets a callback run synchronously on every state change,
// outside the breaker's lock.
func (b *Breaker) OnTransition(fn func(key string, from, to State)) *Breaker {
	b.mu.Lock()
	b.onChange = fn
	b.mu.Unlock()
	return b
}

// Do runs fn unless key is open. An error for which trips returns true counts
// as a failure; other errors are the caller's fault and count as success.
// A nil trips counts every error.
func (b *Breaker) Do(key string, fn func() error, trips func(error) bool) error {
	if !b.Allow(key) {
		return ErrOpen
	}
	err := fn()
	if err != nil && (trips == nil || trips(err)) {
		b.RecordFailure(key)
	} else {
		b.RecordSuccess(key)
	}
	return err
}

// Allow reports whether a call for key may proceed. Once the cooldown has
// passed an open key admits exactly one probe.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	e, ok := b.entries[key]
	if !ok {
		b.mu.Unlock()
		return true
	}

	var allowed bool
	var changed func()
	switch e.state {
	case StateOpen:
		if b.clock().Sub(e.openedAt) >= b.cooldown {
			changed = b.transition(e, key, StateHalfOpen)
			allowed = true
		}
	case StateHalfOpen:
		allowed = false
	default:
		allowed = true
	}
	b.mu.Unlock()
	if changed != nil {
		changed()
	}
	return allowed
}

// RecordSuccess resets the failure count and closes a half-open key.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	e, ok := b.entries[key]
	if !ok {
		b.mu.Unlock()
		return
	}
	e.failures = 0
	var changed func()
	if e.state != StateClosed {
		changed = b.transition(e, key, StateClosed)
	}
	b.mu.Unlock()
	if changed != nil {
		changed()
	}
}

// RecordFailure counts a failure, tripping the key open at the threshold or
// immediately when a probe fails.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	e, ok := b.entries[key]
	if !ok {
		e = &entry{state: StateClosed}
		b.entries[key] = e
	}
	e.failures++

	var changed func()
	if e.state == StateHalfOpen || (e.state == StateClosed && e.failures >= b.threshold) {
		e.openedAt = b.clock()
		changed = b.transition(e, key, StateOpen)
	}
	b.mu.Unlock()
	if changed != nil {
		changed()
	}
}

// State returns the current state for a key. Unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.entries[key]; ok {
		return e.state
	}
	return StateClosed
}

// transition must be called with b.mu held. It returns the callback to run
// after unlocking, or nil.
func (b *Breaker) transition(e *entry, key string, to State) func() {
	from := e.state
	if from == to {
		return nil
	}
	e.state = to
	stateTransitions.WithLabelValues(key, from.String(), to.String()).Inc()
	if fn := b.onChange; fn != nil {
		return func() { fn(key, from, to) }
	}
	return nil
}
