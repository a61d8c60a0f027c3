// Package circuitbreaker guards calls to external scoring dependencies.
// Each dependency key moves closed → open → half-open independently.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	DefaultThreshold    = 5
	DefaultOpenDuration = 30 * time.Second
)

// ErrOpen is returned by Execute while the circuit for a key is open.
var ErrOpen = errors.New("circuitbreaker: circuit open")

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // calls flow through
	StateOpen                  // calls fail fast
	StateHalfOpen              // one probe in flight
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

var (
	transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fraudwatch",
		Subsystem: "circuitbreaker",
		Name:      "state_transitions_total",
		Help:      "Circuit breaker state transitions by dependency, from-state, and to-state.",
	}, []string{"key", "from_state", "to_state"})

	stateGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "fraudwatch",
		Subsystem: "circuitbreaker",
		Name:      "state",
		Help:      "Current circuit state per dependency (0=closed, 1=open, 2=half_open).",
	}, []string{"key"})

	rejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fraudwatch",
		Subsystem: "circuitbreaker",
		Name:      "rejected_total",
		Help:      "Calls rejected without reaching the dependency.",
	}, []string{"key"})
)

func init() {
	prometheus.MustRegister(transitionsTotal, stateGauge, rejectedTotal)
}

type circuit struct {
	state       State
	failures    int
	lastFailure time.Time
}

// Breaker tracks consecutive failures per key and trips open at the
// threshold. After openDuration one probe call is let through.
type Breaker struct {
	mu           sync.Mutex
	circuits     map[string]*circuit
	threshold    int
	openDuration time.Duration
	now          func() time.Time
	onTransition func(key string, from, to State)
}

// New creates a breaker. Non-positive arguments take the defaults.
func New(threshold int, openDuration time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if openDuration <= 0 {
		openDuration = DefaultOpenDuration
	}
	return &Breaker{
		circuits:     make(map[string]*circuit),
		threshold:    threshold,
		openDuration: openDuration,
		now:          time.Now,
	}
}

// OnTransition sets a callback invoked asynchronously on state changes.
func (b *Breaker) OnTransition(fn func(key string, from, to State)) {
	b.mu.Lock()
	b.onTransition = fn
	b.mu.Unlock()
}

// Execute runs fn if the circuit for key allows it and records the outcome.
// A rejected call returns ErrOpen without running fn.
func (b *Breaker) Execute(key string, fn func() error) error {
	if !b.Allow(key) {
		rejectedTotal.WithLabelValues(key).Inc()
		return ErrOpen
	}
	if err := fn(); err != nil {
		b.RecordFailure(key)
		return err
	}
	b.RecordSuccess(key)
	return nil
}

// Allow reports whether a call to key may proceed. An open circuit whose
// open duration has elapsed moves to half-open and admits one probe.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return true
	}
	switch c.state {
	case StateOpen:
		if b.now().Sub(c.lastFailure) >= b.openDuration {
			b.transition(c, key, StateHalfOpen)
			return true
		}
		return false
	case StateHalfOpen:
		return false
	default:
		return true
	}
}

// RecordSuccess clears the failure count and closes a half-open circuit.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return
	}
	if c.state == StateHalfOpen {
		b.transition(c, key, StateClosed)
	}
	c.failures = 0
}

// RecordFailure counts a failure. A failed probe reopens the circuit.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		c = &circuit{state: StateClosed}
		b.circuits[key] = c
	}
	c.failures++
	c.lastFailure = b.now()

	switch {
	case c.state == StateHalfOpen:
		b.transition(c, key, StateOpen)
	case c.state == StateClosed && c.failures >= b.threshold:
		b.transition(c, key, StateOpen)
	}
}

// State returns the state for key; unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.circuits[key]; ok {
		return c.state
	}
	return StateClosed
}

// caller holds b.mu
func (b *Breaker) transition(c *circuit, key string, to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	transitionsTotal.WithLabelValues(key, from.String(), to.String()).Inc()
	stateGauge.WithLabelValues(key).Set(float64(to))
	if b.onTransition != nil {
		fn := b.onTransition
		go fn(key, from, to)
	}
}
