// Package circuit provides a per-operation circuit breaker.
//
// A breaker starts closed. After a configured number of consecutive failures it
// opens and rejects calls for a cooldown period. When the cooldown elapses the next
// caller is admitted as a single half-open trial: success closes the breaker, failure
// reopens it with the cooldown doubled (up to a cap).
//
// Breakers are instance-local. Callers own one per (domain, operation) pair.
package circuit

import (
	"sync"
	"time"
)

// State is the breaker mode.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Defaults applied by New when no option overrides them.
const (
	DefaultFailureThreshold = 5
	DefaultCooldown         = 60 * time.Second
	DefaultMaxCooldown      = 15 * time.Minute
)

// StateChange reports transitions caused by a Record call.
type StateChange struct {
	Opened bool
	Closed bool
}

// BreakerState is an inspectable copy of the breaker's internal state.
type BreakerState struct {
	Mode         State         `json:"mode"`
	FailureCount int           `json:"failure_count"`
	OpenedAt     *time.Time    `json:"opened_at,omitempty"`
	Cooldown     time.Duration `json:"cooldown"`
}

// Breaker tracks consecutive failures of a single operation.
type Breaker struct {
	name string

	mu               sync.Mutex
	state            State
	failures         int
	openedAt         time.Time
	cooldown         time.Duration
	trialInFlight    bool
	failureThreshold int
	baseCooldown     time.Duration
	maxCooldown      time.Duration
	now              func() time.Time
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithFailureThreshold sets how many consecutive failures open the circuit.
func WithFailureThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.failureThreshold = n
		}
	}
}

// WithCooldown sets the initial open duration.
func WithCooldown(d time.Duration) Option {
	return func(b *Breaker) {
		if d > 0 {
			b.baseCooldown = d
		}
	}
}

// WithMaxCooldown caps cooldown doubling after failed half-open trials.
func WithMaxCooldown(d time.Duration) Option {
	return func(b *Breaker) {
		if d > 0 {
			b.maxCooldown = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		if now != nil {
			b.now = now
		}
	}
}

// New creates a closed breaker.
func New(name string, opts ...Option) *Breaker {
	b := &Breaker{
		name:             name,
		state:            StateClosed,
		failureThreshold: DefaultFailureThreshold,
		baseCooldown:     DefaultCooldown,
		maxCooldown:      DefaultMaxCooldown,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.maxCooldown < b.baseCooldown {
		b.maxCooldown = b.baseCooldown
	}
	b.cooldown = b.baseCooldown
	return b
}

func (b *Breaker) Name() string {
	return b.name
}

// Allow reports whether the protected operation may be invoked now.
// An open breaker whose cooldown has elapsed becomes half-open and admits exactly
// one trial; further callers are rejected until that trial is recorded.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.state = StateHalfOpen
		b.trialInFlight = true
		return true
	case StateHalfOpen:
		if b.trialInFlight {
			return false
		}
		b.trialInFlight = true
		return true
	}
	return false
}

// RecordSuccess closes the circuit and resets failure accounting.
func (b *Breaker) RecordSuccess() StateChange {
	b.mu.Lock()
	defer b.mu.Unlock()

	wasOpen := b.state != StateClosed
	b.state = StateClosed
	b.failures = 0
	b.trialInFlight = false
	b.cooldown = b.baseCooldown
	b.openedAt = time.Time{}
	return StateChange{Closed: wasOpen}
}

// RecordFailure counts a failure. useFallback is true when the circuit is open
// after the call, i.e. callers should serve fallback data.
func (b *Breaker) RecordFailure() (useFallback bool, change StateChange) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	switch b.state {
	case StateHalfOpen:
		b.cooldown *= 2
		if b.cooldown > b.maxCooldown {
			b.cooldown = b.maxCooldown
		}
		b.open()
		return true, StateChange{Opened: true}
	case StateOpen:
		return true, StateChange{}
	}

	if b.failures >= b.failureThreshold {
		b.open()
		return true, StateChange{Opened: true}
	}
	return false, StateChange{}
}

// open must be called with b.mu held.
func (b *Breaker) open() {
	b.state = StateOpen
	b.openedAt = b.now()
	b.trialInFlight = false
}

// State returns the current mode without triggering a half-open transition.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// IsOpen returns true if the circuit is open or half-open.
func (b *Breaker) IsOpen() bool {
	return b.State() != StateClosed
}

// Snapshot returns a copy of the breaker state.
func (b *Breaker) Snapshot() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := BreakerState{
		Mode:         b.state,
		FailureCount: b.failures,
		Cooldown:     b.cooldown,
	}
	if !b.openedAt.IsZero() {
		at := b.openedAt
		s.OpenedAt = &at
	}
	return s
}

// Reset manually closes the circuit.
func (b *Breaker) Reset() {
	b.RecordSuccess()
}
