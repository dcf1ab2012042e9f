// Package circuitbreaker guards the hub's external dependencies: the durable
// store, the identity lookup service and the translation providers. When a
// dependency fails repeatedly the breaker opens and callers degrade locally
// instead of stacking up blocked writes.
package circuitbreaker

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// State of a breaker.
type State int

const (
	StateClosed   State = iota // normal operation
	StateOpen                  // threshold exceeded, calls refused
	StateHalfOpen              // probing for recovery
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrOpen is returned while the breaker refuses calls.
var ErrOpen = errors.New("circuit breaker is open")

// Counts holds request outcomes for the current generation.
type Counts struct {
	Requests             uint32
	TotalFailures        uint32
	ConsecutiveFailures  uint32
	ConsecutiveSuccesses uint32
}

func (c *Counts) clear() { *c = Counts{} }

// Config tunes one breaker.
type Config struct {
	Name string

	// MaxProbes limits requests admitted in half-open state.
	MaxProbes uint32

	// Interval clears closed-state counts; Timeout is the open-state hold.
	Interval time.Duration
	Timeout  time.Duration

	// ReadyToTrip decides when a closed breaker opens.
	ReadyToTrip func(c Counts) bool

	// OnStateChange is invoked outside the lock on every transition.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig trips after three consecutive failures and holds open 30s.
func DefaultConfig(name string) Config {
	return Config{
		Name:      name,
		MaxProbes: 2,
		Interval:  time.Minute,
		Timeout:   30 * time.Second,
		ReadyToTrip: func(c Counts) bool {
			return c.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to State) {
			slog.Warn("[CircuitBreaker] state change", "name", name, "from", from.String(), "to", to.String())
		},
	}
}

// Breaker implements the circuit breaker pattern with explicit
// Allow/RecordSuccess/RecordFailure hooks so callers that already own the
// request lifecycle (the batched durable writer) can drive it directly.
type Breaker struct {
	cfg Config

	mu         sync.Mutex
	state      State
	generation uint64
	counts     Counts
	expiry     time.Time
}

// New creates a breaker in the closed state.
func New(cfg Config) *Breaker {
	if cfg.ReadyToTrip == nil {
		cfg.ReadyToTrip = DefaultConfig(cfg.Name).ReadyToTrip
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxProbes == 0 {
		cfg.MaxProbes = 1
	}
	return &Breaker{cfg: cfg, state: StateClosed}
}

// Name returns the breaker name.
func (b *Breaker) Name() string { return b.cfg.Name }

// State returns the current state, advancing open→half-open when the hold
// time has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, _ := b.currentState(time.Now())
	return s
}

// Allow reports whether a call may proceed. The caller must follow up with
// RecordSuccess or RecordFailure using the returned generation token.
func (b *Breaker) Allow() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, gen := b.currentState(now)

	if state == StateOpen {
		return gen, ErrOpen
	}
	if state == StateHalfOpen && b.counts.Requests >= b.cfg.MaxProbes {
		return gen, ErrOpen
	}

	b.counts.Requests++
	return gen, nil
}

// RecordSuccess reports a successful call for the given generation.
func (b *Breaker) RecordSuccess(gen uint64) { b.record(gen, true) }

// RecordFailure reports a failed call for the given generation.
func (b *Breaker) RecordFailure(gen uint64) { b.record(gen, false) }

// Execute runs fn under the breaker.
func (b *Breaker) Execute(fn func() error) error {
	gen, err := b.Allow()
	if err != nil {
		return err
	}
	if err := fn(); err != nil {
		b.RecordFailure(gen)
		return err
	}
	b.RecordSuccess(gen)
	return nil
}

func (b *Breaker) record(gen uint64, success bool) {
	b.mu.Lock()
	now := time.Now()
	state, current := b.currentState(now)
	if gen != current {
		// Result from a previous generation; the state already moved on.
		b.mu.Unlock()
		return
	}

	var transition *stateChange
	if success {
		b.counts.ConsecutiveSuccesses++
		b.counts.ConsecutiveFailures = 0
		if state == StateHalfOpen && b.counts.ConsecutiveSuccesses >= b.cfg.MaxProbes {
			transition = b.setState(StateClosed, now)
		}
	} else {
		b.counts.TotalFailures++
		b.counts.ConsecutiveFailures++
		b.counts.ConsecutiveSuccesses = 0
		switch state {
		case StateClosed:
			if b.cfg.ReadyToTrip(b.counts) {
				transition = b.setState(StateOpen, now)
			}
		case StateHalfOpen:
			transition = b.setState(StateOpen, now)
		}
	}
	b.mu.Unlock()

	if transition != nil && b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, transition.from, transition.to)
	}
}

type stateChange struct{ from, to State }

// currentState advances timed transitions. Caller holds b.mu.
func (b *Breaker) currentState(now time.Time) (State, uint64) {
	switch b.state {
	case StateClosed:
		if !b.expiry.IsZero() && b.expiry.Before(now) {
			b.newGeneration(now)
		}
	case StateOpen:
		if b.expiry.Before(now) {
			b.setState(StateHalfOpen, now)
		}
	}
	return b.state, b.generation
}

// setState changes state and starts a new generation. Caller holds b.mu.
// The returned transition is reported to OnStateChange outside the lock.
func (b *Breaker) setState(s State, now time.Time) *stateChange {
	if b.state == s {
		return nil
	}
	from := b.state
	b.state = s
	b.newGeneration(now)
	return &stateChange{from: from, to: s}
}

func (b *Breaker) newGeneration(now time.Time) {
	b.generation++
	b.counts.clear()
	switch b.state {
	case StateClosed:
		if b.cfg.Interval > 0 {
			b.expiry = now.Add(b.cfg.Interval)
		} else {
			b.expiry = time.Time{}
		}
	case StateOpen:
		b.expiry = now.Add(b.cfg.Timeout)
	default:
		b.expiry = time.Time{}
	}
}
