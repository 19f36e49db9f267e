// Package resilience guards the primary alert channel with a circuit breaker.
//
// [Breaker] is a three-state breaker (closed → open → half-open). Callers ask
// for permission with [Breaker.Allow] and report the outcome through the
// returned [Done] func. Splitting the two lets a caller abandon a call at its
// own timeout and still record the failure, which a closure-based Execute
// cannot express when the wrapped call never returns.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [Breaker.Allow] while the breaker is open.
var ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

// State represents the current operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls until the cool-down elapses.
	StateOpen

	// StateHalfOpen admits a limited number of probes. One failed probe
	// re-opens the breaker; enough successful probes close it.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds tuning knobs for a [Breaker].
type Config struct {
	// Name is a label used in log messages.
	Name string

	// MaxFailures is the number of consecutive failures in the closed state
	// before the breaker opens. Default: 3.
	MaxFailures int

	// CoolDown is how long the breaker stays open before admitting probes.
	// Default: 30s.
	CoolDown time.Duration

	// HalfOpenProbes is the number of successful probes needed to close.
	// Default: 1.
	HalfOpenProbes int

	// OnStateChange, if set, is called after every transition. It runs with
	// the breaker's lock released.
	OnStateChange func(from, to State)

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// Done reports the outcome of an admitted call. Only the first call has an
// effect.
type Done func(success bool)

// Breaker implements the three-state circuit breaker pattern.
type Breaker struct {
	name          string
	maxFailures   int
	coolDown      time.Duration
	probes        int
	onStateChange func(from, to State)
	now           func() time.Time

	mu        sync.Mutex
	state     State
	failures  int
	openedAt  time.Time
	inFlight  int
	successes int
}

// New creates a closed [Breaker]. Zero config fields take defaults.
func New(cfg Config) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.CoolDown <= 0 {
		cfg.CoolDown = 30 * time.Second
	}
	if cfg.HalfOpenProbes <= 0 {
		cfg.HalfOpenProbes = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{
		name:          cfg.Name,
		maxFailures:   cfg.MaxFailures,
		coolDown:      cfg.CoolDown,
		probes:        cfg.HalfOpenProbes,
		onStateChange: cfg.OnStateChange,
		now:           cfg.Now,
	}
}

// Allow admits a call or returns [ErrCircuitOpen]. When admitted, the caller
// must invoke done exactly once with the outcome.
func (b *Breaker) Allow() (done Done, err error) {
	b.mu.Lock()
	from := b.state
	if b.state == StateOpen {
		if b.now().Sub(b.openedAt) < b.coolDown {
			b.mu.Unlock()
			return nil, ErrCircuitOpen
		}
		b.state = StateHalfOpen
		b.inFlight = 0
		b.successes = 0
	}
	if b.state == StateHalfOpen && b.inFlight+b.successes >= b.probes {
		b.mu.Unlock()
		b.notify(from, StateHalfOpen)
		return nil, ErrCircuitOpen
	}
	probe := b.state == StateHalfOpen
	if probe {
		b.inFlight++
	}
	to := b.state
	b.mu.Unlock()
	b.notify(from, to)

	var once sync.Once
	return func(success bool) {
		once.Do(func() { b.record(probe, success) })
	}, nil
}

// Execute runs fn if the breaker admits it and records its result.
func (b *Breaker) Execute(fn func() error) error {
	done, err := b.Allow()
	if err != nil {
		return err
	}
	err = fn()
	done(err == nil)
	return err
}

func (b *Breaker) record(probe, success bool) {
	b.mu.Lock()
	from := b.state
	switch {
	case probe && b.state == StateHalfOpen:
		b.inFlight--
		if !success {
			b.tripLocked()
			break
		}
		b.successes++
		if b.successes >= b.probes {
			b.state = StateClosed
			b.failures = 0
		}
	case b.state == StateClosed:
		if success {
			b.failures = 0
			break
		}
		b.failures++
		if b.failures >= b.maxFailures {
			b.tripLocked()
		}
	}
	to, failures := b.state, b.failures
	b.mu.Unlock()

	if from != to {
		switch to {
		case StateOpen:
			slog.Warn("resilience: circuit opened", "name", b.name, "consecutive_failures", failures)
		case StateClosed:
			slog.Info("resilience: circuit closed", "name", b.name)
		}
	}
	b.notify(from, to)
}

// tripLocked must be called with b.mu held.
func (b *Breaker) tripLocked() {
	b.state = StateOpen
	b.openedAt = b.now()
	b.failures = b.maxFailures
	b.inFlight = 0
	b.successes = 0
}

func (b *Breaker) notify(from, to State) {
	if from != to && b.onStateChange != nil {
		b.onStateChange(from, to)
	}
}

// State returns the current state. An open breaker whose cool-down has
// elapsed reports [StateHalfOpen]; the transition itself happens on the next
// Allow.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.coolDown {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = StateClosed
	b.failures = 0
	b.inFlight = 0
	b.successes = 0
	b.mu.Unlock()
	b.notify(from, StateClosed)
}
