// Package resilience provides the circuit breaker and retry primitives used
// for calls to external HTTP services.
//
// [Breaker] is a classic three-state breaker (closed → open → half-open).
// [Retry] runs an operation with exponential backoff and stops early on
// [Permanent] errors or an open breaker.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [Breaker.Execute] when the breaker is open
// and the reset timeout has not yet elapsed.
var ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

// State represents the current operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// elapses.
	StateOpen

	// StateHalfOpen lets a limited number of probe calls through. If they
	// succeed the breaker closes, otherwise it re-opens.
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

// BreakerConfig holds tuning knobs for a [Breaker].
type BreakerConfig struct {
	// Name is a label used in log messages.
	Name string

	// MaxFailures is the number of consecutive failures in the closed state
	// before the breaker opens. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before probing.
	// Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of successful probes needed to close again.
	// Default: 1.
	HalfOpenMax int

	// OnStateChange, if set, is called after every transition. It runs
	// outside the breaker's lock.
	OnStateChange func(name string, from, to State)

	// Now overrides the clock. Tests only.
	Now func() time.Time
}

// Breaker implements the three-state circuit breaker pattern.
type Breaker struct {
	name          string
	maxFailures   int
	resetTimeout  time.Duration
	halfOpenMax   int
	onStateChange func(name string, from, to State)
	now           func() time.Time

	mu               sync.Mutex
	state            State
	consecutiveFails int
	openedAt         time.Time
	probes           int
	probeSuccesses   int
}

// NewBreaker creates a [Breaker]. Zero-value config fields are replaced with
// defaults.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{
		name:          cfg.Name,
		maxFailures:   cfg.MaxFailures,
		resetTimeout:  cfg.ResetTimeout,
		halfOpenMax:   cfg.HalfOpenMax,
		onStateChange: cfg.OnStateChange,
		now:           cfg.Now,
	}
}

type transition struct {
	from, to State
}

// Execute runs fn if the breaker allows it. Errors marked with [Permanent]
// prove the remote end is reachable, so they count as successes for the
// breaker while still being returned to the caller.
func (b *Breaker) Execute(fn func() error) error {
	b.mu.Lock()
	var changes []transition
	if b.state == StateOpen {
		if b.now().Sub(b.openedAt) < b.resetTimeout {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		changes = append(changes, b.setState(StateHalfOpen))
		b.probes = 0
		b.probeSuccesses = 0
	}
	probing := b.state == StateHalfOpen
	if probing {
		if b.probes >= b.halfOpenMax {
			b.mu.Unlock()
			b.notify(changes)
			return ErrCircuitOpen
		}
		b.probes++
	}
	b.mu.Unlock()
	b.notify(changes)

	err := fn()

	b.mu.Lock()
	if err != nil && !IsPermanent(err) {
		changes = []transition{b.recordFailure(probing)}
	} else {
		changes = []transition{b.recordSuccess(probing)}
	}
	b.mu.Unlock()
	b.notify(changes)
	return err
}

// recordFailure must be called with b.mu held.
func (b *Breaker) recordFailure(probing bool) transition {
	if probing {
		b.openedAt = b.now()
		slog.Warn("circuit breaker re-opened from half-open", "name", b.name)
		return b.setState(StateOpen)
	}
	b.consecutiveFails++
	if b.state == StateClosed && b.consecutiveFails >= b.maxFailures {
		b.openedAt = b.now()
		slog.Warn("circuit breaker opened", "name", b.name, "consecutive_failures", b.consecutiveFails)
		return b.setState(StateOpen)
	}
	return transition{}
}

// recordSuccess must be called with b.mu held.
func (b *Breaker) recordSuccess(probing bool) transition {
	if !probing {
		b.consecutiveFails = 0
		return transition{}
	}
	if b.state != StateHalfOpen {
		return transition{}
	}
	b.probeSuccesses++
	if b.probeSuccesses < b.halfOpenMax {
		return transition{}
	}
	b.consecutiveFails = 0
	slog.Info("circuit breaker closed after successful probes", "name", b.name)
	return b.setState(StateClosed)
}

// setState must be called with b.mu held.
func (b *Breaker) setState(to State) transition {
	from := b.state
	b.state = to
	return transition{from: from, to: to}
}

func (b *Breaker) notify(changes []transition) {
	if b.onStateChange == nil {
		return
	}
	for _, c := range changes {
		if c.from != c.to {
			b.onStateChange(b.name, c.from, c.to)
		}
	}
}

// State returns the current state. An open breaker whose reset timeout has
// elapsed reports [StateHalfOpen]; the transition itself happens on the next
// [Breaker.Execute].
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.resetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker back to [StateClosed].
func (b *Breaker) Reset() {
	b.mu.Lock()
	c := b.setState(StateClosed)
	b.consecutiveFails = 0
	b.probes = 0
	b.probeSuccesses = 0
	b.mu.Unlock()
	b.notify([]transition{c})
}
