// Package breaker implements the per-provider circuit breaker. Besides the
// usual closed/open/half-open cycle it tracks an auth-block lane: repeated
// authentication failures park the provider for a longer cooldown without
// disturbing the failure counters of the transient path.
package breaker

import (
	"errors"
	"sync"
	"time"
)

// State represents the current state of a breaker.
type State int

const (
	// StateClosed allows requests to pass through normally.
	StateClosed State = iota
	// StateOpen blocks all requests until the recovery timeout elapses.
	StateOpen
	// StateHalfOpen admits probe traffic to test recovery.
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

// ErrOpen is returned by Allow while the circuit is open.
var ErrOpen = errors.New("circuit breaker is open")

// ErrAuthBlocked is returned by Allow while the provider is parked after an
// authentication failure.
var ErrAuthBlocked = errors.New("provider is auth-blocked")

// Config contains breaker tuning.
type Config struct {
	// FailureThreshold is the consecutive-failure budget before opening.
	FailureThreshold int
	// RecoveryTimeout is how long the circuit stays open before admitting
	// a half-open probe.
	RecoveryTimeout time.Duration
	// HalfOpenSuccessThreshold is the successes required in half-open to
	// close again.
	HalfOpenSuccessThreshold int
	// AuthCooldown is how long an auth failure parks the provider.
	AuthCooldown time.Duration
	// Clock overrides the time source in tests. Nil means time.Now.
	Clock func() time.Time
}

// DefaultConfig returns the standard tuning.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:         5,
		RecoveryTimeout:          30 * time.Second,
		HalfOpenSuccessThreshold: 2,
		AuthCooldown:             10 * time.Minute,
	}
}

// Breaker tracks failures for one provider. All mutations are serialized by
// a single mutex so counts and transitions stay exact under concurrency.
type Breaker struct {
	mu               sync.Mutex
	name             string
	cfg              Config
	now              func() time.Time
	state            State
	failures         int
	successes        int
	lastFailure      time.Time
	authBlockedUntil time.Time
	onStateChange    func(name string, from, to State)
}

// Snapshot is a consistent read of the breaker for status surfaces.
type Snapshot struct {
	State            State
	Failures         int
	Successes        int
	LastFailure      time.Time
	AuthBlockedUntil time.Time
}

// New creates a breaker for the named provider. Zero config fields fall back
// to DefaultConfig values.
func New(name string, cfg Config) *Breaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = def.RecoveryTimeout
	}
	if cfg.HalfOpenSuccessThreshold <= 0 {
		cfg.HalfOpenSuccessThreshold = def.HalfOpenSuccessThreshold
	}
	if cfg.AuthCooldown <= 0 {
		cfg.AuthCooldown = def.AuthCooldown
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &Breaker{
		name:  name,
		cfg:   cfg,
		now:   now,
		state: StateClosed,
	}
}

// OnStateChange sets a callback for state transitions. The callback runs on
// its own goroutine so slow observers never stall the breaker.
func (b *Breaker) OnStateChange(fn func(name string, from, to State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStateChange = fn
}

// Allow reports whether a request may proceed. It returns nil, ErrAuthBlocked
// or ErrOpen. An open circuit whose recovery timeout has elapsed transitions
// to half-open here, so callers never observe a stale open state.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if now.Before(b.authBlockedUntil) {
		return ErrAuthBlocked
	}

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		if now.Sub(b.lastFailure) >= b.cfg.RecoveryTimeout {
			b.transitionTo(StateHalfOpen)
			b.successes = 0
			return nil
		}
		return ErrOpen

	case StateHalfOpen:
		return nil

	default:
		return ErrOpen
	}
}

// RecordSuccess registers a successful call. In closed state it pays down
// one failure; in half-open it counts toward closing.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		if b.failures > 0 {
			b.failures--
		}

	case StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.HalfOpenSuccessThreshold {
			b.transitionTo(StateClosed)
			b.failures = 0
			b.successes = 0
		}
	}
}

// RecordFailure registers a failed call. Canceled attempts must not be
// recorded; that is the dispatcher's contract.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = b.now()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.transitionTo(StateOpen)
		}

	case StateHalfOpen:
		b.transitionTo(StateOpen)
		b.failures = 1
		b.successes = 0
	}
}

// MarkAuthBlocked parks the provider for the auth cooldown. Expiry is lazy:
// the block lifts on the first Allow after the deadline.
func (b *Breaker) MarkAuthBlocked() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.authBlockedUntil = b.now().Add(b.cfg.AuthCooldown)
}

// AuthBlocked reports whether the auth cooldown is in force.
func (b *Breaker) AuthBlocked() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.now().Before(b.authBlockedUntil)
}

// State returns the current state without side effects.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Open reports whether the circuit refuses traffic right now. Unlike Allow
// it never transitions state: an open circuit whose recovery timeout has
// elapsed reports false, so callers planning traffic keep the provider and
// let Allow perform the half-open transition.
func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateOpen {
		return false
	}
	return b.now().Sub(b.lastFailure) < b.cfg.RecoveryTimeout
}

// Name returns the provider this breaker guards.
func (b *Breaker) Name() string {
	return b.name
}

// Snapshot returns a consistent view of the breaker.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		State:            b.state,
		Failures:         b.failures,
		Successes:        b.successes,
		LastFailure:      b.lastFailure,
		AuthBlockedUntil: b.authBlockedUntil,
	}
}

// Reset returns the breaker to closed and clears all counters and the auth
// block. Used when a reload replaces a provider's configuration.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionTo(StateClosed)
	b.failures = 0
	b.successes = 0
	b.authBlockedUntil = time.Time{}
}

func (b *Breaker) transitionTo(newState State) {
	if b.state == newState {
		return
	}

	oldState := b.state
	b.state = newState

	if b.onStateChange != nil {
		go b.onStateChange(b.name, oldState, newState)
	}
}
