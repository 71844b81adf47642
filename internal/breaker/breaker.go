// Package breaker implements a per-engine circuit breaker and a
// registry that lazily creates one breaker per engine name.
package breaker

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State is the lifecycle state of a circuit breaker.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

const (
	DefaultFailureThreshold = 5
	DefaultRecoveryTimeout  = 300 * time.Second
)

// OpenError is returned when a request is attempted while the breaker
// is open.
type OpenError struct {
	Name string
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit open for %q", e.Name)
}

// Breaker is a single engine's circuit breaker. The zero value is not
// usable; construct with New.
type Breaker struct {
	name             string
	failureThreshold int
	recoveryTimeout  time.Duration

	mu       sync.Mutex
	failures int
	state    State
	openedAt time.Time
}

// New creates a breaker with the given name and thresholds. Zero
// values fall back to the package defaults.
func New(name string, failureThreshold int, recoveryTimeout time.Duration) *Breaker {
	if failureThreshold <= 0 {
		failureThreshold = DefaultFailureThreshold
	}
	if recoveryTimeout <= 0 {
		recoveryTimeout = DefaultRecoveryTimeout
	}
	return &Breaker{
		name:             name,
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
		state:            Closed,
	}
}

// State returns the current state, lazily transitioning open to
// half-open once the recovery timeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked()
}

func (b *Breaker) stateLocked() State {
	if b.state == Open && time.Since(b.openedAt) >= b.recoveryTimeout {
		b.state = HalfOpen
	}
	return b.state
}

// AllowRequest reports whether a request may proceed: true unless the
// breaker is (still) open.
func (b *Breaker) AllowRequest() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked() != Open
}

// RecordSuccess closes the breaker and resets the failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	wasHalfOpen := b.state == HalfOpen
	b.failures = 0
	b.state = Closed
	b.openedAt = time.Time{}
	if wasHalfOpen {
		slog.Info("circuit_breaker.closed", "name", b.name)
	}
}

// RecordFailure increments the failure count, reopening immediately
// from half-open or opening once the threshold is reached.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	if b.state == HalfOpen {
		b.state = Open
		b.openedAt = time.Now()
		slog.Warn("circuit_breaker.reopened", "name", b.name)
		return
	}
	if b.failures >= b.failureThreshold {
		b.state = Open
		b.openedAt = time.Now()
		slog.Warn("circuit_breaker.opened", "name", b.name, "failures", b.failures)
	}
}

// Registry lazily creates and holds one Breaker per engine name.
type Registry struct {
	mu               sync.Mutex
	breakers         map[string]*Breaker
	failureThreshold int
	recoveryTimeout  time.Duration
}

// NewRegistry creates a registry whose breakers use the given
// thresholds (0 values fall back to package defaults).
func NewRegistry(failureThreshold int, recoveryTimeout time.Duration) *Registry {
	return &Registry{
		breakers:         make(map[string]*Breaker),
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
	}
}

// Get returns the breaker for name, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[name]
	if !ok {
		b = New(name, r.failureThreshold, r.recoveryTimeout)
		r.breakers[name] = b
	}
	return b
}

// Reset discards all breakers. Used for test isolation and on
// process shutdown.
func (r *Registry) Reset() {
	r.mu.Lock()
	r.breakers = make(map[string]*Breaker)
	r.mu.Unlock()
}
