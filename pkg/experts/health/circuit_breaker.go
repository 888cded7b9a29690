// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package health provides the per-service circuit breaker used by the
// domain expert network client.
package health

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/stacklok/experthub/pkg/experts"
)

// Default circuit breaker settings.
const (
	DefaultFailureThreshold = 3
	DefaultRecoveryTime     = 60 * time.Second
)

// Config configures a circuit breaker.
type Config struct {
	// FailureThreshold is the number of consecutive failures before opening the circuit.
	// Must be >= 1.
	FailureThreshold int

	// RecoveryTime is how long the circuit stays open after the last failure
	// before a trial call is admitted. Must be > 0.
	RecoveryTime time.Duration
}

// DefaultConfig returns the default breaker settings (3 failures, 60s recovery).
func DefaultConfig() Config {
	return Config{
		FailureThreshold: DefaultFailureThreshold,
		RecoveryTime:     DefaultRecoveryTime,
	}
}

// Validate validates circuit breaker configuration.
func (c Config) Validate() error {
	if c.FailureThreshold < 1 {
		return fmt.Errorf("circuit breaker failure threshold must be >= 1, got %d", c.FailureThreshold)
	}
	if c.RecoveryTime <= 0 {
		return fmt.Errorf("circuit breaker recovery time must be positive, got %v", c.RecoveryTime)
	}
	return nil
}

// StateChangeListener is notified after every state transition.
// It is called with the breaker lock released.
type StateChangeListener func(name string, from, to experts.CircuitState)

// CircuitBreaker is the failure-isolation state machine for a single service.
// Closed → Open → HalfOpen → Closed
//
// IsOpen is the single authority callers consult before attempting a call;
// it performs the Open → HalfOpen transition once the recovery window has passed.
type CircuitBreaker struct {
	mu sync.Mutex

	// name identifies the service in logs.
	name string

	state            experts.CircuitState
	failureCount     int
	failureThreshold int
	recoveryTime     time.Duration

	lastStateChange time.Time
	lastFailureTime time.Time

	// trialInFlight is set while the single half-open trial call is outstanding.
	trialInFlight bool

	listeners []StateChangeListener
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a CircuitBreaker.
type Option func(*CircuitBreaker)

// WithLogger sets the logger used for state transitions.
func WithLogger(l *slog.Logger) Option {
	return func(cb *CircuitBreaker) {
		if l != nil {
			cb.logger = l
		}
	}
}

// WithStateChangeListener registers a listener for state transitions.
func WithStateChangeListener(l StateChangeListener) Option {
	return func(cb *CircuitBreaker) {
		if l != nil {
			cb.listeners = append(cb.listeners, l)
		}
	}
}

// NewCircuitBreaker creates a closed circuit breaker for the named service.
// Invalid settings fall back to the defaults.
func NewCircuitBreaker(name string, cfg Config, opts ...Option) *CircuitBreaker {
	defaults := DefaultConfig()
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = defaults.FailureThreshold
	}
	if cfg.RecoveryTime <= 0 {
		cfg.RecoveryTime = defaults.RecoveryTime
	}

	cb := &CircuitBreaker{
		name:             name,
		state:            experts.CircuitClosed,
		failureThreshold: cfg.FailureThreshold,
		recoveryTime:     cfg.RecoveryTime,
		logger:           slog.Default(),
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(cb)
	}
	cb.lastStateChange = cb.now()
	return cb
}

// Name returns the service name the breaker guards.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// IsOpen reports whether a call must be rejected.
//
// In the Open state it returns true until the recovery time has elapsed since the
// last failure; the first check after that moves the breaker to HalfOpen and admits
// the caller as the trial call. While it is outstanding, further calls are rejected.
func (cb *CircuitBreaker) IsOpen() bool {
	cb.mu.Lock()
	var from, to experts.CircuitState
	open := true

	switch cb.state {
	case experts.CircuitClosed:
		open = false

	case experts.CircuitOpen:
		if !cb.now().Before(cb.lastFailureTime.Add(cb.recoveryTime)) {
			from, to = cb.state, experts.CircuitHalfOpen
			cb.setState(to)
			cb.trialInFlight = true
			open = false
		}

	case experts.CircuitHalfOpen:
		if !cb.trialInFlight {
			cb.trialInFlight = true
			open = false
		}
	}
	cb.mu.Unlock()

	if to != "" {
		cb.logger.Info("circuit breaker half-open, admitting trial call", "service", cb.name)
		cb.notify(from, to)
	}
	return open
}

// RecordSuccess records a successful call.
// Resets the failure count and closes the circuit if it was half-open.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	from := cb.state
	cb.failureCount = 0
	cb.trialInFlight = false
	changed := false
	if cb.state != experts.CircuitClosed {
		cb.setState(experts.CircuitClosed)
		changed = true
	}
	cb.mu.Unlock()

	if changed {
		cb.logger.Info("circuit breaker closed, recovery successful", "service", cb.name)
		cb.notify(from, experts.CircuitClosed)
	}
}

// RecordFailure records a failed call.
// Increments the failure count and opens the circuit once the threshold is reached.
// A failure while half-open returns the circuit to open immediately.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	from := cb.state
	cb.failureCount++
	cb.lastFailureTime = cb.now()
	cb.trialInFlight = false

	changed := false
	switch {
	case cb.state == experts.CircuitHalfOpen:
		cb.setState(experts.CircuitOpen)
		changed = true
	case cb.state == experts.CircuitClosed && cb.failureCount >= cb.failureThreshold:
		cb.setState(experts.CircuitOpen)
		changed = true
	}
	failures := cb.failureCount
	cb.mu.Unlock()

	if !changed {
		return
	}
	if from == experts.CircuitHalfOpen {
		cb.logger.Warn("circuit breaker returned to open, recovery failed", "service", cb.name)
	} else {
		cb.logger.Warn("circuit breaker opened, threshold reached",
			"service", cb.name, "failures", failures, "threshold", cb.failureThreshold)
	}
	cb.notify(from, experts.CircuitOpen)
}

// ReleaseTrial ends a half-open trial call whose outcome says nothing about the
// service's health (a 404, a rejected request, a cancelled call). The next
// IsOpen check admits a new trial call. It is a no-op in other states.
func (cb *CircuitBreaker) ReleaseTrial() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == experts.CircuitHalfOpen {
		cb.trialInFlight = false
	}
}

// State returns the current state without performing any transition.
func (cb *CircuitBreaker) State() experts.CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// FailureCount returns the current consecutive failure count.
func (cb *CircuitBreaker) FailureCount() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failureCount
}

// Snapshot returns an immutable snapshot of the breaker state.
func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Snapshot{
		State:            cb.state,
		FailureCount:     cb.failureCount,
		FailureThreshold: cb.failureThreshold,
		RecoveryTime:     cb.recoveryTime,
		LastStateChange:  cb.lastStateChange,
		LastFailureTime:  cb.lastFailureTime,
	}
}

// Snapshot is an immutable view of a circuit breaker.
type Snapshot struct {
	State            experts.CircuitState
	FailureCount     int
	FailureThreshold int
	RecoveryTime     time.Duration
	LastStateChange  time.Time
	LastFailureTime  time.Time
}

// setState must be called with mu held.
func (cb *CircuitBreaker) setState(s experts.CircuitState) {
	cb.state = s
	cb.lastStateChange = cb.now()
}

func (cb *CircuitBreaker) notify(from, to experts.CircuitState) {
	for _, l := range cb.listeners {
		l(cb.name, from, to)
	}
}
