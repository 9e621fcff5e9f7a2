// Copyright (c) ProxyKit Contributors
// SPDX-License-Identifier: Apache-2.0

// Package breaker provides a circuit breaker around upstream WebSocket dialing.
package breaker

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrCircuitOpen is returned when the circuit breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker configuration.
type Config struct {
	// MaxFailures is the number of consecutive dial failures before
	// opening the circuit.
	MaxFailures int
	// ResetTimeout is how long to wait in Open state before allowing a
	// probe dial (HalfOpen).
	ResetTimeout time.Duration
	// SuccessThreshold is the number of consecutive successes in
	// HalfOpen before closing.
	SuccessThreshold int
}

// CircuitBreaker guards the upstream dial path. While the circuit is
// open, upgrade requests fail fast without contacting the upstream.
type CircuitBreaker struct {
	mu              sync.Mutex
	config          Config
	state           State
	failures        int
	successes       int
	lastStateChange time.Time
}

// New creates a new circuit breaker.
func New(config Config) *CircuitBreaker {
	if config.MaxFailures == 0 {
		config.MaxFailures = 5
	}
	if config.ResetTimeout == 0 {
		config.ResetTimeout = 60 * time.Second
	}
	if config.SuccessThreshold == 0 {
		config.SuccessThreshold = 2
	}

	return &CircuitBreaker{
		config:          config,
		state:           StateClosed,
		lastStateChange: time.Now(),
	}
}

// Call executes the given dial function if the circuit breaker allows it.
func (cb *CircuitBreaker) Call(fn func() error) error {
	if err := cb.beforeCall(); err != nil {
		return err
	}

	err := fn()
	cb.afterCall(err)
	return err
}

func (cb *CircuitBreaker) beforeCall() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if time.Since(cb.lastStateChange) > cb.config.ResetTimeout {
			cb.setState(StateHalfOpen)
			return nil
		}
		return ErrCircuitOpen
	default:
		return nil
	}
}

func (cb *CircuitBreaker) afterCall(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.failures++
		cb.successes = 0
		switch cb.state {
		case StateClosed:
			if cb.failures >= cb.config.MaxFailures {
				cb.setState(StateOpen)
			}
		case StateHalfOpen:
			// Any failure during the probe reopens the circuit.
			cb.setState(StateOpen)
		}
		return
	}

	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.setState(StateClosed)
		}
	}
}

// setState changes the state. Caller must hold the lock.
func (cb *CircuitBreaker) setState(newState State) {
	if cb.state == newState {
		return
	}

	cb.state = newState
	cb.lastStateChange = time.Now()

	if newState == StateClosed {
		cb.failures = 0
		cb.successes = 0
	} else if newState == StateHalfOpen {
		cb.successes = 0
	}
}

// State returns the current state of the circuit breaker.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
