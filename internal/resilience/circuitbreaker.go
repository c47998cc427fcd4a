// Package resilience provides failure isolation for broker dependencies:
// circuit breakers with a bounded transition log, and reconnect backoff.
package resilience

import (
	"context"
	"sync"
	"time"

	gwerrors "oanda-gateway/internal/errors"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState string

const (
	CircuitClosed   CircuitState = "CLOSED"    // Normal operation
	CircuitOpen     CircuitState = "OPEN"      // Failing, rejecting requests
	CircuitHalfOpen CircuitState = "HALF_OPEN" // Single probe in flight
)

// Config holds circuit breaker configuration.
type Config struct {
	// FailureThreshold is the number of consecutive failures before
	// opening the circuit.
	FailureThreshold int
	// RecoveryTimeout is how long to wait while open before admitting a
	// single half-open probe.
	RecoveryTimeout time.Duration
	// EventLogSize bounds the transition log.
	EventLogSize int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		EventLogSize:     1000,
	}
}

// Event is an immutable record of a state transition.
type Event struct {
	Breaker   string
	From      CircuitState
	To        CircuitState
	Reason    string
	Timestamp time.Time
}

// CircuitBreaker isolates one named upstream dependency. While open, calls
// fail immediately with CircuitOpenError without reaching the transport.
type CircuitBreaker struct {
	name   string
	config Config

	mu              sync.Mutex
	state           CircuitState
	failureCount    int
	lastFailureTime time.Time
	openedAt        time.Time
	probeInFlight   bool

	events    []Event
	callbacks []func(Event)

	totalRequests  int64
	totalFailures  int64
	totalSuccesses int64
	totalRejected  int64
}

// NewCircuitBreaker creates a new circuit breaker.
func NewCircuitBreaker(name string, config Config) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = 30 * time.Second
	}
	if config.EventLogSize <= 0 {
		config.EventLogSize = 1000
	}
	return &CircuitBreaker{
		name:   name,
		config: config,
		state:  CircuitClosed,
	}
}

// Execute runs the given function with circuit breaker protection.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := cb.allowRequest(); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()

	select {
	case err := <-done:
		if err != nil {
			cb.recordFailure()
			return err
		}
		cb.recordSuccess()
		return nil
	case <-ctx.Done():
		cb.recordFailure()
		return ctx.Err()
	}
}

// ExecuteWithResult runs a function that returns a result with circuit
// breaker protection.
func ExecuteWithResult[T any](cb *CircuitBreaker, ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T

	if err := cb.allowRequest(); err != nil {
		return zero, err
	}

	type result struct {
		value T
		err   error
	}

	done := make(chan result, 1)
	go func() {
		v, err := fn()
		done <- result{value: v, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			cb.recordFailure()
			return zero, r.err
		}
		cb.recordSuccess()
		return r.value, nil
	case <-ctx.Done():
		cb.recordFailure()
		return zero, ctx.Err()
	}
}

func (cb *CircuitBreaker) allowRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalRequests++

	switch cb.state {
	case CircuitClosed:
		return nil
	case CircuitOpen:
		elapsed := time.Since(cb.openedAt)
		if elapsed >= cb.config.RecoveryTimeout {
			cb.transitionTo(CircuitHalfOpen, "recovery timeout elapsed")
			cb.probeInFlight = true
			return nil
		}
		cb.totalRejected++
		return &gwerrors.CircuitOpenError{
			Breaker:    cb.name,
			OpenedAt:   cb.openedAt,
			RetryAfter: cb.config.RecoveryTimeout - elapsed,
		}
	case CircuitHalfOpen:
		// Only one probe is allowed through at a time.
		if cb.probeInFlight {
			cb.totalRejected++
			return &gwerrors.CircuitOpenError{
				Breaker:    cb.name,
				OpenedAt:   cb.openedAt,
				RetryAfter: 0,
			}
		}
		cb.probeInFlight = true
		return nil
	}

	return nil
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalSuccesses++
	cb.failureCount = 0

	if cb.state == CircuitHalfOpen {
		cb.probeInFlight = false
		cb.transitionTo(CircuitClosed, "probe succeeded")
	}
}

func (cb *CircuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalFailures++
	cb.lastFailureTime = time.Now()

	switch cb.state {
	case CircuitClosed:
		cb.failureCount++
		if cb.failureCount >= cb.config.FailureThreshold {
			cb.openedAt = time.Now()
			cb.transitionTo(CircuitOpen, "failure threshold reached")
		}
	case CircuitHalfOpen:
		// A single failing probe reopens the circuit and restarts the timer.
		cb.probeInFlight = false
		cb.openedAt = time.Now()
		cb.transitionTo(CircuitOpen, "probe failed")
	}
}

// transitionTo must be called with the lock held.
func (cb *CircuitBreaker) transitionTo(state CircuitState, reason string) {
	if cb.state == state {
		return
	}
	event := Event{
		Breaker:   cb.name,
		From:      cb.state,
		To:        state,
		Reason:    reason,
		Timestamp: time.Now(),
	}
	cb.state = state

	cb.events = append(cb.events, event)
	if len(cb.events) > cb.config.EventLogSize {
		cb.events = cb.events[len(cb.events)-cb.config.EventLogSize:]
	}

	for _, fn := range cb.callbacks {
		go fn(event)
	}
}

// OnStateChange registers a callback invoked on every state transition.
func (cb *CircuitBreaker) OnStateChange(fn func(Event)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.callbacks = append(cb.callbacks, fn)
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Name returns the circuit breaker name.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Events returns a copy of the bounded transition log, oldest first.
func (cb *CircuitBreaker) Events() []Event {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	out := make([]Event, len(cb.events))
	copy(out, cb.events)
	return out
}

// Reset resets the circuit breaker to closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount = 0
	cb.probeInFlight = false
	cb.transitionTo(CircuitClosed, "manual reset")
}

// Stats holds circuit breaker statistics.
type Stats struct {
	Name            string
	State           CircuitState
	TotalRequests   int64
	TotalSuccesses  int64
	TotalFailures   int64
	TotalRejected   int64
	FailureCount    int
	LastFailureTime time.Time
	OpenedAt        time.Time
}

// Stats returns circuit breaker statistics.
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return Stats{
		Name:            cb.name,
		State:           cb.state,
		TotalRequests:   cb.totalRequests,
		TotalSuccesses:  cb.totalSuccesses,
		TotalFailures:   cb.totalFailures,
		TotalRejected:   cb.totalRejected,
		FailureCount:    cb.failureCount,
		LastFailureTime: cb.lastFailureTime,
		OpenedAt:        cb.openedAt,
	}
}

// FailureRate returns the failure rate as a percentage.
func (s Stats) FailureRate() float64 {
	if s.TotalRequests == 0 {
		return 0
	}
	return float64(s.TotalFailures) / float64(s.TotalRequests) * 100
}
