// Package resilience provides fault tolerance patterns for external service calls.
package resilience

import (
	"errors"
	"sync"
	"time"
)

// CircuitState represents the state of the circuit breaker.
type CircuitState int

const (
	StateClosed   CircuitState = iota // Normal operation, requests pass through
	StateOpen                         // Circuit open, requests fail immediately
	StateHalfOpen                     // Testing if service recovered
)

func (s CircuitState) String() string {
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

// Errors returned by the circuit breaker.
var (
	ErrCircuitOpen    = errors.New("circuit breaker is open")
	ErrTooManyRequest = errors.New("too many requests in half-open state")
)

// CircuitBreakerConfig holds configuration for a circuit breaker.
type CircuitBreakerConfig struct {
	Name               string        // Name for logging
	FailureThreshold   int           // Consecutive failures before opening (default: 5)
	SuccessThreshold   int           // Successes to close from half-open (default: 2)
	Timeout            time.Duration // Time to wait before half-open (default: 30s)
	MaxHalfOpenRequest int           // Max concurrent requests in half-open (default: 1)

	// OnStateChange is invoked after every transition.
	OnStateChange func(name string, from, to CircuitState)
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig(name string) *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		Name:               name,
		FailureThreshold:   5,
		SuccessThreshold:   2,
		Timeout:            30 * time.Second,
		MaxHalfOpenRequest: 1,
	}
}

// CircuitBreaker implements the circuit breaker pattern.
type CircuitBreaker struct {
	name string

	failureThreshold   int
	successThreshold   int
	timeout            time.Duration
	maxHalfOpenRequest int
	onStateChange      func(name string, from, to CircuitState)

	mu               sync.Mutex
	state            CircuitState
	failureCount     int
	successCount     int
	halfOpenRequests int
	lastFailureTime  time.Time
}

// NewCircuitBreaker creates a new circuit breaker with the given config.
func NewCircuitBreaker(cfg *CircuitBreakerConfig) *CircuitBreaker {
	if cfg == nil {
		cfg = DefaultCircuitBreakerConfig("default")
	}

	return &CircuitBreaker{
		name:               cfg.Name,
		state:              StateClosed,
		failureThreshold:   cfg.FailureThreshold,
		successThreshold:   cfg.SuccessThreshold,
		timeout:            cfg.Timeout,
		maxHalfOpenRequest: cfg.MaxHalfOpenRequest,
		onStateChange:      cfg.OnStateChange,
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Name returns the circuit breaker name.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Execute runs the given function with circuit breaker protection.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.beforeRequest(); err != nil {
		return err
	}

	err := fn()
	cb.afterRequest(err)
	return err
}

func (cb *CircuitBreaker) beforeRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return nil

	case StateOpen:
		if time.Since(cb.lastFailureTime) > cb.timeout {
			cb.transition(StateHalfOpen)
			cb.halfOpenRequests = 1
			return nil
		}
		return ErrCircuitOpen

	case StateHalfOpen:
		if cb.halfOpenRequests >= cb.maxHalfOpenRequest {
			return ErrTooManyRequest
		}
		cb.halfOpenRequests++
		return nil
	}

	return nil
}

func (cb *CircuitBreaker) afterRequest(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.failureCount++
		cb.successCount = 0
		cb.lastFailureTime = time.Now()

		switch cb.state {
		case StateClosed:
			if cb.failureCount >= cb.failureThreshold {
				cb.transition(StateOpen)
			}
		case StateHalfOpen:
			// Any failure in half-open goes back to open.
			cb.halfOpenRequests--
			cb.transition(StateOpen)
		}
		return
	}

	switch cb.state {
	case StateClosed:
		cb.failureCount = 0
	case StateHalfOpen:
		cb.halfOpenRequests--
		cb.successCount++
		if cb.successCount >= cb.successThreshold {
			cb.transition(StateClosed)
		}
	}
}

// transition switches state and triggers the callback. Caller holds mu.
func (cb *CircuitBreaker) transition(next CircuitState) {
	if cb.state == next {
		return
	}
	prev := cb.state
	cb.state = next
	cb.failureCount = 0
	cb.successCount = 0

	if cb.onStateChange != nil {
		// Release the lock for the callback so it can query State().
		cb.mu.Unlock()
		cb.onStateChange(cb.name, prev, next)
		cb.mu.Lock()
	}
}

// Reset forces the circuit breaker to closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transition(StateClosed)
	cb.failureCount = 0
	cb.successCount = 0
	cb.halfOpenRequests = 0
}

// CircuitBreakerStats holds current circuit breaker statistics.
type CircuitBreakerStats struct {
	Name         string
	State        string
	Failures     int
	Successes    int
	LastFailure  time.Time
	HalfOpenReqs int
}

// Stats returns current statistics.
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return CircuitBreakerStats{
		Name:         cb.name,
		State:        cb.state.String(),
		Failures:     cb.failureCount,
		Successes:    cb.successCount,
		LastFailure:  cb.lastFailureTime,
		HalfOpenReqs: cb.halfOpenRequests,
	}
}
