package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrCircuitOpen is returned without calling the protected function while
// the breaker is open
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitState represents the state of a circuit breaker
type CircuitState int

const (
	StateClosed   CircuitState = iota // Normal operation
	StateOpen                         // Circuit is open, requests fail immediately
	StateHalfOpen                     // Testing if service has recovered
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
		return fmt.Sprintf("CircuitState(%d)", int(s))
	}
}

// CircuitBreaker fails fast against a provider that keeps failing. It never
// retries; a rejected call is reported to the caller as ErrCircuitOpen.
type CircuitBreaker struct {
	name         string
	maxFailures  int           // Number of failures before opening circuit
	resetTimeout time.Duration // Time to wait before attempting half-open
	halfOpenMax  int           // Probe requests admitted while half-open

	onStateChange func(name string, state CircuitState)
	onFailure     func(name string)
	now           func() time.Time

	mu                sync.Mutex
	state             CircuitState
	failureCount      int
	lastFailTime      time.Time
	halfOpenInFlight  int
	successCount      int
	requestCount      int64
	failureCountTotal int64
}

// CircuitBreakerOption customises a CircuitBreaker
type CircuitBreakerOption func(*CircuitBreaker)

// WithStateChangeHook is called after every state transition
func WithStateChangeHook(fn func(name string, state CircuitState)) CircuitBreakerOption {
	return func(cb *CircuitBreaker) { cb.onStateChange = fn }
}

// WithFailureHook is called for every recorded failure
func WithFailureHook(fn func(name string)) CircuitBreakerOption {
	return func(cb *CircuitBreaker) { cb.onFailure = fn }
}

// WithHalfOpenProbes sets how many calls are admitted while half-open
func WithHalfOpenProbes(n int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		if n > 0 {
			cb.halfOpenMax = n
		}
	}
}

// WithNow replaces the time source
func WithNow(now func() time.Time) CircuitBreakerOption {
	return func(cb *CircuitBreaker) { cb.now = now }
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(name string, maxFailures int, resetTimeout time.Duration, opts ...CircuitBreakerOption) *CircuitBreaker {
	if maxFailures <= 0 {
		maxFailures = 1
	}
	cb := &CircuitBreaker{
		name:         name,
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		halfOpenMax:  1,
		now:          time.Now,
		state:        StateClosed,
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

// Execute runs fn under circuit breaker protection. Context cancellation is
// not counted as a provider failure.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if !cb.allowRequest() {
		return fmt.Errorf("%s: %w", cb.name, ErrCircuitOpen)
	}

	err := fn(ctx)
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		cb.release()
		return err
	}
	cb.RecordResult(err == nil)
	return err
}

// allowRequest checks if a request should be allowed
func (cb *CircuitBreaker) allowRequest() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true

	case StateOpen:
		if cb.now().Sub(cb.lastFailTime) >= cb.resetTimeout {
			cb.setStateLocked(StateHalfOpen)
			cb.successCount = 0
			cb.halfOpenInFlight = 1
			return true
		}
		return false

	case StateHalfOpen:
		if cb.halfOpenInFlight < cb.halfOpenMax {
			cb.halfOpenInFlight++
			return true
		}
		return false
	}

	return false
}

// release gives back a half-open probe slot without recording a result
func (cb *CircuitBreaker) release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateHalfOpen && cb.halfOpenInFlight > 0 {
		cb.halfOpenInFlight--
	}
}

// RecordResult records the result of a request
func (cb *CircuitBreaker) RecordResult(success bool) {
	cb.mu.Lock()
	cb.requestCount++
	if success {
		cb.recordSuccessLocked()
		cb.mu.Unlock()
		return
	}
	cb.recordFailureLocked()
	hook := cb.onFailure
	cb.mu.Unlock()

	if hook != nil {
		hook(cb.name)
	}
}

func (cb *CircuitBreaker) recordSuccessLocked() {
	switch cb.state {
	case StateClosed:
		cb.failureCount = 0

	case StateHalfOpen:
		cb.successCount++
		if cb.halfOpenInFlight > 0 {
			cb.halfOpenInFlight--
		}
		if cb.successCount >= cb.halfOpenMax {
			cb.setStateLocked(StateClosed)
			cb.failureCount = 0
			cb.halfOpenInFlight = 0
			cb.successCount = 0
		}
	}
}

func (cb *CircuitBreaker) recordFailureLocked() {
	cb.failureCountTotal++
	cb.lastFailTime = cb.now()

	switch cb.state {
	case StateClosed:
		cb.failureCount++
		if cb.failureCount >= cb.maxFailures {
			cb.setStateLocked(StateOpen)
		}

	case StateHalfOpen:
		// Any failure in half-open immediately opens the circuit
		cb.setStateLocked(StateOpen)
		cb.halfOpenInFlight = 0
		cb.successCount = 0
	}
}

func (cb *CircuitBreaker) setStateLocked(state CircuitState) {
	if cb.state == state {
		return
	}
	cb.state = state
	if cb.onStateChange != nil {
		cb.onStateChange(cb.name, state)
	}
}

// Name identifies the guarded provider
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// GetStats returns statistics about the circuit breaker
func (cb *CircuitBreaker) GetStats() (state CircuitState, requestCount, failureCount int64, failureRate float64) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state = cb.state
	requestCount = cb.requestCount
	failureCount = cb.failureCountTotal

	if requestCount > 0 {
		failureRate = float64(failureCount) / float64(requestCount) * 100.0
	}

	return
}

// Reset manually resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.setStateLocked(StateClosed)
	cb.failureCount = 0
	cb.halfOpenInFlight = 0
	cb.successCount = 0
}
