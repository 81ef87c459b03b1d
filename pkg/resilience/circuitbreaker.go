package resilience

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	StateClosed   CircuitState = iota // Normal, submissions pass through
	StateOpen                         // Tripped, submissions are rejected
	StateHalfOpen                     // Probing, one submission allowed
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// ErrCircuitOpen is returned when the circuit breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker trips open after consecutive counted failures reach a
// threshold and transitions to half-open after a cooldown period.
type CircuitBreaker struct {
	mu sync.Mutex

	state               CircuitState
	failureThreshold    int
	consecutiveFailures int
	cooldown            time.Duration
	lastFailure         time.Time
	countsAsFailure     func(error) bool
	now                 func() time.Time

	totalSuccesses int64
	totalFailures  int64
	totalRejected  int64
}

// CircuitBreakerConfig holds configuration for a CircuitBreaker.
type CircuitBreakerConfig struct {
	FailureThreshold int           // Number of consecutive failures to trip
	Cooldown         time.Duration // Time to wait before probing

	// CountsAsFailure decides which errors move the breaker towards open.
	// Defaults to IsRetryable, so a rejected credential does not trip it.
	CountsAsFailure func(error) bool
}

// NewCircuitBreaker creates a new circuit breaker with the given config.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.CountsAsFailure == nil {
		cfg.CountsAsFailure = IsRetryable
	}

	return &CircuitBreaker{
		state:            StateClosed,
		failureThreshold: cfg.FailureThreshold,
		cooldown:         cfg.Cooldown,
		countsAsFailure:  cfg.CountsAsFailure,
		now:              time.Now,
	}
}

// Execute runs fn through the circuit breaker.
// Returns ErrCircuitOpen if the circuit is open and cooldown hasn't elapsed.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.allowRequest() {
		cb.mu.Lock()
		cb.totalRejected++
		cb.mu.Unlock()
		return ErrCircuitOpen
	}

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch {
	case err == nil:
		cb.recordSuccess()
	case cb.countsAsFailure(err):
		cb.recordFailure()
	default:
		// the endpoint answered; only the request was bad
		cb.consecutiveFailures = 0
		if cb.state == StateHalfOpen {
			cb.state = StateClosed
		}
	}
	return err
}

// State returns the current state of the circuit breaker.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && cb.now().Sub(cb.lastFailure) > cb.cooldown {
		return StateHalfOpen
	}
	return cb.state
}

// Counts returns the lifetime success, failure and rejection totals.
func (cb *CircuitBreaker) Counts() (successes, failures, rejected int64) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.totalSuccesses, cb.totalFailures, cb.totalRejected
}

func (cb *CircuitBreaker) allowRequest() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if cb.now().Sub(cb.lastFailure) > cb.cooldown {
			cb.state = StateHalfOpen
			return true
		}
		return false
	case StateHalfOpen:
		return true
	default:
		return false
	}
}

// recordFailure must be called with mu held.
func (cb *CircuitBreaker) recordFailure() {
	cb.consecutiveFailures++
	cb.totalFailures++
	cb.lastFailure = cb.now()

	if cb.state == StateHalfOpen || cb.consecutiveFailures >= cb.failureThreshold {
		cb.state = StateOpen
	}
}

// recordSuccess must be called with mu held.
func (cb *CircuitBreaker) recordSuccess() {
	cb.totalSuccesses++
	cb.consecutiveFailures = 0
	cb.state = StateClosed
}
