// Package resilience provides failure isolation for adapter dispatch.
package resilience

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// CircuitState represents the current state of a circuit breaker.
type CircuitState int

const (
	// StateClosed allows all calls through (normal operation).
	StateClosed CircuitState = iota

	// StateOpen rejects all calls immediately (circuit tripped).
	StateOpen

	// StateHalfOpen allows a single probe call through to test recovery.
	StateHalfOpen
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

// Errors returned by circuit breaker operations.
var (
	// ErrCircuitOpen is returned while the circuit is rejecting calls.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// Config configures a circuit breaker.
type Config struct {
	// FailureThreshold is the number of consecutive failures before opening.
	// Default: 5
	FailureThreshold int

	// RecoveryTimeout is how long to wait before probing recovery.
	// Default: 30 seconds
	RecoveryTimeout time.Duration

	// SuccessThreshold is the number of consecutive half-open successes
	// before closing again. Default: 1
	SuccessThreshold int

	// OnStateChange is called when the circuit state changes.
	OnStateChange func(from, to CircuitState)
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		SuccessThreshold: 1,
	}
}

// CircuitBreaker fails fast when a destination module keeps failing, so one
// unhealthy adapter cannot stall the whole dispatch loop.
type CircuitBreaker struct {
	config Config

	state            CircuitState
	failureCount     int
	successCount     int
	lastFailureTime  time.Time
	lastStateChange  time.Time
	halfOpenInFlight bool

	totalCalls      int64
	totalFailures   int64
	totalSuccesses  int64
	totalRejections int64

	mu sync.Mutex
}

// New creates a circuit breaker with the given configuration.
func New(config Config) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = 30 * time.Second
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}

	return &CircuitBreaker{
		config:          config,
		state:           StateClosed,
		lastStateChange: time.Now(),
	}
}

// Call executes fn if the circuit allows it. Returns ErrCircuitOpen when the
// circuit is rejecting, otherwise fn's error.
func (cb *CircuitBreaker) Call(fn func() error) error {
	if !cb.allowRequest() {
		atomic.AddInt64(&cb.totalRejections, 1)
		return ErrCircuitOpen
	}

	atomic.AddInt64(&cb.totalCalls, 1)

	if err := fn(); err != nil {
		cb.recordFailure()
		return err
	}

	cb.recordSuccess()
	return nil
}

// State returns the current circuit state, applying the open-to-half-open
// transition when the recovery timeout has elapsed.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && time.Since(cb.lastFailureTime) >= cb.config.RecoveryTimeout {
		cb.transitionTo(StateHalfOpen)
	}

	return cb.state
}

// Reset manually closes the circuit.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.transitionTo(StateClosed)
	cb.failureCount = 0
	cb.successCount = 0
	cb.halfOpenInFlight = false
}

// Metrics returns current circuit breaker counters.
func (cb *CircuitBreaker) Metrics() Metrics {
	cb.mu.Lock()
	state := cb.state
	failureCount := cb.failureCount
	lastStateChange := cb.lastStateChange
	cb.mu.Unlock()

	return Metrics{
		State:           state,
		TotalCalls:      atomic.LoadInt64(&cb.totalCalls),
		TotalFailures:   atomic.LoadInt64(&cb.totalFailures),
		TotalSuccesses:  atomic.LoadInt64(&cb.totalSuccesses),
		TotalRejections: atomic.LoadInt64(&cb.totalRejections),
		FailureCount:    failureCount,
		LastStateChange: lastStateChange,
	}
}

// Metrics contains circuit breaker statistics.
type Metrics struct {
	State           CircuitState
	TotalCalls      int64
	TotalFailures   int64
	TotalSuccesses  int64
	TotalRejections int64
	FailureCount    int
	LastStateChange time.Time
}

func (cb *CircuitBreaker) allowRequest() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true

	case StateOpen:
		if time.Since(cb.lastFailureTime) >= cb.config.RecoveryTimeout {
			cb.transitionTo(StateHalfOpen)
			cb.halfOpenInFlight = true
			return true
		}
		return false

	case StateHalfOpen:
		// One probe at a time.
		if cb.halfOpenInFlight {
			return false
		}
		cb.halfOpenInFlight = true
		return true

	default:
		return false
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	atomic.AddInt64(&cb.totalSuccesses, 1)

	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failureCount = 0

	case StateHalfOpen:
		cb.successCount++
		cb.halfOpenInFlight = false

		if cb.successCount >= cb.config.SuccessThreshold {
			cb.transitionTo(StateClosed)
			cb.failureCount = 0
			cb.successCount = 0
		}
	}
}

func (cb *CircuitBreaker) recordFailure() {
	atomic.AddInt64(&cb.totalFailures, 1)

	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailureTime = time.Now()

	switch cb.state {
	case StateClosed:
		cb.failureCount++
		if cb.failureCount >= cb.config.FailureThreshold {
			cb.transitionTo(StateOpen)
		}

	case StateHalfOpen:
		// A failed probe reopens immediately.
		cb.halfOpenInFlight = false
		cb.successCount = 0
		cb.transitionTo(StateOpen)
	}
}

// transitionTo changes the circuit state. Must be called with lock held.
func (cb *CircuitBreaker) transitionTo(newState CircuitState) {
	if cb.state == newState {
		return
	}

	oldState := cb.state
	cb.state = newState
	cb.lastStateChange = time.Now()

	if cb.config.OnStateChange != nil {
		// Callback runs without the lock.
		go cb.config.OnStateChange(oldState, newState)
	}
}

// Registry manages one circuit breaker per destination module.
type Registry struct {
	breakers map[string]*CircuitBreaker
	config   Config
	mu       sync.RWMutex
}

// NewRegistry creates a registry with the given default config.
func NewRegistry(config Config) *Registry {
	return &Registry{
		breakers: make(map[string]*CircuitBreaker),
		config:   config,
	}
}

// Get returns the breaker for a module, creating one on first use.
func (r *Registry) Get(module string) *CircuitBreaker {
	r.mu.RLock()
	if cb, ok := r.breakers[module]; ok {
		r.mu.RUnlock()
		return cb
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[module]; ok {
		return cb
	}

	cb := New(r.config)
	r.breakers[module] = cb
	return cb
}

// ResetAll closes every registered breaker.
func (r *Registry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, cb := range r.breakers {
		cb.Reset()
	}
}

// AggregateMetrics returns combined metrics across all breakers.
func (r *Registry) AggregateMetrics() map[string]Metrics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]Metrics, len(r.breakers))
	for module, cb := range r.breakers {
		result[module] = cb.Metrics()
	}
	return result
}
