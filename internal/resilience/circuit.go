// Package resilience provides retries, circuit breakers and dead-letter
// classification for calls to the mailbox and the reasoning provider.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// CircuitState is the state of a CircuitBreaker.
type CircuitState int

// Circuit states.
const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// ErrCircuitOpen is returned without calling through while the circuit is
// open or a half-open probe is in flight.
var ErrCircuitOpen = eris.New("circuit breaker is open")

// CircuitBreakerConfig controls a CircuitBreaker.
type CircuitBreakerConfig struct {
	// FailureThreshold consecutive failures open the circuit.
	FailureThreshold int
	// ResetTimeout is how long the circuit stays open before one probe call
	// is let through.
	ResetTimeout time.Duration
	// ShouldTrip reports whether an error counts as a failure. By default
	// every error except caller cancellation does.
	ShouldTrip    func(err error) bool
	OnStateChange func(from, to CircuitState)
}

// DefaultCircuitBreakerConfig opens after 5 failures for 30s.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{FailureThreshold: 5, ResetTimeout: 30 * time.Second}
}

func countsAsFailure(err error) bool {
	return !errors.Is(err, context.Canceled)
}

// CircuitBreaker stops calling a failing service until it has had time to
// recover. While half-open exactly one call probes the service.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig
	now func() time.Time

	mu       sync.Mutex
	state    CircuitState
	failures int
	openedAt time.Time
	probing  bool
}

// NewCircuitBreaker creates a closed breaker. Zero config fields take the
// defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	d := DefaultCircuitBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = d.FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = d.ResetTimeout
	}
	if cfg.ShouldTrip == nil {
		cfg.ShouldTrip = countsAsFailure
	}
	return &CircuitBreaker{cfg: cfg, now: time.Now}
}

// Execute calls fn unless the circuit is open.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := ExecuteVal(ctx, cb, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// ExecuteVal is Execute for calls that return a value.
func ExecuteVal[T any](ctx context.Context, cb *CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	if err := cb.acquire(); err != nil {
		var zero T
		return zero, err
	}
	v, err := fn(ctx)
	cb.release(err)
	return v, err
}

// State reports the current state. An open circuit whose timeout has passed
// reports half-open.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitOpen && cb.cooledDown() {
		return CircuitHalfOpen
	}
	return cb.state
}

// Reset closes the circuit and clears the failure count.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.probing = false
	cb.setState(CircuitClosed)
}

func (cb *CircuitBreaker) cooledDown() bool {
	return cb.now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout
}

func (cb *CircuitBreaker) acquire() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitOpen {
		if !cb.cooledDown() {
			return ErrCircuitOpen
		}
		cb.setState(CircuitHalfOpen)
	}
	if cb.state == CircuitHalfOpen {
		if cb.probing {
			return ErrCircuitOpen
		}
		cb.probing = true
	}
	return nil
}

func (cb *CircuitBreaker) release(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.probing = false

	if err == nil || !cb.cfg.ShouldTrip(err) {
		cb.failures = 0
		cb.setState(CircuitClosed)
		return
	}
	cb.failures++
	if cb.state == CircuitHalfOpen || cb.failures >= cb.cfg.FailureThreshold {
		cb.openedAt = cb.now()
		cb.setState(CircuitOpen)
	}
}

func (cb *CircuitBreaker) setState(to CircuitState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(from, to)
	}
}

// ServiceBreakers hands out one breaker per named remote service.
type ServiceBreakers struct {
	cfg CircuitBreakerConfig

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewServiceBreakers creates an empty registry whose breakers share cfg.
func NewServiceBreakers(cfg CircuitBreakerConfig) *ServiceBreakers {
	return &ServiceBreakers{cfg: cfg, breakers: make(map[string]*CircuitBreaker)}
}

// Get returns the breaker for service, creating it on first use.
func (sb *ServiceBreakers) Get(service string) *CircuitBreaker {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	cb, ok := sb.breakers[service]
	if !ok {
		cb = NewCircuitBreaker(sb.cfg)
		sb.breakers[service] = cb
	}
	return cb
}
