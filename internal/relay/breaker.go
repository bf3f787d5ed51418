package relay

import (
	"sync"
	"time"
)

const (
	circuitStateClosed   = "closed"
	circuitStateOpen     = "open"
	circuitStateHalfOpen = "half-open"

	defaultFailureThreshold = 5
	defaultResetTimeout     = 5 * time.Minute
)

// CircuitBreaker prevents MxSmtpRelay from repeatedly dialing a destination
// that has been consistently failing, giving it a cooldown window before
// trying again. Adapted from teacher internal/engine/circuit_breaker.go,
// keyed here by relay destination ("host:port") rather than MX hostname
// alone, since distinct ports on the same host are independent failure
// domains for delivery.
type CircuitBreaker struct {
	mu               sync.Mutex
	hosts            map[string]*hostState
	failureThreshold int
	resetTimeout     time.Duration
	nowFunc          func() time.Time
}

type hostState struct {
	state               string
	consecutiveFailures int
	lastFailureTime     time.Time
}

// NewCircuitBreaker creates a CircuitBreaker. Zero values are replaced with
// defaults (5 failures, 5 minutes).
func NewCircuitBreaker(failureThreshold int, resetTimeout time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = defaultFailureThreshold
	}
	if resetTimeout <= 0 {
		resetTimeout = defaultResetTimeout
	}
	return &CircuitBreaker{
		hosts:            make(map[string]*hostState),
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		nowFunc:          time.Now,
	}
}

// Allow reports whether a delivery attempt to dest is currently permitted.
func (cb *CircuitBreaker) Allow(dest string) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	hs, exists := cb.hosts[dest]
	if !exists {
		return true
	}
	switch hs.state {
	case circuitStateOpen:
		if cb.nowFunc().Sub(hs.lastFailureTime) >= cb.resetTimeout {
			hs.state = circuitStateHalfOpen
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess resets dest's failure count and closes its circuit.
func (cb *CircuitBreaker) RecordSuccess(dest string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	hs, exists := cb.hosts[dest]
	if !exists {
		return
	}
	hs.consecutiveFailures = 0
	hs.state = circuitStateClosed
}

// RecordFailure records a failed delivery attempt to dest, opening the
// circuit once the failure threshold is reached, or immediately if the
// circuit was half-open.
func (cb *CircuitBreaker) RecordFailure(dest string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	hs, exists := cb.hosts[dest]
	if !exists {
		hs = &hostState{state: circuitStateClosed}
		cb.hosts[dest] = hs
	}
	hs.consecutiveFailures++
	hs.lastFailureTime = cb.nowFunc()

	switch hs.state {
	case circuitStateClosed:
		if hs.consecutiveFailures >= cb.failureThreshold {
			hs.state = circuitStateOpen
		}
	case circuitStateHalfOpen:
		hs.state = circuitStateOpen
	}
}
