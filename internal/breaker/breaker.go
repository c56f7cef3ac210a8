// Package breaker implements the per-backend circuit breaker state
// machine: Closed, Degraded after consecutive failures, Open after
// more, with a single half-open probe after cooldown.
package breaker

import (
	"sync"
	"time"
)

type State int

const (
	Closed State = iota
	Degraded
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Degraded:
		return "degraded"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

const (
	degradeThreshold = 3
	openThreshold    = 5
)

// CircuitBreaker tracks consecutive failures for a single backend and
// suppresses traffic once the failure count crosses openThreshold.
type CircuitBreaker struct {
	mu               sync.Mutex
	state            State
	cooldown         time.Duration
	consecutiveFails int
	lastTransition   time.Time
	halfOpenInFlight bool
}

// New returns a breaker in the Closed state with the given cooldown
// period governing how long an Open breaker waits before permitting a
// half-open probe.
func New(cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{state: Closed, cooldown: cooldown, lastTransition: time.Now()}
}

// State reports the breaker's current state, including HalfOpen while
// a probe is permitted or in flight.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Allow reports whether a send_batch call may proceed against this
// backend right now. In Open state this also performs the cooldown-based
// transition into a single half-open probe.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case Open:
		if time.Since(cb.lastTransition) >= cb.cooldown {
			cb.state = HalfOpen
			cb.lastTransition = time.Now()
			cb.halfOpenInFlight = true
			return true
		}
		return false
	case HalfOpen:
		if cb.halfOpenInFlight {
			return false
		}
		cb.halfOpenInFlight = true
		return true
	default:
		return true
	}
}

// Record updates the breaker with the outcome of a send_batch call.
func (cb *CircuitBreaker) Record(ok bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	now := time.Now()

	switch cb.state {
	case HalfOpen:
		cb.halfOpenInFlight = false
		if ok {
			cb.state = Closed
			cb.consecutiveFails = 0
		} else {
			cb.state = Open
			cb.consecutiveFails = openThreshold
		}
		cb.lastTransition = now
		return
	case Open:
		// Result for a stale in-flight call that raced a later cooldown
		// transition; ignore to avoid reopening the window twice.
		return
	}

	if ok {
		cb.consecutiveFails = 0
		if cb.state != Closed {
			cb.state = Closed
			cb.lastTransition = now
		}
		return
	}

	cb.consecutiveFails++
	switch {
	case cb.consecutiveFails >= openThreshold:
		if cb.state != Open {
			cb.state = Open
			cb.lastTransition = now
		}
	case cb.consecutiveFails >= degradeThreshold:
		if cb.state != Degraded {
			cb.state = Degraded
			cb.lastTransition = now
		}
	}
}
