package box

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned without contacting Box while the breaker is open.
var ErrCircuitOpen = errors.New("box: circuit breaker is open")

type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

func (s circuitState) String() string {
	switch s {
	case circuitOpen:
		return "open"
	case circuitHalfOpen:
		return "half-open"
	}
	return "closed"
}

// circuitBreaker stops sending requests after repeated server failures and
// lets a few probes through once the cool-down has passed.
type circuitBreaker struct {
	maxFailures int
	coolDown    time.Duration
	probes      int

	mu         sync.Mutex
	state      circuitState
	failures   int
	successes  int
	inFlight   int
	lastFailed time.Time
	now        func() time.Time
}

func newCircuitBreaker(maxFailures int, coolDown time.Duration, probes int) *circuitBreaker {
	return &circuitBreaker{
		maxFailures: maxFailures,
		coolDown:    coolDown,
		probes:      probes,
		now:         time.Now,
	}
}

// Allow reports whether a request may be sent.
func (cb *circuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case circuitOpen:
		if cb.now().Sub(cb.lastFailed) < cb.coolDown {
			return ErrCircuitOpen
		}
		cb.state = circuitHalfOpen
		cb.successes = 0
		cb.inFlight = 0
		fallthrough
	case circuitHalfOpen:
		if cb.inFlight >= cb.probes {
			return ErrCircuitOpen
		}
		cb.inFlight++
	}
	return nil
}

func (cb *circuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case circuitHalfOpen:
		cb.successes++
		if cb.inFlight > 0 {
			cb.inFlight--
		}
		if cb.successes >= cb.probes {
			cb.state = circuitClosed
			cb.failures = 0
		}
	case circuitClosed:
		cb.failures = 0
	}
}

func (cb *circuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailed = cb.now()
	switch cb.state {
	case circuitClosed:
		if cb.failures >= cb.maxFailures {
			cb.state = circuitOpen
		}
	case circuitHalfOpen:
		cb.state = circuitOpen
	}
}

func (cb *circuitBreaker) State() circuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
