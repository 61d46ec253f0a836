// Package resilience provides reliability patterns for the agent-execution
// boundary.
package resilience

import (
	"errors"
	"sync"
	"time"

	"github.com/forgecrew/forgecrew/internal/domain/fcerr"
)

// ErrCircuitOpen is returned when the circuit breaker is open and rejecting
// calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

// Breaker implements a circuit breaker around agent executions. Consecutive
// backend failures open the circuit; validation and budget failures are the
// caller's problem, not the backend's, and do not count.
type Breaker struct {
	mu          sync.Mutex
	state       state
	failures    int
	maxFailures int
	timeout     time.Duration
	openedAt    time.Time
	now         func() time.Time // for testing
}

// NewBreaker creates a circuit breaker that opens after maxFailures
// consecutive backend failures and stays open for the given timeout before
// transitioning to half-open.
func NewBreaker(maxFailures int, timeout time.Duration) *Breaker {
	return &Breaker{
		maxFailures: maxFailures,
		timeout:     timeout,
		now:         time.Now,
	}
}

// Execute runs fn if the circuit is closed or half-open. Returns
// ErrCircuitOpen if the circuit is open.
func (b *Breaker) Execute(fn func() error) error {
	if !b.allowRequest() {
		return ErrCircuitOpen
	}

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil && countsAsBackendFailure(err) {
		b.onFailure()
		return err
	}
	if err != nil {
		return err
	}

	b.onSuccess()
	return nil
}

// countsAsBackendFailure reports whether err indicates backend trouble.
func countsAsBackendFailure(err error) bool {
	switch fcerr.Classify(err) {
	case fcerr.KindValidation, fcerr.KindBudget, fcerr.KindStagnation:
		return false
	default:
		return true
	}
}

// State returns a human-readable breaker state for health reporting.
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

func (b *Breaker) allowRequest() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateClosed:
		return true
	case stateOpen:
		if b.now().Sub(b.openedAt) >= b.timeout {
			b.state = stateHalfOpen
			return true
		}
		return false
	case stateHalfOpen:
		return true
	}
	return false
}

// onFailure must be called with b.mu held.
func (b *Breaker) onFailure() {
	b.failures++
	if b.state == stateHalfOpen || b.failures >= b.maxFailures {
		b.state = stateOpen
		b.openedAt = b.now()
	}
}

// onSuccess must be called with b.mu held.
func (b *Breaker) onSuccess() {
	b.failures = 0
	b.state = stateClosed
}
