package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrCircuitOpen is returned without calling the node while its breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

// CircuitBreaker decorates a Node with circuit breaker logic. After threshold
// consecutive transport errors the node is skipped for timeout, and every call
// fails fast with ErrCircuitOpen. A false answer from the node is not a
// failure.
type CircuitBreaker struct {
	node      Node
	mu        sync.RWMutex
	state     state
	failures  int
	threshold int
	timeout   time.Duration
	lastFail  time.Time
}

// NewCircuitBreaker returns a new CircuitBreaker around n.
func NewCircuitBreaker(n Node, threshold int, timeout time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 1
	}
	return &CircuitBreaker{
		node:      n,
		threshold: threshold,
		timeout:   timeout,
		state:     stateClosed,
	}
}

func (cb *CircuitBreaker) String() string {
	return fmt.Sprint(cb.node)
}

// IsHealthy returns true if the circuit is closed or ready for a probe.
func (cb *CircuitBreaker) IsHealthy() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	if cb.state == stateOpen {
		return time.Since(cb.lastFail) > cb.timeout
	}
	return true
}

// allow checks if a request should be allowed.
// It handles the transition from Open to Half-Open based on timeout.
func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case stateClosed:
		return true
	case stateOpen:
		if time.Since(cb.lastFail) > cb.timeout {
			cb.state = stateHalfOpen
			return true
		}
		return false
	case stateHalfOpen:
		return false // a single probe is in flight
	}
	return false
}

// done records the outcome of a call made with ctx. Errors caused by the
// caller giving up are not held against the node.
func (cb *CircuitBreaker) done(ctx context.Context, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err == nil {
		cb.state = stateClosed
		cb.failures = 0
		return
	}
	if errors.Is(err, context.Canceled) || (errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil) {
		// the probe told nothing: let the next call probe again
		if cb.state == stateHalfOpen {
			cb.state = stateOpen
		}
		return
	}
	cb.lastFail = time.Now()
	cb.failures++
	if cb.state == stateHalfOpen || cb.failures >= cb.threshold {
		cb.state = stateOpen
	}
}

// Acquire implements Node.Acquire with circuit breaker logic.
func (cb *CircuitBreaker) Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if !cb.allow() {
		return false, ErrCircuitOpen
	}
	ok, err := cb.node.Acquire(ctx, key, token, ttl)
	cb.done(ctx, err)
	return ok, err
}

// Release implements Node.Release with circuit breaker logic.
func (cb *CircuitBreaker) Release(ctx context.Context, key, token string) (bool, error) {
	if !cb.allow() {
		return false, ErrCircuitOpen
	}
	ok, err := cb.node.Release(ctx, key, token)
	cb.done(ctx, err)
	return ok, err
}

// Renew implements Node.Renew with circuit breaker logic.
func (cb *CircuitBreaker) Renew(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if !cb.allow() {
		return false, ErrCircuitOpen
	}
	ok, err := cb.node.Renew(ctx, key, token, ttl)
	cb.done(ctx, err)
	return ok, err
}

// Status implements Node.Status with circuit breaker logic.
func (cb *CircuitBreaker) Status(ctx context.Context, key, token string) (Status, error) {
	if !cb.allow() {
		return StatusAvailable, ErrCircuitOpen
	}
	s, err := cb.node.Status(ctx, key, token)
	cb.done(ctx, err)
	return s, err
}
