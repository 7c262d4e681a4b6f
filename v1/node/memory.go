package node

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrNodeDown is returned by an InMemory node that has been marked as failing.
var ErrNodeDown = errors.New("redlock: node down")

type entry struct {
	token     string
	expiresAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// InMemory implements Node using local memory. Expired keys are dropped
// lazily on access; no timers are started.
type InMemory struct {
	name    string
	mu      sync.Mutex
	keys    map[string]entry
	failing atomic.Bool
}

// NewInMemory returns an empty in-memory node identified by name.
func NewInMemory(name string) *InMemory {
	return &InMemory{name: name, keys: make(map[string]entry)}
}

func (m *InMemory) String() string { return m.name }

// SetFailing makes every subsequent operation return ErrNodeDown until it is
// reset. It simulates an unreachable node.
func (m *InMemory) SetFailing(v bool) { m.failing.Store(v) }

// lookup returns the live entry for key. It must be called with mu held.
func (m *InMemory) lookup(key string, now time.Time) (entry, bool) {
	e, ok := m.keys[key]
	if !ok {
		return entry{}, false
	}
	if e.expired(now) {
		delete(m.keys, key)
		return entry{}, false
	}
	return e, true
}

func (m *InMemory) check(ctx context.Context) error {
	if m.failing.Load() {
		return ErrNodeDown
	}
	return ctx.Err()
}

// Acquire implements Node.Acquire.
func (m *InMemory) Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if err := m.check(ctx); err != nil {
		return false, err
	}
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.lookup(key, now); ok {
		return false, nil
	}
	e := entry{token: token}
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	}
	m.keys[key] = e
	return true, nil
}

// Release implements Node.Release.
func (m *InMemory) Release(ctx context.Context, key, token string) (bool, error) {
	if err := m.check(ctx); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.lookup(key, time.Now())
	if !ok || e.token != token {
		return false, nil
	}
	delete(m.keys, key)
	return true, nil
}

// Renew implements Node.Renew.
func (m *InMemory) Renew(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if err := m.check(ctx); err != nil {
		return false, err
	}
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.lookup(key, now)
	if !ok || e.token != token {
		return false, nil
	}
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	} else {
		e.expiresAt = time.Time{}
	}
	m.keys[key] = e
	return true, nil
}

// Status implements Node.Status.
func (m *InMemory) Status(ctx context.Context, key, token string) (Status, error) {
	if err := m.check(ctx); err != nil {
		return StatusAvailable, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.lookup(key, time.Now())
	switch {
	case !ok:
		return StatusAvailable, nil
	case e.token == token:
		return StatusAcquired, nil
	default:
		return StatusLocked, nil
	}
}

// Len returns the number of live keys held by the node.
func (m *InMemory) Len() int {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k := range m.keys {
		if _, ok := m.lookup(k, now); ok {
			n++
		}
	}
	return n
}
