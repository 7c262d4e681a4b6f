package lock

import (
	"log/slog"
	"math"
	"time"

	"github.com/mirkobrombin/go-redlock/v1/syncbus"
)

const (
	// DefaultPrefix is prepended to every lock key.
	DefaultPrefix = "lock:"
	// DefaultRetryDelay is the pause between two acquisition rounds.
	DefaultRetryDelay = 100 * time.Millisecond
	// DefaultDriftFactor is the share of the TTL reserved for clock drift.
	DefaultDriftFactor = 0.01
)

// minDrift is added to every drift to cover the resolution of node clocks.
const minDrift = 2 * time.Millisecond

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithPrefix sets the key namespace of the coordinator.
func WithPrefix(prefix string) Option {
	return func(c *Coordinator) {
		c.prefix = prefix
	}
}

// WithDefaultTTL sets the TTL used when a call does not provide one. Zero
// makes locks permanent by default.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(c *Coordinator) {
		c.defaults.TTL = ttl
	}
}

// WithDefaultRetryDelay sets the pause between acquisition rounds used when
// a call does not provide one.
func WithDefaultRetryDelay(d time.Duration) Option {
	return func(c *Coordinator) {
		c.defaults.RetryDelay = d
	}
}

// WithDefaultFailAfter sets the acquisition deadline used when a call does
// not provide one. Zero retries forever.
func WithDefaultFailAfter(d time.Duration) Option {
	return func(c *Coordinator) {
		c.defaults.FailAfter = d
	}
}

// WithDriftFactor sets the share of the TTL subtracted from the validity of
// a lock to account for clock drift. Negative values are ignored.
func WithDriftFactor(f float64) Option {
	return func(c *Coordinator) {
		if f >= 0 {
			c.driftFactor = f
		}
	}
}

// WithTokenGenerator replaces the generator of lock tokens.
func WithTokenGenerator(g TokenGenerator) Option {
	return func(c *Coordinator) {
		if g != nil {
			c.tokens = g
		}
	}
}

// WithLogger sets the logger used by the coordinator.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithBus enables release notifications: unlocks are published on the bus
// and waiting acquirers retry as soon as they receive one.
func WithBus(bus syncbus.Bus) Option {
	return func(c *Coordinator) {
		c.bus = bus
	}
}

// WithClock replaces the time source. It is meant for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// AcquireOptions is the resolved configuration of a single Lock call.
type AcquireOptions struct {
	// TTL is the validity of the lock on each node. Zero means the lock never
	// expires and cannot be renewed.
	TTL time.Duration
	// RetryDelay is the pause between two acquisition rounds.
	RetryDelay time.Duration
	// FailAfter bounds the total acquisition time. Zero retries forever.
	FailAfter time.Duration
}

// AcquireOption overrides a coordinator default for a single Lock call.
type AcquireOption func(*AcquireOptions)

// WithTTL sets the lock TTL.
func WithTTL(ttl time.Duration) AcquireOption {
	return func(o *AcquireOptions) {
		o.TTL = ttl
	}
}

// WithoutTTL acquires a permanent lock regardless of the coordinator default.
func WithoutTTL() AcquireOption {
	return func(o *AcquireOptions) {
		o.TTL = 0
	}
}

// WithRetryDelay sets the pause between acquisition rounds.
func WithRetryDelay(d time.Duration) AcquireOption {
	return func(o *AcquireOptions) {
		o.RetryDelay = d
	}
}

// WithFailAfter bounds the total acquisition time.
func WithFailAfter(d time.Duration) AcquireOption {
	return func(o *AcquireOptions) {
		o.FailAfter = d
	}
}

// WithoutDeadline retries until the lock is acquired, a majority of nodes
// fails or the context is done.
func WithoutDeadline() AcquireOption {
	return func(o *AcquireOptions) {
		o.FailAfter = 0
	}
}

// resolve merges opts over the coordinator defaults. The shared defaults are
// never modified.
func (c *Coordinator) resolve(opts []AcquireOption) AcquireOptions {
	o := c.defaults
	for _, opt := range opts {
		opt(&o)
	}
	if o.TTL < 0 {
		o.TTL = 0
	}
	if o.FailAfter < 0 {
		o.FailAfter = 0
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = DefaultRetryDelay
	}
	return o
}

// drift returns the validity compensation for ttl: factor*ttl rounded to the
// millisecond, plus minDrift. Permanent locks have no drift.
func drift(factor float64, ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return 0
	}
	ms := math.Round(factor * float64(ttl.Milliseconds()))
	return time.Duration(ms)*time.Millisecond + minDrift
}

// quorum returns the number of nodes that must agree on a decision.
func quorum(n int) int {
	return min(n, n/2+1)
}
