package lock

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	rlerrors "github.com/mirkobrombin/go-redlock/v1/errors"
	"github.com/mirkobrombin/go-redlock/v1/metrics"
	"github.com/mirkobrombin/go-redlock/v1/node"
	"github.com/mirkobrombin/go-redlock/v1/syncbus"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-redlock/v1/lock")

// Lock errors, re-exported for convenience.
var (
	ErrConfiguration   = rlerrors.ErrConfiguration
	ErrLockAcquisition = rlerrors.ErrLockAcquisition
	ErrLockRemoval     = rlerrors.ErrLockRemoval
	ErrLockRenewal     = rlerrors.ErrLockRenewal
)

// Status values returned by CheckStatus.
const (
	StatusAvailable = node.StatusAvailable
	StatusLocked    = node.StatusLocked
	StatusAcquired  = node.StatusAcquired
)

// LockedResource is the belief that this process holds a lock. It is only
// authoritative while a quorum of nodes still maps Resource to Token.
type LockedResource struct {
	Resource string
	Token    string
	// TTL is the nominal TTL plus the drift compensation. Zero for
	// permanent locks.
	TTL        time.Duration
	AcquiredAt time.Time
	// ExpiresAt is a conservative bound of the lock validity. Zero for
	// permanent locks.
	ExpiresAt time.Time
}

// Permanent reports whether the lock was acquired without a TTL.
func (r *LockedResource) Permanent() bool {
	return r.TTL == 0
}

// Expired reports whether the lock validity has passed at now.
func (r *LockedResource) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// Remaining returns the validity left at now. Permanent locks report -1.
func (r *LockedResource) Remaining(now time.Time) time.Duration {
	if r.ExpiresAt.IsZero() {
		return -1
	}
	if d := r.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Coordinator runs the Redlock algorithm over a fixed set of nodes. It holds
// no per-lock state, so concurrent calls on different resources never
// interfere.
type Coordinator struct {
	nodes       []node.Node
	quorum      int
	prefix      string
	defaults    AcquireOptions
	driftFactor float64
	tokens      TokenGenerator
	logger      *slog.Logger
	bus         syncbus.Bus
	now         func() time.Time
}

// New returns a Coordinator over nodes. The node set and the quorum are
// fixed for the lifetime of the coordinator. ErrConfiguration is returned
// when no node is provided.
func New(nodes []node.Node, opts ...Option) (*Coordinator, error) {
	live := make([]node.Node, 0, len(nodes))
	for _, n := range nodes {
		if n != nil {
			live = append(live, n)
		}
	}
	if len(live) == 0 {
		return nil, fmt.Errorf("%w: no nodes provided", ErrConfiguration)
	}
	c := &Coordinator{
		nodes:       live,
		quorum:      quorum(len(live)),
		prefix:      DefaultPrefix,
		defaults:    AcquireOptions{RetryDelay: DefaultRetryDelay},
		driftFactor: DefaultDriftFactor,
		tokens:      RandomTokens(DefaultTokenLength),
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Quorum returns the number of nodes that must agree on a decision.
func (c *Coordinator) Quorum() int { return c.quorum }

// Nodes returns the number of nodes.
func (c *Coordinator) Nodes() int { return len(c.nodes) }

// ReleaseKey returns the bus key on which releases of resource are announced.
func ReleaseKey(resource string) string { return "unlock:" + resource }

// each runs fn on every node concurrently. It returns how many nodes
// answered true and how many failed. Node errors are logged and counted,
// they never abort the round.
func (c *Coordinator) each(ctx context.Context, op, resource string, fn func(context.Context, node.Node) (bool, error)) (succeeded, failed int) {
	var ok, errs atomic.Int32
	var g errgroup.Group
	for _, n := range c.nodes {
		g.Go(func() error {
			done, err := fn(ctx, n)
			if err != nil {
				errs.Add(1)
				metrics.NodeErrorCounter.WithLabelValues(op).Inc()
				c.logger.Debug("redlock: node operation failed", "op", op, "resource", resource, "node", fmt.Sprint(n), "error", err)
				return nil
			}
			if done {
				ok.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(ok.Load()), int(errs.Load())
}

// releaseAll asks every node to drop resource if it holds token, ignoring
// every error. It runs even when ctx is already cancelled: partial locks are
// otherwise left behind until their TTL decays.
func (c *Coordinator) releaseAll(ctx context.Context, resource, token string) {
	c.each(context.WithoutCancel(ctx), "release", resource, func(ctx context.Context, n node.Node) (bool, error) {
		return n.Release(ctx, resource, token)
	})
}

// Lock acquires the lock on key, retrying until a quorum of nodes accepts
// it. It fails with ErrLockAcquisition when a majority of nodes errors in a
// round, when the FailAfter deadline elapses, or when ctx is done.
func (c *Coordinator) Lock(ctx context.Context, key string, opts ...AcquireOption) (*LockedResource, error) {
	resource := c.prefix + key
	ctx, span := tracer.Start(ctx, "Coordinator.Lock", trace.WithAttributes(attribute.String("redlock.resource", resource)))
	defer span.End()
	began := time.Now()
	defer func() { metrics.LatencyHist.WithLabelValues("lock").Observe(time.Since(began).Seconds()) }()

	o := c.resolve(opts)
	token, err := c.tokens()
	if err != nil {
		metrics.AcquireCounter.WithLabelValues(metrics.ResultError).Inc()
		return nil, fmt.Errorf("%w: generate token: %w", ErrLockAcquisition, err)
	}

	fail := func(attempt int, reason string, cause error) error {
		metrics.AcquireCounter.WithLabelValues(metrics.ResultFail).Inc()
		span.SetAttributes(attribute.Int("redlock.attempts", attempt), attribute.Bool("redlock.acquired", false))
		c.logger.Debug("redlock: lock acquisition failed", "resource", resource, "attempt", attempt, "reason", reason)
		err := fmt.Errorf("%w: resource %s: %s", ErrLockAcquisition, resource, reason)
		if cause != nil {
			err = fmt.Errorf("%w: %w", err, cause)
		}
		span.RecordError(err)
		return err
	}

	var wake <-chan struct{}
	if c.bus != nil {
		subCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		if ch, err := c.bus.Subscribe(subCtx, ReleaseKey(resource)); err == nil {
			wake = ch
		} else {
			c.logger.Debug("redlock: release notifications unavailable", "resource", resource, "error", err)
		}
	}

	first := c.now()
	for attempt := 1; ; attempt++ {
		start := c.now()
		acquired, errored := c.each(ctx, "acquire", resource, func(ctx context.Context, n node.Node) (bool, error) {
			return n.Acquire(ctx, resource, token, o.TTL)
		})
		metrics.AttemptCounter.Inc()
		now := c.now()
		elapsed := now.Sub(start)

		if acquired >= c.quorum && (o.TTL == 0 || elapsed < o.TTL) {
			lr := &LockedResource{Resource: resource, Token: token, AcquiredAt: now}
			if o.TTL > 0 {
				d := drift(c.driftFactor, o.TTL)
				lr.TTL = o.TTL + d
				lr.ExpiresAt = start.Add(o.TTL - d)
			}
			metrics.AcquireCounter.WithLabelValues(metrics.ResultSuccess).Inc()
			span.SetAttributes(attribute.Int("redlock.attempts", attempt), attribute.Bool("redlock.acquired", true), attribute.Int("redlock.nodes", acquired))
			if acquired == len(c.nodes) {
				c.logger.Info("redlock: lock acquired on all nodes", "resource", resource, "attempt", attempt)
			} else {
				c.logger.Info("redlock: lock acquired on a majority of nodes", "resource", resource, "attempt", attempt, "acquired", acquired, "nodes", len(c.nodes))
			}
			return lr, nil
		}

		// Also covers a quorum reached too late: the earliest node may
		// already have dropped the key.
		if acquired > 0 {
			c.releaseAll(ctx, resource, token)
		}
		if err := ctx.Err(); err != nil {
			return nil, fail(attempt, "context done", err)
		}
		if errored >= c.quorum {
			return nil, fail(attempt, "majority of nodes failed", nil)
		}
		if o.FailAfter > 0 && c.now().Sub(first) > o.FailAfter {
			return nil, fail(attempt, fmt.Sprintf("exceeded failure time limit %s", o.FailAfter), nil)
		}

		c.logger.Debug("redlock: lock busy, retrying", "resource", resource, "attempt", attempt, "acquired", acquired, "errored", errored)
		timer := time.NewTimer(o.RetryDelay)
		select {
		case <-timer.C:
		case _, ok := <-wake:
			if !ok {
				wake = nil
			}
		case <-ctx.Done():
			timer.Stop()
			return nil, fail(attempt, "context done", ctx.Err())
		}
		timer.Stop()
	}
}

// Unlock releases the lock on every node. It returns ErrLockRemoval when no
// node released it, typically because the lock already expired. A release
// below quorum still reports true: the remaining copies expire with their
// TTL.
func (c *Coordinator) Unlock(ctx context.Context, lr *LockedResource) (bool, error) {
	if lr == nil {
		return false, fmt.Errorf("%w: nil lock", ErrLockRemoval)
	}
	ctx, span := tracer.Start(ctx, "Coordinator.Unlock", trace.WithAttributes(attribute.String("redlock.resource", lr.Resource)))
	defer span.End()
	began := time.Now()
	defer func() { metrics.LatencyHist.WithLabelValues("unlock").Observe(time.Since(began).Seconds()) }()

	released, errored := c.each(ctx, "release", lr.Resource, func(ctx context.Context, n node.Node) (bool, error) {
		return n.Release(ctx, lr.Resource, lr.Token)
	})
	span.SetAttributes(attribute.Int("redlock.nodes", released))

	if released == 0 {
		metrics.ReleaseCounter.WithLabelValues(metrics.ResultFail).Inc()
		err := fmt.Errorf("%w: resource %s: no node released the lock", ErrLockRemoval, lr.Resource)
		span.RecordError(err)
		c.logger.Warn("redlock: could not remove lock", "resource", lr.Resource, "errored", errored)
		return false, err
	}
	if released < c.quorum {
		metrics.ReleaseCounter.WithLabelValues(metrics.ResultPartial).Inc()
		c.logger.Warn("redlock: lock removed below quorum", "resource", lr.Resource, "released", released, "nodes", len(c.nodes))
	} else {
		metrics.ReleaseCounter.WithLabelValues(metrics.ResultSuccess).Inc()
		c.logger.Info("redlock: lock removed", "resource", lr.Resource, "released", released)
	}

	if c.bus != nil {
		if err := c.bus.Publish(ctx, ReleaseKey(lr.Resource)); err != nil {
			c.logger.Debug("redlock: release notification failed", "resource", lr.Resource, "error", err)
		}
	}
	return true, nil
}

// Renew resets the TTL of a held lock to ttl on every node and returns the
// refreshed LockedResource; lr itself is left untouched. Permanent locks
// cannot be renewed.
func (c *Coordinator) Renew(ctx context.Context, lr *LockedResource, ttl time.Duration) (*LockedResource, error) {
	if lr == nil {
		return nil, fmt.Errorf("%w: nil lock", ErrLockRenewal)
	}
	if lr.Permanent() {
		metrics.RenewCounter.WithLabelValues(metrics.ResultError).Inc()
		return nil, fmt.Errorf("%w: resource %s: a permanent lock cannot be renewed", ErrLockRenewal, lr.Resource)
	}
	if ttl <= 0 {
		metrics.RenewCounter.WithLabelValues(metrics.ResultError).Inc()
		return nil, fmt.Errorf("%w: resource %s: ttl must be positive", ErrLockRenewal, lr.Resource)
	}
	ctx, span := tracer.Start(ctx, "Coordinator.Renew", trace.WithAttributes(attribute.String("redlock.resource", lr.Resource)))
	defer span.End()
	began := time.Now()
	defer func() { metrics.LatencyHist.WithLabelValues("renew").Observe(time.Since(began).Seconds()) }()

	start := c.now()
	renewed, errored := c.each(ctx, "renew", lr.Resource, func(ctx context.Context, n node.Node) (bool, error) {
		return n.Renew(ctx, lr.Resource, lr.Token, ttl)
	})
	span.SetAttributes(attribute.Int("redlock.nodes", renewed))

	if renewed < c.quorum {
		metrics.RenewCounter.WithLabelValues(metrics.ResultFail).Inc()
		err := fmt.Errorf("%w: resource %s: renewed on %d of %d nodes", ErrLockRenewal, lr.Resource, renewed, len(c.nodes))
		span.RecordError(err)
		c.logger.Warn("redlock: could not renew lock", "resource", lr.Resource, "renewed", renewed, "errored", errored)
		return nil, err
	}

	d := drift(c.driftFactor, ttl)
	metrics.RenewCounter.WithLabelValues(metrics.ResultSuccess).Inc()
	c.logger.Info("redlock: lock renewed", "resource", lr.Resource, "renewed", renewed, "nodes", len(c.nodes))
	return &LockedResource{
		Resource:   lr.Resource,
		Token:      lr.Token,
		TTL:        ttl + d,
		AcquiredAt: c.now(),
		ExpiresAt:  start.Add(ttl - d),
	}, nil
}

// CheckStatus probes the nodes in order and returns the first ACQUIRED or
// LOCKED answer. It is a cheap liveness probe, not a quorum vote: it tells
// whether at least one node knows about the lock. Unreachable nodes are
// skipped; StatusAvailable is returned when no node knows the key.
func (c *Coordinator) CheckStatus(ctx context.Context, lr *LockedResource) node.Status {
	if lr == nil {
		return StatusAvailable
	}
	ctx, span := tracer.Start(ctx, "Coordinator.CheckStatus", trace.WithAttributes(attribute.String("redlock.resource", lr.Resource)))
	defer span.End()

	for _, n := range c.nodes {
		s, err := n.Status(ctx, lr.Resource, lr.Token)
		if err != nil {
			metrics.NodeErrorCounter.WithLabelValues("status").Inc()
			c.logger.Debug("redlock: status probe failed", "resource", lr.Resource, "node", fmt.Sprint(n), "error", err)
			continue
		}
		if s == StatusAcquired || s == StatusLocked {
			span.SetAttributes(attribute.String("redlock.status", s.String()))
			return s
		}
	}
	span.SetAttributes(attribute.String("redlock.status", StatusAvailable.String()))
	return StatusAvailable
}

// WithLock acquires key, runs fn and releases the lock. The error of fn takes
// precedence over a release failure.
func (c *Coordinator) WithLock(ctx context.Context, key string, fn func(context.Context) error, opts ...AcquireOption) error {
	lr, err := c.Lock(ctx, key, opts...)
	if err != nil {
		return err
	}
	fnErr := fn(ctx)
	_, unlockErr := c.Unlock(ctx, lr)
	if fnErr != nil {
		return fnErr
	}
	return unlockErr
}
