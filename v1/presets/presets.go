package presets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"

	rlerrors "github.com/mirkobrombin/go-redlock/v1/errors"
	"github.com/mirkobrombin/go-redlock/v1/lock"
	"github.com/mirkobrombin/go-redlock/v1/node"
	"github.com/mirkobrombin/go-redlock/v1/syncbus"
)

// RedisOptions configures the connection to one Redis node.
type RedisOptions struct {
	Addr       string
	Username   string
	Password   string
	DB         int
	ClientName string
}

// Options configures a Redis backed coordinator. Zero values select the
// coordinator defaults.
type Options struct {
	Prefix      string
	TTL         time.Duration
	RetryDelay  time.Duration
	FailAfter   time.Duration
	DriftFactor float64

	// DialTimeout bounds the initial ping of each node. Defaults to 5s.
	DialTimeout time.Duration
	// ClearOnStartUp deletes every key under Prefix once connected. Meant
	// for tests and development, never for shared clusters.
	ClearOnStartUp bool
	// ClearOnShutDown deletes every key under Prefix on Close.
	ClearOnShutDown bool
	// BreakerThreshold enables a circuit breaker per node opening after that
	// many consecutive errors for BreakerTimeout.
	BreakerThreshold int
	BreakerTimeout   time.Duration
	// ReleaseNotifications publishes releases through Redis pub/sub on the
	// first reachable node so waiters retry early.
	ReleaseNotifications bool
	// Bus carries release notifications instead of Redis pub/sub, e.g. a
	// syncbus.NATSBus or syncbus.KafkaBus. It takes precedence over
	// ReleaseNotifications.
	Bus syncbus.Bus

	Logger *slog.Logger
}

const defaultDialTimeout = 5 * time.Second

// Cluster is a coordinator bound to the Redis connections it owns.
type Cluster struct {
	*lock.Coordinator
	nodes  []*node.Redis
	prefix string
	clear  bool
	logger *slog.Logger
}

// NewRedis connects to every node in nodes and returns a coordinator over
// the reachable ones. Unreachable nodes are logged and skipped; the quorum is
// computed on the reachable set. rlerrors.ErrConfiguration is returned when
// no node is given or none answers.
func NewRedis(ctx context.Context, nodes []RedisOptions, opts Options) (*Cluster, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("%w: no redis nodes configured", rlerrors.ErrConfiguration)
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = lock.DefaultPrefix
	}
	timeout := opts.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}

	logger.Info("redlock: connecting to redis nodes", "nodes", len(nodes))
	var connected []*node.Redis
	for _, ro := range nodes {
		client := redis.NewClient(&redis.Options{
			Addr:        ro.Addr,
			Username:    ro.Username,
			Password:    ro.Password,
			DB:          ro.DB,
			ClientName:  ro.ClientName,
			DialTimeout: timeout,
		})
		n := node.NewRedis(client)
		pingCtx, cancel := context.WithTimeout(ctx, timeout)
		err := n.Ping(pingCtx)
		cancel()
		if err != nil {
			logger.Error("redlock: failed to connect to redis", "addr", ro.Addr, "error", err)
			_ = client.Close()
			continue
		}
		logger.Debug("redlock: connected to redis", "addr", ro.Addr)
		connected = append(connected, n)
	}
	if len(connected) == 0 {
		return nil, fmt.Errorf("%w: none of %d redis nodes is reachable", rlerrors.ErrConfiguration, len(nodes))
	}

	if opts.ClearOnStartUp {
		for _, n := range connected {
			if _, err := n.Flush(ctx, prefix); err != nil {
				logger.Warn("redlock: failed to clear locks on startup", "addr", n.String(), "error", err)
			}
		}
	}

	members := make([]node.Node, len(connected))
	for i, n := range connected {
		if opts.BreakerThreshold > 0 {
			members[i] = node.NewCircuitBreaker(n, opts.BreakerThreshold, opts.BreakerTimeout)
		} else {
			members[i] = n
		}
	}

	lockOpts := []lock.Option{
		lock.WithPrefix(prefix),
		lock.WithDefaultTTL(opts.TTL),
		lock.WithDefaultFailAfter(opts.FailAfter),
		lock.WithLogger(logger),
	}
	if opts.RetryDelay > 0 {
		lockOpts = append(lockOpts, lock.WithDefaultRetryDelay(opts.RetryDelay))
	}
	if opts.DriftFactor > 0 {
		lockOpts = append(lockOpts, lock.WithDriftFactor(opts.DriftFactor))
	}
	switch {
	case opts.Bus != nil:
		lockOpts = append(lockOpts, lock.WithBus(opts.Bus))
	case opts.ReleaseNotifications:
		lockOpts = append(lockOpts, lock.WithBus(syncbus.NewRedisBus(connected[0].Client())))
	}

	c, err := lock.New(members, lockOpts...)
	if err != nil {
		for _, n := range connected {
			_ = n.Client().Close()
		}
		return nil, err
	}
	return &Cluster{
		Coordinator: c,
		nodes:       connected,
		prefix:      prefix,
		clear:       opts.ClearOnShutDown,
		logger:      logger,
	}, nil
}

// Close disconnects from every node, clearing the lock keys first when
// ClearOnShutDown is set.
func (c *Cluster) Close(ctx context.Context) error {
	c.logger.Info("redlock: disconnecting from redis nodes", "nodes", len(c.nodes))
	var errs []error
	for _, n := range c.nodes {
		if c.clear {
			if _, err := n.Flush(ctx, c.prefix); err != nil {
				errs = append(errs, err)
			}
		}
		if err := n.Client().Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NewInMemoryStandalone returns a coordinator over n in-memory nodes with no
// external dependencies. Useful for local development and tests.
func NewInMemoryStandalone(n int, opts ...lock.Option) (*lock.Coordinator, error) {
	nodes := make([]node.Node, n)
	for i := range nodes {
		nodes[i] = node.NewInMemory(fmt.Sprintf("memory-%d", i))
	}
	return lock.New(nodes, opts...)
}
