package node

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	rlerrors "github.com/mirkobrombin/go-redlock/v1/errors"
)

var acquireScript = redis.NewScript(`
local ok
if tonumber(ARGV[2]) > 0 then
    ok = redis.call("SET", KEYS[1], ARGV[1], "NX", "PX", ARGV[2])
else
    ok = redis.call("SET", KEYS[1], ARGV[1], "NX")
end
if ok then
    return 1
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
    return 0
end
`)

var statusScript = redis.NewScript(`
local value = redis.call("GET", KEYS[1])
if value == ARGV[1] then
    return "ACQUIRED"
elseif value then
    return "LOCKED"
else
    return "AVAILABLE"
end
`)

// Redis implements Node on top of a single Redis server. Each operation is a
// single Lua script evaluation, which Redis executes atomically.
type Redis struct {
	client *redis.Client
}

// NewRedis returns a Node backed by the provided client. The client's
// lifecycle stays with the caller.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

// Client returns the underlying Redis client.
func (r *Redis) Client() *redis.Client { return r.client }

func (r *Redis) String() string {
	return r.client.Options().Addr
}

// Ping checks that the node answers.
func (r *Redis) Ping(ctx context.Context) error {
	return mapErr(r.client.Ping(ctx).Err())
}

// Acquire implements Node.Acquire.
func (r *Redis) Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	n, err := acquireScript.Run(ctx, r.client, []string{key}, token, millis(ttl)).Int()
	if err != nil {
		return false, mapErr(err)
	}
	return n == 1, nil
}

// Release implements Node.Release.
func (r *Redis) Release(ctx context.Context, key, token string) (bool, error) {
	n, err := releaseScript.Run(ctx, r.client, []string{key}, token).Int()
	if err != nil {
		return false, mapErr(err)
	}
	return n == 1, nil
}

// Renew implements Node.Renew.
func (r *Redis) Renew(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	n, err := renewScript.Run(ctx, r.client, []string{key}, token, millis(ttl)).Int()
	if err != nil {
		return false, mapErr(err)
	}
	return n == 1, nil
}

// Status implements Node.Status.
func (r *Redis) Status(ctx context.Context, key, token string) (Status, error) {
	s, err := statusScript.Run(ctx, r.client, []string{key}, token).Text()
	if err != nil {
		return StatusAvailable, mapErr(err)
	}
	return ParseStatus(s), nil
}

// Flush deletes every key starting with prefix. It is meant for tests and
// development setups that want a clean keyspace on start or shutdown.
func (r *Redis) Flush(ctx context.Context, prefix string) (int, error) {
	var (
		cursor  uint64
		deleted int
	)
	for {
		keys, next, err := r.client.Scan(ctx, cursor, prefix+"*", 100).Result()
		if err != nil {
			return deleted, mapErr(err)
		}
		if len(keys) > 0 {
			n, err := r.client.Del(ctx, keys...).Result()
			if err != nil {
				return deleted, mapErr(err)
			}
			deleted += int(n)
		}
		if next == 0 {
			return deleted, nil
		}
		cursor = next
	}
}

// millis renders ttl as the PX argument. Sub-millisecond positive values are
// rounded up so they never turn into "no expiry".
func millis(ttl time.Duration) string {
	if ttl <= 0 {
		return "0"
	}
	ms := ttl.Milliseconds()
	if ms == 0 {
		ms = 1
	}
	return strconv.FormatInt(ms, 10)
}

func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.ErrClosed):
		return rlerrors.ErrConnectionClosed
	case errors.Is(err, context.DeadlineExceeded):
		// keep the context error so callers can tell their own deadline apart
		return fmt.Errorf("%w: %w", rlerrors.ErrTimeout, err)
	}
	return err
}
