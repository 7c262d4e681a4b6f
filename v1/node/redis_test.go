package node

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	rlerrors "github.com/mirkobrombin/go-redlock/v1/errors"
)

func newRedisNode(t *testing.T) (*Redis, *miniredis.Miniredis, context.Context) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return NewRedis(client), mr, context.Background()
}

func TestRedisAcquireIfAbsent(t *testing.T) {
	n, mr, ctx := newRedisNode(t)

	ok, err := n.Acquire(ctx, "lock:k", "a", time.Second)
	if err != nil || !ok {
		t.Fatalf("acquire: %v ok %v", err, ok)
	}
	if ok, err := n.Acquire(ctx, "lock:k", "b", time.Second); err != nil || ok {
		t.Fatalf("expected key held, ok %v err %v", ok, err)
	}
	if v, _ := mr.Get("lock:k"); v != "a" {
		t.Fatalf("expected token a, got %q", v)
	}
	if ttl := mr.TTL("lock:k"); ttl != time.Second {
		t.Fatalf("expected ttl 1s, got %v", ttl)
	}

	mr.FastForward(2 * time.Second)
	if ok, err := n.Acquire(ctx, "lock:k", "b", time.Second); err != nil || !ok {
		t.Fatalf("expected acquire after expiry, ok %v err %v", ok, err)
	}
}

func TestRedisAcquireWithoutTTL(t *testing.T) {
	n, mr, ctx := newRedisNode(t)

	if ok, err := n.Acquire(ctx, "lock:p", "a", 0); err != nil || !ok {
		t.Fatalf("acquire: %v ok %v", err, ok)
	}
	if ttl := mr.TTL("lock:p"); ttl != 0 {
		t.Fatalf("expected no expiry, got %v", ttl)
	}
}

func TestRedisReleaseIfOwner(t *testing.T) {
	n, mr, ctx := newRedisNode(t)

	if _, err := n.Acquire(ctx, "lock:k", "a", time.Second); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if ok, err := n.Release(ctx, "lock:k", "b"); err != nil || ok {
		t.Fatalf("foreign release should fail, ok %v err %v", ok, err)
	}
	if !mr.Exists("lock:k") {
		t.Fatal("key removed by foreign token")
	}
	if ok, err := n.Release(ctx, "lock:k", "a"); err != nil || !ok {
		t.Fatalf("release: %v ok %v", err, ok)
	}
	if mr.Exists("lock:k") {
		t.Fatal("key still present after release")
	}
	if ok, err := n.Release(ctx, "lock:k", "a"); err != nil || ok {
		t.Fatalf("second release should report false, ok %v err %v", ok, err)
	}
}

func TestRedisRenewIfOwner(t *testing.T) {
	n, mr, ctx := newRedisNode(t)

	if _, err := n.Acquire(ctx, "lock:k", "a", time.Second); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if ok, err := n.Renew(ctx, "lock:k", "b", 5*time.Second); err != nil || ok {
		t.Fatalf("foreign renew should fail, ok %v err %v", ok, err)
	}
	if ok, err := n.Renew(ctx, "lock:k", "a", 5*time.Second); err != nil || !ok {
		t.Fatalf("renew: %v ok %v", err, ok)
	}
	if ttl := mr.TTL("lock:k"); ttl != 5*time.Second {
		t.Fatalf("expected ttl 5s, got %v", ttl)
	}
	mr.FastForward(6 * time.Second)
	if ok, err := n.Renew(ctx, "lock:k", "a", time.Second); err != nil || ok {
		t.Fatalf("renew of expired key should fail, ok %v err %v", ok, err)
	}
}

func TestRedisStatusIfOwner(t *testing.T) {
	n, _, ctx := newRedisNode(t)

	if s, err := n.Status(ctx, "lock:k", "a"); err != nil || s != StatusAvailable {
		t.Fatalf("expected AVAILABLE, got %v err %v", s, err)
	}
	if _, err := n.Acquire(ctx, "lock:k", "a", time.Second); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if s, err := n.Status(ctx, "lock:k", "a"); err != nil || s != StatusAcquired {
		t.Fatalf("expected ACQUIRED, got %v err %v", s, err)
	}
	if s, err := n.Status(ctx, "lock:k", "b"); err != nil || s != StatusLocked {
		t.Fatalf("expected LOCKED, got %v err %v", s, err)
	}
}

func TestRedisFlushPrefix(t *testing.T) {
	n, mr, ctx := newRedisNode(t)

	for _, k := range []string{"lock:a", "lock:b", "lock:c"} {
		if _, err := n.Acquire(ctx, k, "t", 0); err != nil {
			t.Fatalf("acquire %s: %v", k, err)
		}
	}
	_ = mr.Set("other", "v")

	deleted, err := n.Flush(ctx, "lock:")
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if deleted != 3 {
		t.Fatalf("expected 3 deleted keys, got %d", deleted)
	}
	if !mr.Exists("other") {
		t.Fatal("flush removed a key outside the prefix")
	}
}

func TestRedisErrors(t *testing.T) {
	n, mr, ctx := newRedisNode(t)

	mr.SetError("LOADING redis is loading the dataset")
	if _, err := n.Acquire(ctx, "lock:k", "a", time.Second); err == nil {
		t.Fatal("expected error from failing server")
	}
	mr.SetError("")

	_ = n.Client().Close()
	if _, err := n.Status(ctx, "lock:k", "a"); !errors.Is(err, rlerrors.ErrConnectionClosed) {
		t.Fatalf("expected ErrConnectionClosed, got %v", err)
	}
}

func TestRedisCallerDeadlineIsKept(t *testing.T) {
	n, _, _ := newRedisNode(t)
	ctx, cancel := context.WithTimeout(context.Background(), -time.Second)
	defer cancel()

	_, err := n.Acquire(ctx, "lock:k", "a", time.Second)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context.DeadlineExceeded, got %v", err)
	}
	if !errors.Is(err, rlerrors.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}

	cb := NewCircuitBreaker(n, 1, time.Minute)
	_, _ = cb.Acquire(ctx, "lock:k", "a", time.Second)
	if !cb.IsHealthy() {
		t.Fatal("an expired caller deadline opened the breaker")
	}
}

func TestMillis(t *testing.T) {
	cases := map[time.Duration]string{
		0:                       "0",
		-time.Second:            "0",
		time.Microsecond:        "1",
		1500 * time.Millisecond: "1500",
	}
	for in, want := range cases {
		if got := millis(in); got != want {
			t.Fatalf("millis(%v) = %q, want %q", in, got, want)
		}
	}
}
