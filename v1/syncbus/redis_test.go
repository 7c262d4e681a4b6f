package syncbus

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
)

func newRedisBus(t *testing.T) (*RedisBus, context.Context) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bus := NewRedisBus(client)
	ctx := context.Background()
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return bus, ctx
}

func TestRedisBusPublishSubscribeFlowAndMetrics(t *testing.T) {
	bus, ctx := newRedisBus(t)
	ch, err := bus.Subscribe(ctx, "key")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := bus.Publish(ctx, "key"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	receive(t, ch)
	waitFor(t, "delivered metric", func() bool { return bus.Metrics().Delivered == 1 })
	if m := bus.Metrics(); m.Published != 1 {
		t.Fatalf("expected published 1 got %d", m.Published)
	}
}

func TestRedisBusSharesSubscriptionPerKey(t *testing.T) {
	bus, ctx := newRedisBus(t)
	ch1, err := bus.Subscribe(ctx, "key")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	ch2, err := bus.Subscribe(ctx, "key")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	bus.psMu.Lock()
	n := len(bus.pubsubs)
	bus.psMu.Unlock()
	if n != 1 {
		t.Fatalf("expected a single redis subscription, got %d", n)
	}

	if err := bus.Publish(ctx, "key"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	receive(t, ch1)
	receive(t, ch2)

	_ = bus.Unsubscribe(ctx, "key", ch1)
	bus.psMu.Lock()
	_, still := bus.pubsubs["key"]
	bus.psMu.Unlock()
	if !still {
		t.Fatal("redis subscription closed while a subscriber is left")
	}
	_ = bus.Unsubscribe(ctx, "key", ch2)
	bus.psMu.Lock()
	_, still = bus.pubsubs["key"]
	bus.psMu.Unlock()
	if still {
		t.Fatal("redis subscription left open after last unsubscribe")
	}
}

func TestRedisBusContextBasedUnsubscribe(t *testing.T) {
	bus, _ := newRedisBus(t)
	subCtx, cancel := context.WithCancel(context.Background())
	ch, err := bus.Subscribe(subCtx, "key")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancel()
	expectClosed(t, ch)
	waitFor(t, "subscription removal", func() bool {
		bus.psMu.Lock()
		defer bus.psMu.Unlock()
		_, ok := bus.pubsubs["key"]
		return !ok
	})
}

func TestRedisBusPublishClosedClient(t *testing.T) {
	bus, ctx := newRedisBus(t)
	_ = bus.client.Close()
	if err := bus.Publish(ctx, "key"); err == nil {
		t.Fatal("expected error publishing on a closed client")
	}
}
