package syncbus

import (
	"context"
	"testing"
	"time"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func receive(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case _, ok := <-ch:
		if !ok {
			t.Fatal("channel closed unexpectedly")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for publish")
	}
}

func expectClosed(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel closed")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for unsubscribe")
	}
}

func TestPublishSubscribeFlowAndMetrics(t *testing.T) {
	bus := NewInMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := bus.Subscribe(ctx, "key")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := bus.Publish(context.Background(), "key"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	receive(t, ch)

	metrics := bus.Metrics()
	if metrics.Published != 1 {
		t.Fatalf("expected published 1 got %d", metrics.Published)
	}
	if metrics.Delivered != 1 {
		t.Fatalf("expected delivered 1 got %d", metrics.Delivered)
	}
}

func TestPublishDoesNotBlockOnSlowSubscriber(t *testing.T) {
	bus := NewInMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := bus.Subscribe(ctx, "key")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := bus.Publish(ctx, "key"); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	receive(t, ch)
	if m := bus.Metrics(); m.Published != 3 || m.Delivered != 1 {
		t.Fatalf("expected 3 published and 1 delivered, got %+v", m)
	}
}

func TestPublishOnlyReachesMatchingKey(t *testing.T) {
	bus := NewInMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := bus.Subscribe(ctx, "a")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	_ = bus.Publish(ctx, "b")
	select {
	case <-ch:
		t.Fatal("received notification for another key")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestContextBasedUnsubscribe(t *testing.T) {
	bus := NewInMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := bus.Subscribe(ctx, "key")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	cancel()
	expectClosed(t, ch)

	bus.mu.Lock()
	defer bus.mu.Unlock()
	if _, ok := bus.subs["key"]; ok {
		t.Fatal("subscription still present after context cancel")
	}
}

func TestUnsubscribeTwiceIsSafe(t *testing.T) {
	bus := NewInMemoryBus()
	ctx := context.Background()
	ch, err := bus.Subscribe(ctx, "key")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := bus.Unsubscribe(ctx, "key", ch); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if err := bus.Unsubscribe(ctx, "key", ch); err != nil {
		t.Fatalf("second unsubscribe: %v", err)
	}
	expectClosed(t, ch)
}

func TestPublishCancelledContext(t *testing.T) {
	bus := NewInMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := bus.Publish(ctx, "key"); err == nil {
		t.Fatal("expected error on cancelled context")
	}
}

func TestPublishRacesUnsubscribe(t *testing.T) {
	bus := NewInMemoryBus()
	ctx := context.Background()
	stop := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
				_ = bus.Publish(ctx, "k")
			}
		}
	}()

	for range 2000 {
		subCtx, cancel := context.WithCancel(ctx)
		ch, err := bus.Subscribe(subCtx, "k")
		if err != nil {
			t.Fatalf("subscribe: %v", err)
		}
		if err := bus.Unsubscribe(ctx, "k", ch); err != nil {
			t.Fatalf("unsubscribe: %v", err)
		}
		cancel()
	}
	close(stop)
	<-done
}
