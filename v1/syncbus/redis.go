package syncbus

import (
	"context"
	stdErrors "errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	rlerrors "github.com/mirkobrombin/go-redlock/v1/errors"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-redlock/v1/syncbus")

// RedisBus implements Bus on top of Redis pub/sub. One Redis subscription is
// opened per key and shared by every local subscriber of that key.
type RedisBus struct {
	fanout
	client *redis.Client

	psMu      sync.Mutex
	pubsubs   map[string]*redis.PubSub
	published atomic.Uint64
}

// NewRedisBus returns a new RedisBus using the provided client.
func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{client: client, pubsubs: make(map[string]*redis.PubSub)}
}

// Publish implements Bus.Publish. Every message carries a fresh nonce so
// identical notifications are never coalesced by intermediaries.
func (b *RedisBus) Publish(ctx context.Context, key string) error {
	ctx, span := tracer.Start(ctx, "RedisBus.Publish", trace.WithAttributes(attribute.String("redlock.bus.key", key)))
	defer span.End()

	if err := b.client.Publish(ctx, key, uuid.NewString()).Err(); err != nil {
		span.RecordError(err)
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return rlerrors.ErrTimeout
		}
		if stdErrors.Is(err, redis.ErrClosed) {
			return rlerrors.ErrConnectionClosed
		}
		return err
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *RedisBus) Subscribe(ctx context.Context, key string) (<-chan struct{}, error) {
	b.psMu.Lock()
	defer b.psMu.Unlock()

	if _, ok := b.pubsubs[key]; !ok {
		ps := b.client.Subscribe(ctx, key)
		if _, err := ps.Receive(ctx); err != nil {
			_ = ps.Close()
			return nil, err
		}
		b.pubsubs[key] = ps
		go b.dispatch(key, ps)
	}
	ch := b.add(key)

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), key, ch)
	}()
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe. The Redis subscription is closed
// once its last local subscriber is gone.
func (b *RedisBus) Unsubscribe(ctx context.Context, key string, ch <-chan struct{}) error {
	b.psMu.Lock()
	defer b.psMu.Unlock()
	if b.remove(key, ch) != 0 {
		return nil
	}
	ps, ok := b.pubsubs[key]
	if !ok {
		return nil
	}
	delete(b.pubsubs, key)
	return ps.Close()
}

func (b *RedisBus) dispatch(key string, ps *redis.PubSub) {
	for range ps.Channel() { // terminates when the subscription is closed
		b.deliver(key)
	}
}

// Metrics returns the published and delivered counts.
func (b *RedisBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
	}
}
