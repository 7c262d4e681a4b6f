// Package syncbus propagates lock release notifications across processes.
// Waiting acquirers subscribe to the release key of a resource and retry as
// soon as a holder publishes on it, instead of sleeping for the whole retry
// delay. Notifications are hints only: correctness always comes from the
// quorum of nodes.
package syncbus

import (
	"context"
	"sync"
	"sync/atomic"
)

// Bus provides a simple pub/sub mechanism keyed by string.
type Bus interface {
	Publish(ctx context.Context, key string) error
	Subscribe(ctx context.Context, key string) (<-chan struct{}, error)
	Unsubscribe(ctx context.Context, key string, ch <-chan struct{}) error
}

// Metrics reports how many notifications a bus published and delivered.
type Metrics struct {
	Published uint64
	Delivered uint64
}

// fanout holds the local subscribers of a key. Delivery never blocks: a
// subscriber with a pending notification is not notified twice.
type fanout struct {
	mu        sync.Mutex
	subs      map[string][]chan struct{}
	delivered atomic.Uint64
}

func (f *fanout) add(key string) chan struct{} {
	ch := make(chan struct{}, 1)
	f.mu.Lock()
	if f.subs == nil {
		f.subs = make(map[string][]chan struct{})
	}
	f.subs[key] = append(f.subs[key], ch)
	f.mu.Unlock()
	return ch
}

// remove closes ch and reports how many subscribers are left for key, or -1
// if ch was not subscribed.
func (f *fanout) remove(key string, ch <-chan struct{}) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	subs := f.subs[key]
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			close(c)
			if len(subs) == 0 {
				delete(f.subs, key)
			} else {
				f.subs[key] = subs
			}
			return len(subs)
		}
	}
	return -1
}

// deliver sends under f.mu so remove can never close a channel mid-send.
// The sends are non-blocking, so holding the lock is cheap.
func (f *fanout) deliver(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs[key] {
		select {
		case ch <- struct{}{}:
			f.delivered.Add(1)
		default:
		}
	}
}

// InMemoryBus is a process-local Bus, mainly for tests and single process
// deployments.
type InMemoryBus struct {
	fanout
	published atomic.Uint64
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{}
}

// Publish implements Bus.Publish.
func (b *InMemoryBus) Publish(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.published.Add(1)
	b.deliver(key)
	return nil
}

// Subscribe implements Bus.Subscribe. The subscription is dropped when ctx
// is done.
func (b *InMemoryBus) Subscribe(ctx context.Context, key string) (<-chan struct{}, error) {
	ch := b.add(key)
	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), key, ch)
	}()
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *InMemoryBus) Unsubscribe(ctx context.Context, key string, ch <-chan struct{}) error {
	b.remove(key, ch)
	return nil
}

// Metrics returns the published and delivered counts.
func (b *InMemoryBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
	}
}
