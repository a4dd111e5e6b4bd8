// Package syncbus carries lock release notifications between processes so
// that waiting acquirers can retry as soon as a lock is freed instead of
// sleeping out their full backoff delay.
//
// Delivery is best effort. A missed notification only costs latency because
// acquirers never wait longer than their backoff delay.
package syncbus

import (
	"context"
	"sync"
	"sync/atomic"
)

// Bus provides a minimal pub/sub mechanism keyed by string.
type Bus interface {
	Publish(ctx context.Context, key string) error
	Subscribe(ctx context.Context, key string) (<-chan struct{}, error)
	Unsubscribe(ctx context.Context, key string, ch <-chan struct{}) error
}

// Metrics reports how many notifications a bus sent and handed to local
// subscribers.
type Metrics struct {
	Published uint64
	Delivered uint64
}

// registry tracks the local subscriber channels of a bus. Channels have a
// buffer of one and notifications are dropped when it is full, since one
// pending wake-up is as good as many.
type registry struct {
	mu        sync.Mutex
	subs      map[string][]chan struct{}
	published atomic.Uint64
	delivered atomic.Uint64
}

func newRegistry() *registry {
	return &registry{subs: make(map[string][]chan struct{})}
}

// add registers a new channel for key and reports whether it is the first.
func (r *registry) add(key string) (chan struct{}, bool) {
	ch := make(chan struct{}, 1)
	r.mu.Lock()
	defer r.mu.Unlock()
	first := len(r.subs[key]) == 0
	r.subs[key] = append(r.subs[key], ch)
	return ch, first
}

// remove closes and forgets ch. last is true when key has no subscribers
// left afterwards.
func (r *registry) remove(key string, ch <-chan struct{}) (found, last bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs := r.subs[key]
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			close(c)
			found = true
			break
		}
	}
	if len(subs) == 0 {
		delete(r.subs, key)
		return found, found
	}
	r.subs[key] = subs
	return found, false
}

// notify sends under the lock so that a concurrent remove cannot close a
// channel mid-send. Sends never block.
func (r *registry) notify(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range r.subs[key] {
		select {
		case ch <- struct{}{}:
			r.delivered.Add(1)
		default:
		}
	}
}

func (r *registry) closeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, subs := range r.subs {
		for _, c := range subs {
			close(c)
		}
		delete(r.subs, key)
	}
}

func (r *registry) metrics() Metrics {
	return Metrics{Published: r.published.Load(), Delivered: r.delivered.Load()}
}

// unsubscribeOnDone removes ch once ctx is done.
func unsubscribeOnDone(ctx context.Context, b Bus, key string, ch <-chan struct{}) {
	if ctx.Done() == nil {
		return
	}
	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), key, ch)
	}()
}

// InMemoryBus delivers notifications within a single process. It is useful
// for tests and for several lock handles sharing one process.
type InMemoryBus struct {
	reg *registry
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{reg: newRegistry()}
}

// Publish implements Bus.Publish.
func (b *InMemoryBus) Publish(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.reg.published.Add(1)
	b.reg.notify(key)
	return nil
}

// Subscribe implements Bus.Subscribe. The subscription ends when ctx is done
// or Unsubscribe is called.
func (b *InMemoryBus) Subscribe(ctx context.Context, key string) (<-chan struct{}, error) {
	ch, _ := b.reg.add(key)
	unsubscribeOnDone(ctx, b, key, ch)
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *InMemoryBus) Unsubscribe(ctx context.Context, key string, ch <-chan struct{}) error {
	b.reg.remove(key, ch)
	return nil
}

// Metrics returns the published and delivered counts.
func (b *InMemoryBus) Metrics() Metrics {
	return b.reg.metrics()
}
