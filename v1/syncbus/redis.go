package syncbus

import (
	"context"
	stdErrors "errors"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
)

const redisBusTimeout = 5 * time.Second

// RedisBus implements Bus with Redis pub/sub. Each key maps to one channel
// and one PubSub connection shared by all local subscribers of that key.
type RedisBus struct {
	client redis.UniversalClient
	reg    *registry

	mu  sync.Mutex
	pss map[string]*redis.PubSub
}

// NewRedisBus returns a new RedisBus using the provided client.
func NewRedisBus(client redis.UniversalClient) *RedisBus {
	return &RedisBus{client: client, reg: newRegistry(), pss: make(map[string]*redis.PubSub)}
}

// Publish implements Bus.Publish.
func (b *RedisBus) Publish(ctx context.Context, key string) error {
	cctx, cancel := context.WithTimeout(ctx, redisBusTimeout)
	defer cancel()
	if err := b.client.Publish(cctx, key, "1").Err(); err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return latcherrors.ErrTimeout
		}
		if stdErrors.Is(err, redis.ErrClosed) {
			return latcherrors.ErrConnectionClosed
		}
		return err
	}
	b.reg.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *RedisBus) Subscribe(ctx context.Context, key string) (<-chan struct{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.pss[key]; !ok {
		ps := b.client.Subscribe(ctx, key)
		cctx, cancel := context.WithTimeout(ctx, redisBusTimeout)
		_, err := ps.Receive(cctx)
		cancel()
		if err != nil {
			_ = ps.Close()
			return nil, err
		}
		b.pss[key] = ps
		go b.dispatch(key, ps)
	}
	ch, _ := b.reg.add(key)
	unsubscribeOnDone(ctx, b, key, ch)
	return ch, nil
}

func (b *RedisBus) dispatch(key string, ps *redis.PubSub) {
	for range ps.Channel() {
		b.reg.notify(key)
	}
}

// Unsubscribe implements Bus.Unsubscribe. The Redis subscription is closed
// with the last local subscriber.
func (b *RedisBus) Unsubscribe(ctx context.Context, key string, ch <-chan struct{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, last := b.reg.remove(key, ch)
	if !last {
		return nil
	}
	ps, ok := b.pss[key]
	if !ok {
		return nil
	}
	delete(b.pss, key)
	return ps.Close()
}

// Metrics returns the published and delivered counts.
func (b *RedisBus) Metrics() Metrics {
	return b.reg.metrics()
}

// Close ends every subscription. The client itself is left open.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var errs []error
	for key, ps := range b.pss {
		errs = append(errs, ps.Close())
		delete(b.pss, key)
	}
	b.reg.closeAll()
	return stdErrors.Join(errs...)
}
