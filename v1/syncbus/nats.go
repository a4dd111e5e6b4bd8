package syncbus

import (
	"context"
	stdErrors "errors"
	"sync"
	"time"

	nats "github.com/nats-io/nats.go"
)

const natsFlushTimeout = 5 * time.Second

// NATSBus implements Bus using core NATS subjects. Keys are used as subjects
// verbatim, so they must not contain whitespace.
type NATSBus struct {
	conn *nats.Conn
	reg  *registry

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NewNATSBus returns a new NATSBus using the provided connection.
func NewNATSBus(conn *nats.Conn) *NATSBus {
	return &NATSBus{conn: conn, reg: newRegistry(), subs: make(map[string]*nats.Subscription)}
}

// Publish implements Bus.Publish. The message is flushed before returning so
// that a release is announced before the releasing call completes.
func (b *NATSBus) Publish(ctx context.Context, key string) error {
	if err := b.conn.Publish(key, []byte("1")); err != nil {
		return err
	}
	if err := b.flush(ctx); err != nil {
		return err
	}
	b.reg.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *NATSBus) Subscribe(ctx context.Context, key string) (<-chan struct{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[key]; !ok {
		sub, err := b.conn.Subscribe(key, func(_ *nats.Msg) {
			b.reg.notify(key)
		})
		if err != nil {
			return nil, err
		}
		if err := b.flush(ctx); err != nil {
			_ = sub.Unsubscribe()
			return nil, err
		}
		b.subs[key] = sub
	}
	ch, _ := b.reg.add(key)
	unsubscribeOnDone(ctx, b, key, ch)
	return ch, nil
}

// flush waits for the server to process pending protocol lines. NATS
// refuses to flush without a deadline, so one is added when ctx has none.
func (b *NATSBus) flush(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, natsFlushTimeout)
		defer cancel()
	}
	return b.conn.FlushWithContext(ctx)
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *NATSBus) Unsubscribe(ctx context.Context, key string, ch <-chan struct{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, last := b.reg.remove(key, ch)
	if !last {
		return nil
	}
	sub, ok := b.subs[key]
	if !ok {
		return nil
	}
	delete(b.subs, key)
	return sub.Unsubscribe()
}

// Metrics returns the published and delivered counts.
func (b *NATSBus) Metrics() Metrics {
	return b.reg.metrics()
}

// Close ends every subscription. The connection itself is left open.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var errs []error
	for key, sub := range b.subs {
		errs = append(errs, sub.Unsubscribe())
		delete(b.subs, key)
	}
	b.reg.closeAll()
	return stdErrors.Join(errs...)
}
