package syncbus

import (
	"context"
	"strings"
	"sync"

	sarama "github.com/IBM/sarama"
)

type kafkaSubscription struct {
	pc sarama.PartitionConsumer
}

// KafkaBus implements Bus using one Kafka topic per key. Only partition 0 is
// consumed, from the newest offset, so topics should have a single
// partition. Kafka is a heavy transport for wake-ups; it fits deployments
// that already route all coordination traffic through it.
type KafkaBus struct {
	producer sarama.SyncProducer
	consumer sarama.Consumer
	reg      *registry

	mu   sync.Mutex
	subs map[string]*kafkaSubscription
}

// NewKafkaBus creates a new KafkaBus connecting to the given brokers.
func NewKafkaBus(brokers []string, cfg *sarama.Config) (*KafkaBus, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	cfg.Producer.Return.Successes = true
	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = producer.Close()
		_ = client.Close()
		return nil, err
	}
	return newKafkaBus(producer, consumer), nil
}

func newKafkaBus(producer sarama.SyncProducer, consumer sarama.Consumer) *KafkaBus {
	return &KafkaBus{
		producer: producer,
		consumer: consumer,
		reg:      newRegistry(),
		subs:     make(map[string]*kafkaSubscription),
	}
}

// KafkaTopic maps a key onto the Kafka topic alphabet [a-zA-Z0-9._-]. Other
// characters become '_'.
func KafkaTopic(key string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, key)
}

// Publish implements Bus.Publish.
func (b *KafkaBus) Publish(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{Topic: KafkaTopic(key), Value: sarama.StringEncoder("1")}
	if _, _, err := b.producer.SendMessage(msg); err != nil {
		return err
	}
	b.reg.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *KafkaBus) Subscribe(ctx context.Context, key string) (<-chan struct{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[key]; !ok {
		pc, err := b.consumer.ConsumePartition(KafkaTopic(key), 0, sarama.OffsetNewest)
		if err != nil {
			return nil, err
		}
		b.subs[key] = &kafkaSubscription{pc: pc}
		go b.dispatch(key, pc)
	}
	ch, _ := b.reg.add(key)
	unsubscribeOnDone(ctx, b, key, ch)
	return ch, nil
}

func (b *KafkaBus) dispatch(key string, pc sarama.PartitionConsumer) {
	for range pc.Messages() {
		b.reg.notify(key)
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *KafkaBus) Unsubscribe(ctx context.Context, key string, ch <-chan struct{}) error {
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
	return sub.pc.Close()
}

// Metrics returns the published and delivered counts.
func (b *KafkaBus) Metrics() Metrics {
	return b.reg.metrics()
}

// Close releases the producer and consumer.
func (b *KafkaBus) Close() error {
	b.mu.Lock()
	for key, sub := range b.subs {
		_ = sub.pc.Close()
		delete(b.subs, key)
	}
	b.mu.Unlock()
	b.reg.closeAll()
	perr := b.producer.Close()
	cerr := b.consumer.Close()
	if perr != nil {
		return perr
	}
	return cerr
}
