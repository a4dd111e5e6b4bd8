package syncbus

import (
	"context"
	"os"
	"testing"
	"time"

	sarama "github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/google/uuid"
)

func TestKafkaTopic(t *testing.T) {
	cases := map[string]string{
		"unlock:seckill:item-1": "unlock_seckill_item-1",
		"plain.topic_name":      "plain.topic_name",
		"with space/slash":      "with_space_slash",
	}
	for in, want := range cases {
		if got := KafkaTopic(in); got != want {
			t.Fatalf("KafkaTopic(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestKafkaBusWithMocks(t *testing.T) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	producer := mocks.NewSyncProducer(t, cfg)
	consumer := mocks.NewConsumer(t, cfg)
	pc := consumer.ExpectConsumePartition(KafkaTopic("unlock:k"), 0, sarama.OffsetNewest)

	bus := newKafkaBus(producer, consumer)
	ctx := context.Background()

	ch, err := bus.Subscribe(ctx, "unlock:k")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	producer.ExpectSendMessageAndSucceed()
	if err := bus.Publish(ctx, "unlock:k"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	pc.YieldMessage(&sarama.ConsumerMessage{Topic: KafkaTopic("unlock:k"), Value: []byte("1")})
	waitNotified(t, ch)

	if m := bus.Metrics(); m.Published != 1 {
		t.Fatalf("expected published 1, got %+v", m)
	}
	if err := bus.Unsubscribe(ctx, "unlock:k", ch); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if err := bus.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestKafkaBusPublishFailure(t *testing.T) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	producer := mocks.NewSyncProducer(t, cfg)
	consumer := mocks.NewConsumer(t, cfg)
	bus := newKafkaBus(producer, consumer)

	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	if err := bus.Publish(context.Background(), "unlock:k"); err == nil {
		t.Fatal("expected publish error")
	}
	if m := bus.Metrics(); m.Published != 0 {
		t.Fatalf("expected published 0, got %+v", m)
	}
	_ = bus.Close()
}

func TestKafkaBusIntegration(t *testing.T) {
	addr := os.Getenv("LATCH_TEST_KAFKA_ADDR")
	if addr == "" {
		t.Skip("LATCH_TEST_KAFKA_ADDR not set, skipping Kafka integration tests")
	}
	cfg := sarama.NewConfig()
	cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	bus, err := NewKafkaBus([]string{addr}, cfg)
	if err != nil {
		t.Fatalf("NewKafkaBus: %v", err)
	}
	t.Cleanup(func() { _ = bus.Close() })

	ctx := context.Background()
	key := "unlock:" + uuid.NewString()
	// auto-create the topic before consuming from it
	if err := bus.Publish(ctx, key); err != nil {
		t.Fatalf("warm-up publish: %v", err)
	}
	ch, err := bus.Subscribe(ctx, key)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	time.Sleep(time.Second)
	if err := bus.Publish(ctx, key); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitNotified(t, ch)
}
