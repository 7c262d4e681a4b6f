package syncbus

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	sarama "github.com/IBM/sarama"
)

// KafkaBus implements Bus on top of Kafka topics, one topic per release key.
// Only partition 0 is consumed and only messages produced after Subscribe
// are delivered. Characters Kafka rejects in topic names are replaced with
// '_', so keys differing only in those characters share a topic.
type KafkaBus struct {
	fanout
	producer sarama.SyncProducer
	consumer sarama.Consumer

	subMu     sync.Mutex
	pcs       map[string]sarama.PartitionConsumer
	pending   sync.Map
	published atomic.Uint64
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
	return NewKafkaBusFrom(producer, consumer), nil
}

// NewKafkaBusFrom builds a KafkaBus from an existing producer and consumer.
func NewKafkaBusFrom(producer sarama.SyncProducer, consumer sarama.Consumer) *KafkaBus {
	return &KafkaBus{
		producer: producer,
		consumer: consumer,
		pcs:      make(map[string]sarama.PartitionConsumer),
	}
}

// Publish implements Bus.Publish. Concurrent publishes of the same key are
// collapsed into one message.
func (b *KafkaBus) Publish(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, busy := b.pending.LoadOrStore(key, struct{}{}); busy {
		return nil
	}
	defer b.pending.Delete(key)

	msg := &sarama.ProducerMessage{Topic: Topic(key), Value: sarama.StringEncoder("1")}
	if _, _, err := b.producer.SendMessage(msg); err != nil {
		return err
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *KafkaBus) Subscribe(ctx context.Context, key string) (<-chan struct{}, error) {
	b.subMu.Lock()
	defer b.subMu.Unlock()

	if _, ok := b.pcs[key]; !ok {
		pc, err := b.consumer.ConsumePartition(Topic(key), 0, sarama.OffsetNewest)
		if err != nil {
			return nil, err
		}
		b.pcs[key] = pc
		go b.dispatch(pc, key)
	}
	ch := b.add(key)

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), key, ch)
	}()
	return ch, nil
}

// Topic maps a bus key to a legal Kafka topic name.
func Topic(key string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			return r
		}
		return '_'
	}, key)
}

func (b *KafkaBus) dispatch(pc sarama.PartitionConsumer, key string) {
	for range pc.Messages() {
		b.deliver(key)
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *KafkaBus) Unsubscribe(ctx context.Context, key string, ch <-chan struct{}) error {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	if b.remove(key, ch) != 0 {
		return nil
	}
	pc, ok := b.pcs[key]
	if !ok {
		return nil
	}
	delete(b.pcs, key)
	return pc.Close()
}

// Metrics returns the published and delivered counts.
func (b *KafkaBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
	}
}

// Close releases the producer and the consumer.
func (b *KafkaBus) Close() error {
	perr := b.producer.Close()
	cerr := b.consumer.Close()
	if perr != nil {
		return perr
	}
	return cerr
}
