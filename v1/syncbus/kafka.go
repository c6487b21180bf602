package syncbus

import (
	"context"
	"fmt"
	"sync"

	sarama "github.com/IBM/sarama"

	keyqerrors "github.com/mirkobrombin/go-keyq/v1/errors"
)

// DefaultKafkaTopic is the topic carrying every keyq signal.
const DefaultKafkaTopic = "keyq.signals"

// KafkaBus implements Bus on a single Kafka topic. The signal topic travels
// as the message key, so resource keys never become Kafka topic names.
type KafkaBus struct {
	fanout
	topic    string
	client   sarama.Client
	producer sarama.SyncProducer
	consumer sarama.Consumer
	pcs      []sarama.PartitionConsumer
	once     sync.Once
}

// NewKafkaBus creates a new KafkaBus connecting to the given brokers. Every
// partition of topic is consumed from the newest offset.
func NewKafkaBus(brokers []string, topic string, cfg *sarama.Config) (*KafkaBus, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	if topic == "" {
		topic = DefaultKafkaTopic
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
	b := &KafkaBus{
		fanout:   newFanout(),
		topic:    topic,
		client:   client,
		producer: producer,
		consumer: consumer,
	}
	partitions, err := consumer.Partitions(topic)
	if err != nil {
		_ = b.Close()
		return nil, err
	}
	for _, p := range partitions {
		pc, err := consumer.ConsumePartition(topic, p, sarama.OffsetNewest)
		if err != nil {
			_ = b.Close()
			return nil, err
		}
		b.pcs = append(b.pcs, pc)
		go b.dispatch(pc)
	}
	return b, nil
}

func (b *KafkaBus) dispatch(pc sarama.PartitionConsumer) {
	for msg := range pc.Messages() {
		b.deliver(string(msg.Key))
	}
}

// Publish implements Bus.Publish. The send keeps going in the background
// when ctx ends first, bounded by the producer's own timeout and retries.
func (b *KafkaBus) Publish(ctx context.Context, topic string) error {
	if b.isClosed() {
		return keyqerrors.ErrConnectionClosed
	}
	msg := &sarama.ProducerMessage{Topic: b.topic, Key: sarama.StringEncoder(topic)}
	errc := make(chan error, 1)
	go func() {
		_, _, err := b.producer.SendMessage(msg)
		errc <- err
	}()
	select {
	case err := <-errc:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		return fmt.Errorf("%w: publish %s: %w", keyqerrors.ErrTimeout, topic, ctx.Err())
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *KafkaBus) Subscribe(ctx context.Context, topic string) (<-chan struct{}, error) {
	ch, _, err := b.add(topic)
	if err != nil {
		return nil, err
	}
	unsubscribeOnDone(ctx, b, topic, ch)
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *KafkaBus) Unsubscribe(ctx context.Context, topic string, ch <-chan struct{}) error {
	b.remove(topic, ch)
	return nil
}

// Close releases resources used by the KafkaBus.
func (b *KafkaBus) Close() error {
	b.once.Do(func() {
		for _, pc := range b.pcs {
			_ = pc.Close()
		}
		_ = b.producer.Close()
		_ = b.consumer.Close()
		_ = b.client.Close()
		b.closeAll()
	})
	return nil
}
