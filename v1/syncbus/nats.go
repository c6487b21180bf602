package syncbus

import (
	"context"
	"sync"

	nats "github.com/nats-io/nats.go"
)

// NATSBus implements Bus using a NATS backend.
type NATSBus struct {
	fanout
	conn *nats.Conn

	subMu sync.Mutex
	subs  map[string]*nats.Subscription
}

// NewNATSBus returns a new NATSBus using the provided connection.
func NewNATSBus(conn *nats.Conn) *NATSBus {
	return &NATSBus{
		fanout: newFanout(),
		conn:   conn,
		subs:   make(map[string]*nats.Subscription),
	}
}

// Publish implements Bus.Publish.
func (b *NATSBus) Publish(ctx context.Context, topic string) error {
	if err := b.conn.Publish(topic, nil); err != nil {
		return err
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *NATSBus) Subscribe(ctx context.Context, topic string) (<-chan struct{}, error) {
	ch, _, err := b.add(topic)
	if err != nil {
		return nil, err
	}
	b.subMu.Lock()
	if _, ok := b.subs[topic]; !ok {
		sub, err := b.conn.Subscribe(topic, func(m *nats.Msg) {
			b.deliver(m.Subject)
		})
		if err != nil {
			b.subMu.Unlock()
			b.remove(topic, ch)
			return nil, err
		}
		b.subs[topic] = sub
	}
	b.subMu.Unlock()
	unsubscribeOnDone(ctx, b, topic, ch)
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *NATSBus) Unsubscribe(ctx context.Context, topic string, ch <-chan struct{}) error {
	found, last := b.remove(topic, ch)
	if !found || !last {
		return nil
	}
	b.subMu.Lock()
	defer b.subMu.Unlock()
	sub, ok := b.subs[topic]
	if !ok || b.has(topic) {
		return nil
	}
	delete(b.subs, topic)
	return sub.Unsubscribe()
}

// Close implements Bus.Close. The connection itself is left open.
func (b *NATSBus) Close() error {
	b.subMu.Lock()
	for topic, sub := range b.subs {
		_ = sub.Unsubscribe()
		delete(b.subs, topic)
	}
	b.subMu.Unlock()
	b.closeAll()
	return nil
}
