package syncbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	keyqerrors "github.com/mirkobrombin/go-keyq/v1/errors"
)

const redisBusTimeout = 5 * time.Second

// RedisBus implements Bus on Redis Pub/Sub. One PubSub connection serves all
// topics of the process.
type RedisBus struct {
	fanout
	client redis.UniversalClient

	subMu   sync.Mutex
	pubsub  *redis.PubSub
	closeCh chan struct{}
	once    sync.Once
}

// NewRedisBus returns a new RedisBus using the provided client.
func NewRedisBus(client redis.UniversalClient) *RedisBus {
	b := &RedisBus{
		fanout:  newFanout(),
		client:  client,
		closeCh: make(chan struct{}),
	}
	b.pubsub = client.Subscribe(context.Background())
	go b.dispatch()
	return b
}

func (b *RedisBus) dispatch() {
	ch := b.pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.deliver(msg.Channel)
		case <-b.closeCh:
			return
		}
	}
}

// Publish implements Bus.Publish.
func (b *RedisBus) Publish(ctx context.Context, topic string) error {
	cctx, cancel := context.WithTimeout(ctx, redisBusTimeout)
	defer cancel()
	if err := b.client.Publish(cctx, topic, "1").Err(); err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: publish %s", keyqerrors.ErrTimeout, topic)
		}
		return err
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *RedisBus) Subscribe(ctx context.Context, topic string) (<-chan struct{}, error) {
	ch, first, err := b.add(topic)
	if err != nil {
		return nil, err
	}
	if first {
		b.subMu.Lock()
		err := b.pubsub.Subscribe(ctx, topic)
		b.subMu.Unlock()
		if err != nil {
			b.remove(topic, ch)
			return nil, err
		}
	}
	unsubscribeOnDone(ctx, b, topic, ch)
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *RedisBus) Unsubscribe(ctx context.Context, topic string, ch <-chan struct{}) error {
	found, last := b.remove(topic, ch)
	if !found || !last {
		return nil
	}
	b.subMu.Lock()
	defer b.subMu.Unlock()
	// a new subscriber may have shown up meanwhile
	if b.has(topic) {
		return nil
	}
	return b.pubsub.Unsubscribe(ctx, topic)
}

// Close implements Bus.Close. The client itself is left open.
func (b *RedisBus) Close() error {
	var err error
	b.once.Do(func() {
		close(b.closeCh)
		err = b.pubsub.Close()
		b.closeAll()
	})
	return err
}
