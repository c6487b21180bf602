package syncbus

import (
	"context"
	"encoding/base64"
	"sync"
	"sync/atomic"

	keyqerrors "github.com/mirkobrombin/go-keyq/v1/errors"
)

// Bus carries payload-free signals between processes. keyq uses it to wake
// lease waiters as soon as a holder releases a key; delivery may be lossy
// because waiters keep polling with backoff.
type Bus interface {
	Publish(ctx context.Context, topic string) error
	Subscribe(ctx context.Context, topic string) (<-chan struct{}, error)
	Unsubscribe(ctx context.Context, topic string, ch <-chan struct{}) error
	Close() error
}

const releasePrefix = "keyq:released:"

// ReleaseTopic returns the topic signalled when key is released. The key is
// base64url encoded so it is a single literal token on every backend, NATS
// subjects included.
func ReleaseTopic(key string) string {
	return releasePrefix + base64.RawURLEncoding.EncodeToString([]byte(key))
}

// Metrics holds signal counters of a bus.
type Metrics struct {
	Published uint64
	Delivered uint64
}

// fanout keeps the local subscribers of every topic. All bus implementations
// embed it and only differ in how signals reach the process.
type fanout struct {
	mu        sync.Mutex
	subs      map[string][]chan struct{}
	closed    bool
	published atomic.Uint64
	delivered atomic.Uint64
}

func newFanout() fanout {
	return fanout{subs: make(map[string][]chan struct{})}
}

// add registers a subscriber and reports whether it is the first for topic.
func (f *fanout) add(topic string) (chan struct{}, bool, error) {
	ch := make(chan struct{}, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, false, keyqerrors.ErrConnectionClosed
	}
	first := len(f.subs[topic]) == 0
	f.subs[topic] = append(f.subs[topic], ch)
	return ch, first, nil
}

// remove drops a subscriber and reports whether topic has none left.
func (f *fanout) remove(topic string, ch <-chan struct{}) (found, last bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	subs := f.subs[topic]
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
		delete(f.subs, topic)
		return found, true
	}
	f.subs[topic] = subs
	return found, false
}

// deliver signals every subscriber of topic without blocking. Sends happen
// under the lock so remove never closes a channel mid-send.
func (f *fanout) deliver(topic string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs[topic] {
		select {
		case ch <- struct{}{}:
			f.delivered.Add(1)
		default:
		}
	}
}

func (f *fanout) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	for topic, subs := range f.subs {
		for _, ch := range subs {
			close(ch)
		}
		delete(f.subs, topic)
	}
}

func (f *fanout) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fanout) has(topic string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs[topic]) > 0
}

// Metrics returns the published and delivered counts.
func (f *fanout) Metrics() Metrics {
	return Metrics{
		Published: f.published.Load(),
		Delivered: f.delivered.Load(),
	}
}

// unsubscribeOnDone removes ch once ctx ends.
func unsubscribeOnDone(ctx context.Context, b Bus, topic string, ch <-chan struct{}) {
	if ctx.Done() == nil {
		return
	}
	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), topic, ch)
	}()
}

// InMemoryBus delivers signals inside a single process.
type InMemoryBus struct {
	fanout
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{fanout: newFanout()}
}

// Publish implements Bus.Publish.
func (b *InMemoryBus) Publish(ctx context.Context, topic string) error {
	if b.isClosed() {
		return keyqerrors.ErrConnectionClosed
	}
	b.published.Add(1)
	b.deliver(topic)
	return nil
}

// Subscribe implements Bus.Subscribe. The subscription ends when ctx ends.
func (b *InMemoryBus) Subscribe(ctx context.Context, topic string) (<-chan struct{}, error) {
	ch, _, err := b.add(topic)
	if err != nil {
		return nil, err
	}
	unsubscribeOnDone(ctx, b, topic, ch)
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *InMemoryBus) Unsubscribe(ctx context.Context, topic string, ch <-chan struct{}) error {
	b.remove(topic, ch)
	return nil
}

// Close implements Bus.Close.
func (b *InMemoryBus) Close() error {
	b.closeAll()
	return nil
}
