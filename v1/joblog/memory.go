package joblog

import (
	"container/list"
	"context"
	"strconv"
	"sync"
	"time"
)

type inflight struct {
	delivery    Delivery
	deliveredAt time.Time
}

// InMemory is a process-local Log. It honours the at-least-once contract but
// does not survive restarts.
type InMemory struct {
	mu       sync.Mutex
	seq      uint64
	ready    *list.List // of Delivery
	inflight map[string]*inflight
	notify   chan struct{}
	done     chan struct{}
	closed   bool
}

// NewInMemory returns an empty in-memory log.
func NewInMemory() *InMemory {
	return &InMemory{
		ready:    list.New(),
		inflight: make(map[string]*inflight),
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

func (l *InMemory) wake() {
	select {
	case l.notify <- struct{}{}:
	default:
	}
}

// Append implements Log.Append.
func (l *InMemory) Append(ctx context.Context, job Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.seq++
	l.ready.PushBack(Delivery{Job: job, Receipt: strconv.FormatUint(l.seq, 10)})
	l.mu.Unlock()
	l.wake()
	return nil
}

// Next implements Log.Next.
func (l *InMemory) Next(ctx context.Context, consumer string) (Delivery, error) {
	for {
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			return Delivery{}, ErrClosed
		}
		if front := l.ready.Front(); front != nil {
			d := l.ready.Remove(front).(Delivery)
			d.Consumer = consumer
			l.inflight[d.Receipt] = &inflight{delivery: d, deliveredAt: time.Now()}
			more := l.ready.Len() > 0
			l.mu.Unlock()
			if more {
				l.wake()
			}
			return d, nil
		}
		l.mu.Unlock()

		select {
		case <-l.notify:
		case <-l.done:
			return Delivery{}, ErrClosed
		case <-ctx.Done():
			return Delivery{}, ctx.Err()
		}
	}
}

// Ack implements Log.Ack. Acknowledging twice is a no-op.
func (l *InMemory) Ack(ctx context.Context, d Delivery) error {
	l.mu.Lock()
	delete(l.inflight, d.Receipt)
	l.mu.Unlock()
	return nil
}

// Reclaim implements Log.Reclaim.
func (l *InMemory) Reclaim(ctx context.Context, consumer string, minIdle time.Duration) ([]Delivery, error) {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Delivery
	for _, f := range l.inflight {
		if now.Sub(f.deliveredAt) < minIdle {
			continue
		}
		f.delivery.Consumer = consumer
		f.deliveredAt = now
		out = append(out, f.delivery)
	}
	return out, nil
}

// Len reports jobs that are waiting or delivered but not acknowledged.
func (l *InMemory) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ready.Len() + len(l.inflight)
}

// Close implements Log.Close.
func (l *InMemory) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.done)
	}
	return nil
}
