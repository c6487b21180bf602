package lock

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	keyqerrors "github.com/mirkobrombin/go-keyq/v1/errors"
	"github.com/mirkobrombin/go-keyq/v1/metrics"
)

// Lock is a FIFO mutual exclusion primitive. Waiters are resumed in arrival
// order and ownership is handed directly from the releaser to the next waiter.
type Lock struct {
	mu      sync.Mutex
	held    bool
	waiters *list.List // of chan struct{}
}

// NewLock returns an unheld Lock.
func NewLock() *Lock {
	return &Lock{waiters: list.New()}
}

// Acquire blocks until the lock is owned by the caller or ctx is done.
func (l *Lock) Acquire(ctx context.Context) error {
	l.mu.Lock()
	if !l.held {
		l.held = true
		l.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	el := l.waiters.PushBack(ch)
	l.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
	}

	l.mu.Lock()
	select {
	case <-ch:
		// ownership was handed over while we were giving up, pass it on
		l.mu.Unlock()
		l.Release()
		return ctx.Err()
	default:
	}
	l.waiters.Remove(el)
	l.mu.Unlock()
	return ctx.Err()
}

// TryAcquire obtains the lock only if it is free.
func (l *Lock) TryAcquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return false
	}
	l.held = true
	return true
}

// Release frees the lock or hands it to the oldest waiter.
func (l *Lock) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		return
	}
	if front := l.waiters.Front(); front != nil {
		l.waiters.Remove(front)
		close(front.Value.(chan struct{}))
		return
	}
	l.held = false
}

// Waiters reports how many callers are queued.
func (l *Lock) Waiters() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.waiters.Len()
}

func (l *Lock) idle() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.held && l.waiters.Len() == 0
}

type entry struct {
	lock     *Lock
	refs     int
	lastUsed time.Time
}

type memoryHandle struct {
	key      string
	entry    *entry
	owner    *InMemory
	released atomic.Bool
}

func (h *memoryHandle) Key() string { return h.key }

// InMemory implements Manager with one Lock per key inside the process.
type InMemory struct {
	mu    sync.Mutex
	locks map[string]*entry

	logger        zerolog.Logger
	evictGrace    time.Duration
	sweepInterval time.Duration
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
}

// InMemoryOption configures an InMemory manager.
type InMemoryOption func(*InMemory)

// WithIdleEviction periodically drops locks that have been free, without
// waiters, for longer than grace. Without it locks live for the whole process.
func WithIdleEviction(grace, interval time.Duration) InMemoryOption {
	return func(m *InMemory) {
		m.evictGrace = grace
		m.sweepInterval = interval
	}
}

// WithLogger sets the logger used by the manager.
func WithLogger(logger zerolog.Logger) InMemoryOption {
	return func(m *InMemory) {
		m.logger = logger
	}
}

// NewInMemory returns a new in-process lock manager.
func NewInMemory(opts ...InMemoryOption) *InMemory {
	ctx, cancel := context.WithCancel(context.Background())
	m := &InMemory{
		locks:  make(map[string]*entry),
		logger: zerolog.Nop(),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.sweepInterval > 0 && m.evictGrace > 0 {
		m.wg.Add(1)
		go m.sweeper()
	}
	return m
}

// Acquire implements Manager.Acquire. It waits without a deadline unless ctx
// carries one.
func (m *InMemory) Acquire(ctx context.Context, key string) (Handle, error) {
	if key == "" {
		return nil, keyqerrors.ErrEmptyKey
	}
	m.mu.Lock()
	e, ok := m.locks[key]
	if !ok {
		e = &entry{lock: NewLock()}
		m.locks[key] = e
	}
	e.refs++
	m.mu.Unlock()

	start := time.Now()
	if err := e.lock.Acquire(ctx); err != nil {
		m.unref(e)
		return nil, err
	}
	metrics.LockWait.Observe(time.Since(start).Seconds())
	return &memoryHandle{key: key, entry: e, owner: m}, nil
}

// Release implements Manager.Release.
func (m *InMemory) Release(ctx context.Context, h Handle) error {
	mh, ok := h.(*memoryHandle)
	if !ok || mh == nil || mh.owner != m {
		return keyqerrors.ErrInvalidHandle
	}
	if !mh.released.CompareAndSwap(false, true) {
		return nil
	}
	mh.entry.lock.Release()
	m.unref(mh.entry)
	return nil
}

func (m *InMemory) unref(e *entry) {
	m.mu.Lock()
	e.refs--
	e.lastUsed = time.Now()
	m.mu.Unlock()
}

// Len reports how many keys currently have a lock.
func (m *InMemory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

// EvictIdle removes locks with no holder or waiter that were last used more
// than grace ago. It returns the number of evicted keys.
func (m *InMemory) EvictIdle(grace time.Duration) int {
	cutoff := time.Now().Add(-grace)
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for key, e := range m.locks {
		if e.refs > 0 || e.lastUsed.After(cutoff) || !e.lock.idle() {
			continue
		}
		delete(m.locks, key)
		n++
	}
	return n
}

func (m *InMemory) sweeper() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := m.EvictIdle(m.evictGrace); n > 0 {
				m.logger.Debug().Int("evicted", n).Msg("evicted idle locks")
			}
		case <-m.ctx.Done():
			return
		}
	}
}

// Close stops the eviction sweeper, if any.
func (m *InMemory) Close() {
	m.cancel()
	m.wg.Wait()
}
