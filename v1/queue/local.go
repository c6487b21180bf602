package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	keyqerrors "github.com/mirkobrombin/go-keyq/v1/errors"
	"github.com/mirkobrombin/go-keyq/v1/lock"
	"github.com/mirkobrombin/go-keyq/v1/metrics"
)

// DefaultConcurrencyLimit is the batch size used when none is configured.
const DefaultConcurrencyLimit = 5

const defaultAcquireRetry = 200 * time.Millisecond

type pendingTask struct {
	task     Task
	enqueued time.Time
}

type keyState struct {
	pending  []pendingTask
	draining bool
	lastUsed time.Time
}

// Local drains per-key backlogs inside the process. For each busy key one
// goroutine loops: acquire the key's lock, run up to the concurrency limit of
// pending tasks at once, wait for all of them, release the lock, and repeat
// while work is pending. Batches of one key run in enqueue order.
type Local struct {
	locks     lock.Manager
	ownsLocks bool
	limit     int
	sink      Sink
	logger    zerolog.Logger
	timeout   time.Duration
	retry     time.Duration

	evictGrace    time.Duration
	evictInterval time.Duration

	mu     sync.Mutex
	keys   map[string]*keyState
	closed bool

	ctx      context.Context
	cancel   context.CancelFunc
	drains   sync.WaitGroup
	sweepers sync.WaitGroup
}

// LocalOption configures a Local queue.
type LocalOption func(*Local)

// WithConcurrencyLimit caps how many tasks of one key run together.
func WithConcurrencyLimit(n int) LocalOption {
	return func(q *Local) {
		if n > 0 {
			q.limit = n
		}
	}
}

// WithSink routes outcomes to sink instead of the logger.
func WithSink(sink Sink) LocalOption {
	return func(q *Local) {
		q.sink = sink
	}
}

// WithLogger sets the logger used by the queue.
func WithLogger(logger zerolog.Logger) LocalOption {
	return func(q *Local) {
		q.logger = logger
	}
}

// WithTaskTimeout bounds each task run. Zero means no bound.
func WithTaskTimeout(d time.Duration) LocalOption {
	return func(q *Local) {
		q.timeout = d
	}
}

// WithAcquireRetry sets the pause after a failed lock acquisition.
func WithAcquireRetry(d time.Duration) LocalOption {
	return func(q *Local) {
		if d > 0 {
			q.retry = d
		}
	}
}

// WithIdleEviction periodically forgets keys without pending work that were
// idle for longer than grace, together with their locks.
func WithIdleEviction(grace, interval time.Duration) LocalOption {
	return func(q *Local) {
		q.evictGrace = grace
		q.evictInterval = interval
	}
}

// NewLocal returns a Local queue serialized by locks. A nil manager gets a
// private lock.InMemory.
func NewLocal(locks lock.Manager, opts ...LocalOption) *Local {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Local{
		locks:  locks,
		limit:  DefaultConcurrencyLimit,
		logger: zerolog.Nop(),
		retry:  defaultAcquireRetry,
		keys:   make(map[string]*keyState),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.locks == nil {
		q.locks = lock.NewInMemory(lock.WithLogger(q.logger))
		q.ownsLocks = true
	}
	if q.sink == nil {
		q.sink = LogSink(q.logger)
	}
	if q.evictGrace > 0 && q.evictInterval > 0 {
		q.sweepers.Add(1)
		go q.sweeper()
	}
	return q
}

// Enqueue implements Queue. The task is appended to the key's backlog and a
// drain is started unless one is already running for the key.
func (q *Local) Enqueue(ctx context.Context, key string, task Task) error {
	if err := validate(key, task); err != nil {
		return err
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return keyqerrors.ErrQueueClosed
	}
	st, ok := q.keys[key]
	if !ok {
		st = &keyState{}
		q.keys[key] = st
	}
	st.pending = append(st.pending, pendingTask{task: task, enqueued: time.Now()})
	metrics.EnqueuedCounter.WithLabelValues("in-memory").Inc()
	if st.draining {
		q.mu.Unlock()
		return nil
	}
	st.draining = true
	q.drains.Add(1)
	q.mu.Unlock()

	go q.drain(key, st)
	return nil
}

// drain owns st.draining until the backlog is empty, so at most one drain
// runs per key and tasks appended meanwhile are picked up by the loop.
func (q *Local) drain(key string, st *keyState) {
	defer q.drains.Done()
	metrics.DrainGauge.Inc()
	defer metrics.DrainGauge.Dec()

	for {
		if !q.cycle(key, st) {
			return
		}
		q.mu.Lock()
		if len(st.pending) == 0 {
			st.draining = false
			st.lastUsed = time.Now()
			q.mu.Unlock()
			return
		}
		q.mu.Unlock()
	}
}

// cycle runs one batch. It returns false when the queue is shutting down and
// the backlog was abandoned.
func (q *Local) cycle(key string, st *keyState) bool {
	if q.ctx.Err() != nil {
		q.abandon(key, st)
		return false
	}
	ctx, span := tracer.Start(q.ctx, "keyq.drain", trace.WithAttributes(attribute.String("keyq.key", key)))
	defer span.End()

	start := time.Now()
	h, err := q.locks.Acquire(ctx, key)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "acquire failed")
		report(q.sink, Outcome{Key: key, Stage: StageAcquire, Err: err, Started: start, Duration: time.Since(start)})
		if q.ctx.Err() == nil {
			q.logger.Debug().Err(err).Str("key", key).Dur("retry", q.retry).Msg("lock not acquired, retrying")
			select {
			case <-time.After(q.retry):
				return true
			case <-q.ctx.Done():
			}
		}
		q.abandon(key, st)
		return false
	}

	q.mu.Lock()
	n := min(q.limit, len(st.pending))
	batch := make([]pendingTask, n)
	copy(batch, st.pending)
	clear(st.pending[:n])
	st.pending = st.pending[n:]
	q.mu.Unlock()

	span.SetAttributes(attribute.Int("keyq.batch", n))
	q.runBatch(ctx, key, batch)

	if err := q.locks.Release(context.WithoutCancel(ctx), h); err != nil {
		q.logger.Warn().Err(err).Str("key", key).Msg("lock release failed")
	}
	return true
}

// runBatch runs every task concurrently and waits for all of them. Failures
// are reported and never cancel siblings.
func (q *Local) runBatch(ctx context.Context, key string, batch []pendingTask) {
	var g errgroup.Group
	for _, p := range batch {
		g.Go(func() error {
			q.runTask(ctx, key, p)
			return nil
		})
	}
	_ = g.Wait()
	metrics.BatchCounter.Inc()
	metrics.BatchSize.Observe(float64(len(batch)))
}

func (q *Local) runTask(ctx context.Context, key string, p pendingTask) {
	tctx := withKey(ctx, key)
	if q.timeout > 0 {
		var cancel context.CancelFunc
		tctx, cancel = context.WithTimeout(tctx, q.timeout)
		defer cancel()
	}
	start := time.Now()
	err := safeRun(tctx, p.task)
	d := time.Since(start)
	metrics.TaskLatency.Observe(d.Seconds())
	report(q.sink, Outcome{Key: key, Task: taskName(p.task), Stage: StageTask, Err: err, Started: start, Duration: d})
}

// abandon drops the backlog of key after Close gave up waiting.
func (q *Local) abandon(key string, st *keyState) {
	q.mu.Lock()
	dropped := st.pending
	st.pending = nil
	st.draining = false
	st.lastUsed = time.Now()
	q.mu.Unlock()
	for _, p := range dropped {
		report(q.sink, Outcome{Key: key, Task: taskName(p.task), Stage: StageAcquire, Err: keyqerrors.ErrQueueClosed, Started: p.enqueued})
	}
}

// Pending reports tasks of key waiting for a batch.
func (q *Local) Pending(key string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if st, ok := q.keys[key]; ok {
		return len(st.pending)
	}
	return 0
}

// Len reports how many keys the queue tracks.
func (q *Local) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.keys)
}

// EvictIdle forgets keys with no pending work and no drain that were last
// used more than grace ago. Idle locks of the manager are evicted as well
// when it supports it. It returns the number of forgotten keys.
func (q *Local) EvictIdle(grace time.Duration) int {
	cutoff := time.Now().Add(-grace)
	q.mu.Lock()
	n := 0
	for key, st := range q.keys {
		if st.draining || len(st.pending) > 0 || st.lastUsed.After(cutoff) {
			continue
		}
		delete(q.keys, key)
		n++
	}
	q.mu.Unlock()
	if ev, ok := q.locks.(interface{ EvictIdle(time.Duration) int }); ok {
		ev.EvictIdle(grace)
	}
	return n
}

func (q *Local) sweeper() {
	defer q.sweepers.Done()
	ticker := time.NewTicker(q.evictInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := q.EvictIdle(q.evictGrace); n > 0 {
				q.logger.Debug().Int("evicted", n).Msg("evicted idle keys")
			}
		case <-q.ctx.Done():
			return
		}
	}
}

// Close rejects new work and waits for running drains to empty their
// backlogs. If ctx ends first, waiting drains are cancelled, their remaining
// tasks are reported with ErrQueueClosed and ctx.Err() is returned.
func (q *Local) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.drains.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("close local queue: %w", ctx.Err())
	}
	q.cancel()
	q.sweepers.Wait()
	if q.ownsLocks {
		if m, ok := q.locks.(*lock.InMemory); ok {
			m.Close()
		}
	}
	return err
}
