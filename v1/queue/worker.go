package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
	uuid "github.com/hashicorp/go-uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	keyqerrors "github.com/mirkobrombin/go-keyq/v1/errors"
	"github.com/mirkobrombin/go-keyq/v1/joblog"
	"github.com/mirkobrombin/go-keyq/v1/lock"
	"github.com/mirkobrombin/go-keyq/v1/metrics"
)

const (
	// DefaultConsumers is the consumer pool size of a Worker.
	DefaultConsumers = 4

	defaultSeenTTL    = 10 * time.Minute
	defaultAckTimeout = 5 * time.Second
	nextErrorBackoff  = time.Second
)

// Worker consumes jobs from a joblog.Log. Every job is run under the lease of
// its key and acknowledged once it ran, failed or was rejected, so a failing
// job never blocks the log. Jobs interrupted by shutdown stay unacknowledged
// and are redelivered.
type Worker struct {
	log      joblog.Log
	locks    lock.Manager
	registry *Registry
	sink     Sink
	logger   zerolog.Logger

	consumers       int
	reclaimIdle     time.Duration
	reclaimInterval time.Duration
	maxAttempts     int
	seenTTL         time.Duration

	id   string
	seen *ristretto.Cache
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithConsumers sets how many jobs are processed concurrently.
func WithConsumers(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.consumers = n
		}
	}
}

// WithWorkerSink routes outcomes to sink instead of the logger.
func WithWorkerSink(sink Sink) WorkerOption {
	return func(w *Worker) {
		w.sink = sink
	}
}

// WithWorkerLogger sets the logger used by the worker.
func WithWorkerLogger(logger zerolog.Logger) WorkerOption {
	return func(w *Worker) {
		w.logger = logger
	}
}

// WithReclaim takes over, every interval, deliveries that stayed
// unacknowledged for minIdle, typically because their consumer died.
func WithReclaim(minIdle, interval time.Duration) WorkerOption {
	return func(w *Worker) {
		w.reclaimIdle = minIdle
		w.reclaimInterval = interval
	}
}

// WithRequeue appends a job again, up to maxAttempts times, when its lease
// could not be acquired. Zero drops it after reporting.
func WithRequeue(maxAttempts int) WorkerOption {
	return func(w *Worker) {
		if maxAttempts >= 0 {
			w.maxAttempts = maxAttempts
		}
	}
}

// WithDedupeTTL sets how long processed job ids are remembered.
func WithDedupeTTL(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.seenTTL = d
		}
	}
}

// NewWorker returns a Worker running handlers from registry under leases from
// locks.
func NewWorker(log joblog.Log, locks lock.Manager, registry *Registry, opts ...WorkerOption) (*Worker, error) {
	if log == nil || locks == nil || registry == nil {
		return nil, errors.New("keyq: worker needs a log, a lock manager and a registry")
	}
	id, err := uuid.GenerateUUID()
	if err != nil {
		return nil, fmt.Errorf("worker id: %w", err)
	}
	seen, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     1 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("dedupe cache: %w", err)
	}
	w := &Worker{
		log:       log,
		locks:     locks,
		registry:  registry,
		logger:    zerolog.Nop(),
		consumers: DefaultConsumers,
		seenTTL:   defaultSeenTTL,
		id:        id,
		seen:      seen,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.sink == nil {
		w.sink = LogSink(w.logger)
	}
	return w, nil
}

// ID returns the prefix of the worker's consumer names.
func (w *Worker) ID() string { return w.id }

// Run processes jobs until ctx ends or the log is closed.
func (w *Worker) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < w.consumers; i++ {
		name := fmt.Sprintf("%s-%d", w.id, i)
		g.Go(func() error {
			return w.consume(gctx, name)
		})
	}
	if w.reclaimIdle > 0 && w.reclaimInterval > 0 {
		g.Go(func() error {
			return w.reclaimLoop(gctx, w.id+"-reclaim")
		})
	}
	w.logger.Info().Str("worker", w.id).Int("consumers", w.consumers).Msg("worker started")
	err := g.Wait()
	w.seen.Close()
	w.logger.Info().Str("worker", w.id).Msg("worker stopped")
	return err
}

func (w *Worker) consume(ctx context.Context, name string) error {
	for {
		d, err := w.log.Next(ctx, name)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, joblog.ErrClosed) {
				return nil
			}
			w.logger.Warn().Err(err).Str("consumer", name).Msg("job log read failed")
			select {
			case <-time.After(nextErrorBackoff):
				continue
			case <-ctx.Done():
				return nil
			}
		}
		w.process(ctx, d)
	}
}

func (w *Worker) reclaimLoop(ctx context.Context, name string) error {
	ticker := time.NewTicker(w.reclaimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			claimed, err := w.log.Reclaim(ctx, name, w.reclaimIdle)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				w.logger.Warn().Err(err).Msg("reclaim failed")
				continue
			}
			if len(claimed) > 0 {
				w.logger.Info().Int("jobs", len(claimed)).Msg("reclaimed stale deliveries")
			}
			for _, d := range claimed {
				w.process(ctx, d)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// process runs one delivery and acknowledges it unless shutdown interrupted it.
func (w *Worker) process(ctx context.Context, d joblog.Delivery) {
	ctx, span := tracer.Start(ctx, "keyq.job", trace.WithAttributes(
		attribute.String("keyq.key", d.Key),
		attribute.String("keyq.job", d.ID),
		attribute.String("keyq.task", d.Task),
		attribute.Int("keyq.attempt", d.Attempt),
	))
	defer span.End()

	o := w.execute(ctx, d)
	if o.Err != nil {
		span.RecordError(o.Err)
		span.SetStatus(codes.Error, string(o.Stage))
	}
	report(w.sink, o)

	if o.Err != nil && ctx.Err() != nil {
		// shutting down: leave the job for redelivery instead of dropping it
		w.logger.Info().Str("job", d.ID).Msg("job interrupted, left unacknowledged")
		return
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultAckTimeout)
	defer cancel()
	if err := w.log.Ack(actx, d); err != nil {
		report(w.sink, Outcome{Key: d.Key, JobID: d.ID, Task: d.Task, Stage: StageAck, Err: err, Started: time.Now()})
	}
}

func (w *Worker) execute(ctx context.Context, d joblog.Delivery) Outcome {
	o := Outcome{Key: d.Key, JobID: d.ID, Task: d.Task, Stage: StageTask, Started: time.Now()}
	if _, dup := w.seen.Get(d.ID); dup {
		o.Stage = StageDuplicate
		return o
	}
	handler, ok := w.registry.Lookup(d.Task)
	if !ok || d.Key == "" {
		o.Stage = StageResolve
		o.Err = fmt.Errorf("%w: %q", keyqerrors.ErrUnknownTask, d.Task)
		o.Duration = time.Since(o.Started)
		return o
	}

	h, err := w.locks.Acquire(ctx, d.Key)
	if err != nil {
		o.Stage = StageAcquire
		o.Err = err
		o.Duration = time.Since(o.Started)
		if ctx.Err() == nil {
			w.requeue(ctx, d)
		}
		return o
	}

	tctx := withKey(ctx, d.Key)
	if l, ok := h.(interface{ Until() time.Time }); ok {
		var cancel context.CancelFunc
		tctx, cancel = context.WithDeadline(tctx, l.Until())
		defer cancel()
	}
	start := time.Now()
	o.Err = safeRun(tctx, TaskFunc(func(ctx context.Context) error {
		return handler(ctx, d.Payload)
	}))
	metrics.TaskLatency.Observe(time.Since(start).Seconds())

	if err := w.locks.Release(context.WithoutCancel(ctx), h); err != nil {
		w.logger.Warn().Err(err).Str("key", d.Key).Msg("lease release failed")
	}
	w.markSeen(d.ID)
	o.Duration = time.Since(o.Started)
	return o
}

// markSeen records id for duplicate detection. Ristretto may drop the set
// under contention, in which case a redelivery of id runs again.
func (w *Worker) markSeen(id string) bool {
	if !w.seen.SetWithTTL(id, struct{}{}, 1, w.seenTTL) {
		w.logger.Debug().Str("job", id).Msg("dedupe entry dropped, redelivery will run again")
		return false
	}
	w.seen.Wait()
	return true
}

func (w *Worker) requeue(ctx context.Context, d joblog.Delivery) {
	if d.Attempt >= w.maxAttempts {
		return
	}
	job := d.Job
	job.Attempt++
	if err := w.log.Append(context.WithoutCancel(ctx), job); err != nil {
		w.logger.Warn().Err(err).Str("job", job.ID).Msg("requeue failed")
		return
	}
	w.logger.Debug().Str("job", job.ID).Int("attempt", job.Attempt).Msg("job requeued")
}
