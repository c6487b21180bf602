package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	keyqerrors "github.com/mirkobrombin/go-keyq/v1/errors"
	"github.com/mirkobrombin/go-keyq/v1/joblog"
	"github.com/mirkobrombin/go-keyq/v1/metrics"
)

// Distributed persists submissions as jobs. Execution happens in a Worker,
// possibly in another process.
type Distributed struct {
	log    joblog.Log
	logger zerolog.Logger
}

// DistributedOption configures a Distributed queue.
type DistributedOption func(*Distributed)

// WithDistributedLogger sets the logger used by the queue.
func WithDistributedLogger(logger zerolog.Logger) DistributedOption {
	return func(q *Distributed) {
		q.logger = logger
	}
}

// NewDistributed returns a queue appending to log.
func NewDistributed(log joblog.Log, opts ...DistributedOption) *Distributed {
	q := &Distributed{log: log, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue implements Queue. task must be Portable.
func (q *Distributed) Enqueue(ctx context.Context, key string, task Task) error {
	_, err := q.Submit(ctx, key, task)
	return err
}

// Submit is Enqueue returning the id of the persisted job.
func (q *Distributed) Submit(ctx context.Context, key string, task Task) (string, error) {
	if err := validate(key, task); err != nil {
		return "", err
	}
	p, ok := task.(Portable)
	if !ok {
		return "", keyqerrors.ErrNotPortable
	}
	job := joblog.Job{
		ID:         uuid.NewString(),
		Key:        key,
		Task:       p.TaskName(),
		Payload:    p.TaskPayload(),
		EnqueuedAt: time.Now().UTC(),
	}
	ctx, span := tracer.Start(ctx, "keyq.enqueue", trace.WithAttributes(
		attribute.String("keyq.key", key),
		attribute.String("keyq.job", job.ID),
		attribute.String("keyq.task", job.Task),
	))
	defer span.End()

	if err := q.log.Append(ctx, job); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "append failed")
		q.logger.Error().Err(err).Str("key", key).Str("task", job.Task).Msg("job not persisted")
		return "", fmt.Errorf("%w: %w", keyqerrors.ErrEnqueue, err)
	}
	metrics.EnqueuedCounter.WithLabelValues("distributed").Inc()
	q.logger.Debug().Str("key", key).Str("job", job.ID).Str("task", job.Task).Msg("job enqueued")
	return job.ID, nil
}
