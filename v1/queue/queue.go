package queue

import (
	"context"

	"go.opentelemetry.io/otel"

	keyqerrors "github.com/mirkobrombin/go-keyq/v1/errors"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-keyq/v1/queue")

// Queue accepts work for a resource key. Enqueue returns once the task is
// accepted, not once it ran.
type Queue interface {
	Enqueue(ctx context.Context, key string, task Task) error
}

var (
	_ Queue = (*Local)(nil)
	_ Queue = (*Distributed)(nil)
)

func validate(key string, task Task) error {
	if key == "" {
		return keyqerrors.ErrEmptyKey
	}
	if task == nil {
		return keyqerrors.ErrNilTask
	}
	return nil
}
