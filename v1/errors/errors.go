package errors

import "errors"

var (
	// ErrTimeout is returned when a backend call exceeds its own deadline.
	ErrTimeout = errors.New("keyq: timeout")
	// ErrConnectionClosed is returned by a bus used after Close.
	ErrConnectionClosed = errors.New("keyq: connection closed")

	// ErrEmptyKey is returned when a resource key is empty.
	ErrEmptyKey = errors.New("keyq: resource key cannot be empty")
	// ErrNilTask is returned when a nil task is enqueued.
	ErrNilTask = errors.New("keyq: task is nil")
	// ErrQueueClosed is returned by Enqueue after Close.
	ErrQueueClosed = errors.New("keyq: queue closed")
	// ErrEnqueue wraps job log failures at acceptance time.
	ErrEnqueue = errors.New("keyq: enqueue failed")

	// ErrAcquireFailed is returned when a lock or lease could not be obtained
	// within the retry budget.
	ErrAcquireFailed = errors.New("keyq: lock acquisition failed")
	// ErrInvalidHandle is returned when a handle was not issued by the manager.
	ErrInvalidHandle = errors.New("keyq: invalid lock handle")

	// ErrNotPortable is returned when a task cannot be persisted to a job log.
	ErrNotPortable = errors.New("keyq: task is not portable")
	// ErrUnknownTask is returned when no handler is registered for a job.
	ErrUnknownTask = errors.New("keyq: unknown task")
	// ErrTaskPanic wraps a recovered task panic.
	ErrTaskPanic = errors.New("keyq: task panicked")
)
