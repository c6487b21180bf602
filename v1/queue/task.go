package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	keyqerrors "github.com/mirkobrombin/go-keyq/v1/errors"
)

// ErrDuplicateHandler is returned when a task name is registered twice.
var ErrDuplicateHandler = errors.New("keyq: handler already registered")

// Task is a unit of work executed under its key's lock.
type Task interface {
	Run(ctx context.Context) error
}

// TaskFunc adapts a function to Task.
type TaskFunc func(ctx context.Context) error

// Run implements Task.
func (f TaskFunc) Run(ctx context.Context) error { return f(ctx) }

type keyContextKey struct{}

// KeyFromContext returns the resource key of the running task.
func KeyFromContext(ctx context.Context) (string, bool) {
	key, ok := ctx.Value(keyContextKey{}).(string)
	return key, ok
}

func withKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, keyContextKey{}, key)
}

// Portable is a task that can be persisted and run by another process that
// knows a Handler for TaskName.
type Portable interface {
	Task
	TaskName() string
	TaskPayload() []byte
}

// Handler executes the payload of a named task.
type Handler func(ctx context.Context, payload []byte) error

// Registry maps task names to handlers. Producers and workers must register
// the same names.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler under name.
func (r *Registry) Register(name string, h Handler) error {
	if name == "" || h == nil {
		return keyqerrors.ErrNilTask
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, name)
	}
	r.handlers[name] = h
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(name string, h Handler) {
	if err := r.Register(name, h); err != nil {
		panic(err)
	}
}

// Lookup returns the handler registered under name.
func (r *Registry) Lookup(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns the registered task names in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Task returns a Portable task that runs the handler registered under name
// with payload. The handler is resolved at execution time.
func (r *Registry) Task(name string, payload []byte) Portable {
	return &registeredTask{name: name, payload: payload, registry: r}
}

type registeredTask struct {
	name     string
	payload  []byte
	registry *Registry
}

func (t *registeredTask) TaskName() string    { return t.name }
func (t *registeredTask) TaskPayload() []byte { return t.payload }

func (t *registeredTask) Run(ctx context.Context) error {
	h, ok := t.registry.Lookup(t.name)
	if !ok {
		return fmt.Errorf("%w: %s", keyqerrors.ErrUnknownTask, t.name)
	}
	return h(ctx, t.payload)
}

func taskName(t Task) string {
	if p, ok := t.(Portable); ok {
		return p.TaskName()
	}
	return ""
}

// safeRun runs t and turns a panic into ErrTaskPanic.
func safeRun(ctx context.Context, t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", keyqerrors.ErrTaskPanic, r)
		}
	}()
	return t.Run(ctx)
}
