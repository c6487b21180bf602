package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	keyqerrors "github.com/mirkobrombin/go-keyq/v1/errors"
	"github.com/mirkobrombin/go-keyq/v1/lock"
)

type recorder struct {
	mu       sync.Mutex
	outcomes []Outcome
}

func (r *recorder) Report(o Outcome) {
	r.mu.Lock()
	r.outcomes = append(r.outcomes, o)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Outcome, len(r.outcomes))
	copy(out, r.outcomes)
	return out
}

func (r *recorder) count(stage Stage) int {
	n := 0
	for _, o := range r.snapshot() {
		if o.Stage == stage {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

// flakyManager fails the first n acquisitions and then delegates.
type flakyManager struct {
	lock.Manager
	failures atomic.Int32
	always   bool
}

func (m *flakyManager) Acquire(ctx context.Context, key string) (lock.Handle, error) {
	if m.always || m.failures.Add(-1) >= 0 {
		return nil, keyqerrors.ErrAcquireFailed
	}
	return m.Manager.Acquire(ctx, key)
}

func newFlakyManager(t *testing.T, failures int) *flakyManager {
	t.Helper()
	mgr := lock.NewInMemory()
	t.Cleanup(mgr.Close)
	m := &flakyManager{Manager: mgr}
	m.failures.Store(int32(failures))
	return m
}
