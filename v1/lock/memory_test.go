package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	keyqerrors "github.com/mirkobrombin/go-keyq/v1/errors"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestInMemoryAcquireRelease(t *testing.T) {
	m := NewInMemory()
	ctx := context.Background()
	h, err := m.Acquire(ctx, "team-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if h.Key() != "team-1" {
		t.Fatalf("unexpected key %q", h.Key())
	}
	if err := m.Release(ctx, h); err != nil {
		t.Fatalf("release: %v", err)
	}
	h, err = m.Acquire(ctx, "team-1")
	if err != nil {
		t.Fatalf("re-acquire: %v", err)
	}
	_ = m.Release(ctx, h)
}

func TestInMemoryRejectsEmptyKey(t *testing.T) {
	m := NewInMemory()
	if _, err := m.Acquire(context.Background(), ""); !errors.Is(err, keyqerrors.ErrEmptyKey) {
		t.Fatalf("expected ErrEmptyKey, got %v", err)
	}
}

func TestLockWaitersResumeInArrivalOrder(t *testing.T) {
	l := NewLock()
	ctx := context.Background()
	if err := l.Acquire(ctx); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	const n = 5
	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := l.Acquire(ctx); err != nil {
				t.Errorf("waiter %d: %v", i, err)
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			l.Release()
		}(i)
		waitFor(t, func() bool { return l.Waiters() == i+1 })
	}

	l.Release()
	wg.Wait()
	for i, v := range order {
		if v != i {
			t.Fatalf("waiters resumed out of order: %v", order)
		}
	}
}

func TestLockReleaseHandsOffWithoutFreeWindow(t *testing.T) {
	l := NewLock()
	ctx := context.Background()
	_ = l.Acquire(ctx)

	acquired := make(chan struct{})
	go func() {
		_ = l.Acquire(ctx)
		close(acquired)
	}()
	waitFor(t, func() bool { return l.Waiters() == 1 })

	l.Release()
	if l.TryAcquire() {
		t.Fatal("lock was observable as free between holders")
	}
	<-acquired
	l.Release()
	if !l.TryAcquire() {
		t.Fatal("lock should be free after last release")
	}
}

func TestReleaseIsIdempotentPerHandle(t *testing.T) {
	m := NewInMemory()
	ctx := context.Background()
	h1, _ := m.Acquire(ctx, "k")

	got := make(chan Handle)
	go func() {
		h, _ := m.Acquire(ctx, "k")
		got <- h
	}()
	waitFor(t, func() bool { return m.locks["k"].lock.Waiters() == 1 })

	if err := m.Release(ctx, h1); err != nil {
		t.Fatalf("release: %v", err)
	}
	h2 := <-got
	if err := m.Release(ctx, h1); err != nil {
		t.Fatalf("second release: %v", err)
	}

	// h2 must still be the holder
	cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := m.Acquire(cctx, "k"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected key still held, got %v", err)
	}
	_ = m.Release(ctx, h2)
}

func TestCancelledWaiterIsSkipped(t *testing.T) {
	m := NewInMemory()
	ctx := context.Background()
	h, _ := m.Acquire(ctx, "k")

	cctx, cancel := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() {
		_, err := m.Acquire(cctx, "k")
		errCh <- err
	}()
	waitFor(t, func() bool { return m.locks["k"].lock.Waiters() == 1 })
	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	_ = m.Release(ctx, h)
	h, err := m.Acquire(ctx, "k")
	if err != nil {
		t.Fatalf("acquire after cancelled waiter: %v", err)
	}
	_ = m.Release(ctx, h)
}

func TestKeysDoNotBlockEachOther(t *testing.T) {
	m := NewInMemory()
	ctx := context.Background()
	h1, _ := m.Acquire(ctx, "team-1")
	defer func() { _ = m.Release(ctx, h1) }()

	cctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	h2, err := m.Acquire(cctx, "team-2")
	if err != nil {
		t.Fatalf("team-2 blocked by team-1: %v", err)
	}
	_ = m.Release(ctx, h2)
}

func TestReleaseForeignHandle(t *testing.T) {
	a, b := NewInMemory(), NewInMemory()
	ctx := context.Background()
	h, _ := a.Acquire(ctx, "k")
	if err := b.Release(ctx, h); !errors.Is(err, keyqerrors.ErrInvalidHandle) {
		t.Fatalf("expected ErrInvalidHandle, got %v", err)
	}
	if err := a.Release(ctx, nil); !errors.Is(err, keyqerrors.ErrInvalidHandle) {
		t.Fatalf("expected ErrInvalidHandle for nil, got %v", err)
	}
}

func TestEvictIdleKeepsBusyLocks(t *testing.T) {
	m := NewInMemory()
	ctx := context.Background()
	for _, k := range []string{"a", "b"} {
		h, _ := m.Acquire(ctx, k)
		_ = m.Release(ctx, h)
	}
	held, _ := m.Acquire(ctx, "c")

	if n := m.EvictIdle(0); n != 2 {
		t.Fatalf("expected 2 evictions, got %d", n)
	}
	if m.Len() != 1 {
		t.Fatalf("expected only the held lock to remain, got %d", m.Len())
	}
	_ = m.Release(ctx, held)
	if n := m.EvictIdle(time.Hour); n != 0 {
		t.Fatalf("recently used lock evicted")
	}
}

func TestIdleEvictionSweeper(t *testing.T) {
	m := NewInMemory(WithIdleEviction(time.Millisecond, 5*time.Millisecond))
	defer m.Close()
	ctx := context.Background()
	h, _ := m.Acquire(ctx, "k")
	_ = m.Release(ctx, h)
	waitFor(t, func() bool { return m.Len() == 0 })
}
