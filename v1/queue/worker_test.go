package queue

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	keyqerrors "github.com/mirkobrombin/go-keyq/v1/errors"
	"github.com/mirkobrombin/go-keyq/v1/joblog"
	"github.com/mirkobrombin/go-keyq/v1/lock"
)

type workerEnv struct {
	log   *joblog.InMemory
	locks lock.Manager
	reg   *Registry
	rec   *recorder
}

func newWorkerEnv(t *testing.T, locks lock.Manager) *workerEnv {
	t.Helper()
	if locks == nil {
		mgr := lock.NewInMemory()
		t.Cleanup(mgr.Close)
		locks = mgr
	}
	log := joblog.NewInMemory()
	t.Cleanup(func() { _ = log.Close() })
	return &workerEnv{log: log, locks: locks, reg: NewRegistry(), rec: &recorder{}}
}

func (e *workerEnv) start(t *testing.T, opts ...WorkerOption) *Worker {
	t.Helper()
	opts = append([]WorkerOption{WithWorkerSink(e.rec)}, opts...)
	w, err := NewWorker(e.log, e.locks, e.reg, opts...)
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	runWorker(t, w)
	return w
}

func runWorker(t *testing.T, w *Worker) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("worker run: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("worker did not stop")
		}
	})
}

func TestWorkerRunsJobsAndAcks(t *testing.T) {
	env := newWorkerEnv(t, nil)
	var mu sync.Mutex
	var got []string
	env.reg.MustRegister("append", func(ctx context.Context, payload []byte) error {
		key, _ := KeyFromContext(ctx)
		mu.Lock()
		got = append(got, key+"/"+string(payload))
		mu.Unlock()
		return nil
	})
	q := NewDistributed(env.log)
	ctx := context.Background()
	for _, p := range []string{"1", "2", "3"} {
		if err := q.Enqueue(ctx, "team-1", env.reg.Task("append", []byte(p))); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	env.start(t, WithConsumers(1))

	waitFor(t, 2*time.Second, func() bool { return env.rec.count(StageTask) == 3 && env.log.Len() == 0 })
	mu.Lock()
	defer mu.Unlock()
	want := []string{"team-1/1", "team-1/2", "team-1/3"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v got %v", want, got)
		}
	}
}

func TestWorkerSerializesKeyAcrossConsumers(t *testing.T) {
	env := newWorkerEnv(t, nil)
	var active, overlap atomic.Int32
	env.reg.MustRegister("work", func(context.Context, []byte) error {
		if active.Add(1) > 1 {
			overlap.Add(1)
		}
		time.Sleep(2 * time.Millisecond)
		active.Add(-1)
		return nil
	})
	q := NewDistributed(env.log)
	for i := 0; i < 20; i++ {
		if err := q.Enqueue(context.Background(), "counter-1", env.reg.Task("work", nil)); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	env.start(t, WithConsumers(4))

	waitFor(t, 5*time.Second, func() bool { return env.rec.count(StageTask) == 20 })
	if overlap.Load() != 0 {
		t.Fatalf("jobs of one key overlapped %d times", overlap.Load())
	}
}

func TestWorkerAcksFailedAndPanickingJobs(t *testing.T) {
	env := newWorkerEnv(t, nil)
	boom := errors.New("boom")
	env.reg.MustRegister("fail", func(context.Context, []byte) error { return boom })
	env.reg.MustRegister("panic", func(context.Context, []byte) error { panic("kaboom") })
	q := NewDistributed(env.log)
	_ = q.Enqueue(context.Background(), "team-1", env.reg.Task("fail", nil))
	_ = q.Enqueue(context.Background(), "team-1", env.reg.Task("panic", nil))
	env.start(t, WithConsumers(1))

	waitFor(t, 2*time.Second, func() bool { return env.rec.count(StageTask) == 2 && env.log.Len() == 0 })
	outcomes := env.rec.snapshot()
	if !errors.Is(outcomes[0].Err, boom) {
		t.Fatalf("expected boom got %v", outcomes[0].Err)
	}
	if !errors.Is(outcomes[1].Err, keyqerrors.ErrTaskPanic) {
		t.Fatalf("expected ErrTaskPanic got %v", outcomes[1].Err)
	}
}

func TestWorkerReportsUnknownTask(t *testing.T) {
	env := newWorkerEnv(t, nil)
	if err := env.log.Append(context.Background(), joblog.Job{ID: "j1", Key: "team-1", Task: "missing"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	env.start(t)

	waitFor(t, 2*time.Second, func() bool { return env.rec.count(StageResolve) == 1 && env.log.Len() == 0 })
	if o := env.rec.snapshot()[0]; !errors.Is(o.Err, keyqerrors.ErrUnknownTask) || o.JobID != "j1" {
		t.Fatalf("unexpected outcome %+v", o)
	}
}

func TestWorkerAcksJobWithoutLease(t *testing.T) {
	env := newWorkerEnv(t, &flakyManager{always: true})
	ran := atomic.Bool{}
	env.reg.MustRegister("work", func(context.Context, []byte) error {
		ran.Store(true)
		return nil
	})
	_ = NewDistributed(env.log).Enqueue(context.Background(), "team-1", env.reg.Task("work", nil))
	env.start(t)

	waitFor(t, 2*time.Second, func() bool { return env.rec.count(StageAcquire) == 1 && env.log.Len() == 0 })
	if o := env.rec.snapshot()[0]; !errors.Is(o.Err, keyqerrors.ErrAcquireFailed) {
		t.Fatalf("expected ErrAcquireFailed got %v", o.Err)
	}
	if ran.Load() {
		t.Fatal("task must not run without its lease")
	}
}

func TestWorkerRequeuesBoundedTimes(t *testing.T) {
	env := newWorkerEnv(t, &flakyManager{always: true})
	env.reg.MustRegister("work", func(context.Context, []byte) error { return nil })
	_ = NewDistributed(env.log).Enqueue(context.Background(), "team-1", env.reg.Task("work", nil))
	env.start(t, WithConsumers(1), WithRequeue(2))

	waitFor(t, 2*time.Second, func() bool { return env.rec.count(StageAcquire) == 3 && env.log.Len() == 0 })
	time.Sleep(20 * time.Millisecond)
	if got := env.rec.count(StageAcquire); got != 3 {
		t.Fatalf("expected 3 attempts got %d", got)
	}
}

func TestWorkerRequeuedJobRunsOnceLeaseIsFree(t *testing.T) {
	env := newWorkerEnv(t, newFlakyManager(t, 1))
	ran := make(chan struct{}, 1)
	env.reg.MustRegister("work", func(context.Context, []byte) error {
		ran <- struct{}{}
		return nil
	})
	_ = NewDistributed(env.log).Enqueue(context.Background(), "team-1", env.reg.Task("work", nil))
	env.start(t, WithConsumers(1), WithRequeue(1))

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("requeued job never ran")
	}
}

func TestWorkerSkipsDuplicateDeliveries(t *testing.T) {
	env := newWorkerEnv(t, nil)
	var runs atomic.Int32
	env.reg.MustRegister("work", func(context.Context, []byte) error {
		runs.Add(1)
		return nil
	})
	job := joblog.Job{ID: "same", Key: "team-1", Task: "work"}
	_ = env.log.Append(context.Background(), job)
	_ = env.log.Append(context.Background(), job)
	env.start(t, WithConsumers(1))

	waitFor(t, 2*time.Second, func() bool { return env.rec.count(StageDuplicate) == 1 && env.log.Len() == 0 })
	if runs.Load() != 1 {
		t.Fatalf("expected one run got %d", runs.Load())
	}
}

func TestWorkerLogsDroppedDedupeEntry(t *testing.T) {
	env := newWorkerEnv(t, nil)
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.DebugLevel)
	w, err := NewWorker(env.log, env.locks, env.reg, WithWorkerLogger(logger))
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}

	if !w.markSeen("job-1") {
		t.Fatal("expected the first entry to be stored")
	}
	if _, ok := w.seen.Get("job-1"); !ok {
		t.Fatal("stored entry not found")
	}

	// a closed cache rejects every set
	w.seen.Close()
	if w.markSeen("job-2") {
		t.Fatal("expected the set to be dropped")
	}
	if !strings.Contains(buf.String(), "dedupe entry dropped") || !strings.Contains(buf.String(), "job-2") {
		t.Fatalf("dropped entry not logged: %s", buf.String())
	}
}

func TestWorkerReclaimsStaleDeliveries(t *testing.T) {
	env := newWorkerEnv(t, nil)
	ran := make(chan string, 1)
	env.reg.MustRegister("work", func(_ context.Context, payload []byte) error {
		ran <- string(payload)
		return nil
	})
	_ = NewDistributed(env.log).Enqueue(context.Background(), "team-1", env.reg.Task("work", []byte("orphan")))
	if _, err := env.log.Next(context.Background(), "crashed"); err != nil {
		t.Fatalf("next: %v", err)
	}
	env.start(t, WithReclaim(5*time.Millisecond, 10*time.Millisecond))

	select {
	case v := <-ran:
		if v != "orphan" {
			t.Fatalf("unexpected payload %q", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stale delivery never reclaimed")
	}
	waitFor(t, time.Second, func() bool { return env.log.Len() == 0 })
}

func TestWorkerStopsWhenLogCloses(t *testing.T) {
	env := newWorkerEnv(t, nil)
	w, err := NewWorker(env.log, env.locks, env.reg)
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()
	time.Sleep(10 * time.Millisecond)
	_ = env.log.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("worker kept running after log close")
	}
}

func TestWorkerOverRedis(t *testing.T) {
	var clients []redis.UniversalClient
	for i := 0; i < 3; i++ {
		mr, err := miniredis.Run()
		if err != nil {
			t.Fatalf("miniredis run: %v", err)
		}
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		clients = append(clients, client)
		t.Cleanup(func() {
			_ = client.Close()
			mr.Close()
		})
	}
	cfg := lock.DefaultRedlockConfig()
	cfg.RetryDelay = 5 * time.Millisecond
	cfg.RetryJitter = 5 * time.Millisecond
	locks, err := lock.NewRedlock(clients, lock.WithRedlockConfig(cfg))
	if err != nil {
		t.Fatalf("redlock: %v", err)
	}
	log := joblog.NewRedisStream(clients[0], joblog.RedisStreamOptions{Block: 20 * time.Millisecond})

	reg := NewRegistry()
	var deadlineOK atomic.Bool
	var runs atomic.Int32
	reg.MustRegister("work", func(ctx context.Context, _ []byte) error {
		if dl, ok := ctx.Deadline(); ok && time.Until(dl) <= cfg.Expiry {
			deadlineOK.Store(true)
		}
		runs.Add(1)
		return nil
	})
	q := NewDistributed(log)
	for _, key := range []string{"team-1", "team-2", "team-1"} {
		if err := q.Enqueue(context.Background(), key, reg.Task("work", nil)); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	rec := &recorder{}
	w, err := NewWorker(log, locks, reg, WithWorkerSink(rec), WithConsumers(2))
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	runWorker(t, w)

	waitFor(t, 5*time.Second, func() bool {
		n, _ := clients[0].XLen(context.Background(), "keyq:jobs").Result()
		return rec.count(StageTask) == 3 && n == 0
	})
	for _, o := range rec.snapshot() {
		if o.Err != nil {
			t.Fatalf("unexpected outcome %+v", o)
		}
	}
	if !deadlineOK.Load() {
		t.Fatal("task context must carry the lease deadline")
	}
}
