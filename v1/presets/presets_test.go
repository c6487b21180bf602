package presets

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirkobrombin/go-keyq/v1/config"
	"github.com/mirkobrombin/go-keyq/v1/queue"
)

func baseConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.FromViper(config.New())
	require.NoError(t, err)
	return cfg
}

func echoRegistry(got chan<- string) *queue.Registry {
	reg := queue.NewRegistry()
	reg.MustRegister("echo", func(ctx context.Context, payload []byte) error {
		key, _ := queue.KeyFromContext(ctx)
		got <- key + ":" + string(payload)
		return nil
	})
	return reg
}

func TestNewInMemoryStandalone(t *testing.T) {
	q := NewInMemoryStandalone(queue.WithConcurrencyLimit(2))
	defer q.Close(context.Background())

	done := make(chan struct{})
	require.NoError(t, q.Enqueue(context.Background(), "team-1", queue.TaskFunc(func(context.Context) error {
		close(done)
		return nil
	})))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task never ran")
	}
}

func TestNewInMemoryBackend(t *testing.T) {
	cfg := baseConfig(t)
	got := make(chan string, 1)
	stack, err := New(cfg, echoRegistry(got), zerolog.Nop())
	require.NoError(t, err)
	defer stack.Close(context.Background())

	require.NotNil(t, stack.Local)
	assert.Nil(t, stack.Worker)

	reg := echoRegistry(got)
	require.NoError(t, stack.Queue.Enqueue(context.Background(), "team-1", reg.Task("echo", []byte("hi"))))
	select {
	case v := <-got:
		assert.Equal(t, "team-1:hi", v)
	case <-time.After(time.Second):
		t.Fatal("task never ran")
	}
}

func TestNewDistributedBackend(t *testing.T) {
	var addrs []string
	for i := 0; i < 3; i++ {
		mr := miniredis.RunT(t)
		addrs = append(addrs, mr.Addr())
	}
	cfg := baseConfig(t)
	cfg.Backend = config.BackendDistributed
	cfg.Notifier = config.NotifierRedis
	cfg.Redis.Addrs = addrs
	cfg.JobLog.Block = 20 * time.Millisecond
	cfg.Lock.RetryDelay = 5 * time.Millisecond
	cfg.Lock.RetryJitter = 5 * time.Millisecond

	got := make(chan string, 2)
	reg := echoRegistry(got)
	stack, err := New(cfg, reg, zerolog.Nop())
	require.NoError(t, err)
	defer stack.Close(context.Background())

	require.NotNil(t, stack.Worker)
	require.NotNil(t, stack.Bus)
	assert.Nil(t, stack.Local)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- stack.Worker.Run(ctx) }()

	require.NoError(t, stack.Queue.Enqueue(context.Background(), "team-1", reg.Task("echo", []byte("a"))))
	require.NoError(t, stack.Queue.Enqueue(context.Background(), "team-2", reg.Task("echo", []byte("b"))))

	seen := map[string]bool{}
	for len(seen) < 2 {
		select {
		case v := <-got:
			seen[v] = true
		case <-time.After(5 * time.Second):
			t.Fatalf("jobs not processed, saw %v", seen)
		}
	}
	assert.True(t, seen["team-1:a"])
	assert.True(t, seen["team-2:b"])

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := baseConfig(t)
	cfg.ConcurrencyLimit = 0
	_, err := New(cfg, nil, zerolog.Nop())
	require.ErrorIs(t, err, config.ErrInvalid)
}

func TestNewFailsOnUnreachableNATS(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := baseConfig(t)
	cfg.Backend = config.BackendDistributed
	cfg.Notifier = config.NotifierNATS
	cfg.NATS.URL = "nats://127.0.0.1:1"
	cfg.Redis.Addrs = []string{mr.Addr()}

	_, err := New(cfg, nil, zerolog.Nop())
	require.Error(t, err)
}
