// Package presets wires a complete keyq stack from configuration.
package presets

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	nats "github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mirkobrombin/go-keyq/v1/config"
	"github.com/mirkobrombin/go-keyq/v1/joblog"
	"github.com/mirkobrombin/go-keyq/v1/lock"
	"github.com/mirkobrombin/go-keyq/v1/queue"
	"github.com/mirkobrombin/go-keyq/v1/syncbus"
)

const (
	breakerThreshold = 5
	breakerTimeout   = 10 * time.Second
)

// Stack holds the components selected by New. For the in-memory backend
// Local is set; for the distributed backend Jobs, Worker, Log and Bus are.
type Stack struct {
	Config *config.Config
	Queue  queue.Queue
	Locks  lock.Manager

	Local  *queue.Local
	Jobs   *queue.Distributed
	Worker *queue.Worker
	Log    joblog.Log
	Bus    syncbus.Bus

	closers []func() error
}

// New builds the stack for cfg.Backend. Handlers executed by the worker or
// referenced by portable tasks come from registry.
func New(cfg *config.Config, registry *queue.Registry, logger zerolog.Logger) (*Stack, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if registry == nil {
		registry = queue.NewRegistry()
	}
	s := &Stack{Config: cfg}
	var err error
	switch cfg.Backend {
	case config.BackendInMemory:
		s.newInMemory(logger)
	case config.BackendDistributed:
		err = s.newDistributed(registry, logger)
	}
	if err != nil {
		_ = s.Close(context.Background())
		return nil, err
	}
	logger.Info().Str("backend", cfg.Backend).Msg("keyq stack ready")
	return s, nil
}

func (s *Stack) newInMemory(logger zerolog.Logger) {
	locks := lock.NewInMemory(lock.WithLogger(logger))
	s.closers = append(s.closers, func() error {
		locks.Close()
		return nil
	})
	s.Locks = locks
	s.Local = queue.NewLocal(locks,
		queue.WithConcurrencyLimit(s.Config.ConcurrencyLimit),
		queue.WithLogger(logger),
	)
	s.Queue = s.Local
}

func (s *Stack) newDistributed(registry *queue.Registry, logger zerolog.Logger) error {
	cfg := s.Config
	nodes := make([]redis.UniversalClient, 0, len(cfg.Redis.Addrs))
	for _, addr := range cfg.Redis.Addrs {
		client := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		s.closers = append(s.closers, client.Close)
		nodes = append(nodes, client)
	}

	bus, err := s.newBus(nodes[0], logger)
	if err != nil {
		return err
	}
	opts := []lock.RedlockOption{
		lock.WithRedlockConfig(cfg.Redlock()),
		lock.WithRedlockLogger(logger),
	}
	if bus != nil {
		s.Bus = syncbus.NewCircuitBreaker(bus, breakerThreshold, breakerTimeout)
		s.closers = append(s.closers, s.Bus.Close)
		opts = append(opts, lock.WithBus(s.Bus))
	}
	locks, err := lock.NewRedlock(nodes, opts...)
	if err != nil {
		return err
	}
	s.Locks = locks

	s.Log = joblog.NewRedisStream(nodes[0], cfg.Stream())
	s.closers = append(s.closers, s.Log.Close)
	s.Jobs = queue.NewDistributed(s.Log, queue.WithDistributedLogger(logger))
	s.Queue = s.Jobs

	s.Worker, err = queue.NewWorker(s.Log, locks, registry,
		queue.WithConsumers(cfg.Workers),
		queue.WithWorkerLogger(logger),
		queue.WithReclaim(cfg.JobLog.ReclaimIdle, cfg.JobLog.ReclaimIdle/2),
		queue.WithRequeue(cfg.JobLog.Requeue),
	)
	return err
}

func (s *Stack) newBus(client redis.UniversalClient, logger zerolog.Logger) (syncbus.Bus, error) {
	cfg := s.Config
	switch cfg.Notifier {
	case config.NotifierRedis:
		return syncbus.NewRedisBus(client), nil
	case config.NotifierNATS:
		conn, err := nats.Connect(cfg.NATS.URL, nats.Name("keyq"))
		if err != nil {
			return nil, fmt.Errorf("connect nats %s: %w", cfg.NATS.URL, err)
		}
		s.closers = append(s.closers, func() error {
			conn.Close()
			return nil
		})
		return syncbus.NewNATSBus(conn), nil
	case config.NotifierKafka:
		kcfg := sarama.NewConfig()
		kcfg.ClientID = "keyq"
		kcfg.Producer.Timeout = 2 * time.Second
		kcfg.Producer.Retry.Max = 1
		bus, err := syncbus.NewKafkaBus(cfg.Kafka.Brokers, cfg.Kafka.Topic, kcfg)
		if err != nil {
			return nil, fmt.Errorf("connect kafka: %w", err)
		}
		return bus, nil
	}
	logger.Debug().Msg("no release notifier, lease waiters poll")
	return nil, nil
}

// Close drains the local queue, if any, and closes every connection opened
// by New in reverse order.
func (s *Stack) Close(ctx context.Context) error {
	var errs []error
	if s.Local != nil {
		errs = append(errs, s.Local.Close(ctx))
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	s.closers = nil
	return errors.Join(errs...)
}

// NewInMemoryStandalone returns a local queue with its own lock manager and
// no external dependencies.
func NewInMemoryStandalone(opts ...queue.LocalOption) *queue.Local {
	return queue.NewLocal(nil, opts...)
}
