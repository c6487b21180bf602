// Package config loads keyq settings from the environment and an optional
// config file.
//
// Every key can be set through a KEYQ_ variable, with dots replaced by
// underscores (lock.ttl is KEYQ_LOCK_TTL). QUEUE_TYPE, CONCURRENCY_LIMIT,
// REDIS_HOST and REDIS_PORT are accepted as fallbacks.
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/mirkobrombin/go-keyq/v1/joblog"
	"github.com/mirkobrombin/go-keyq/v1/lock"
)

// ErrInvalid is returned by Validate.
var ErrInvalid = errors.New("keyq: invalid config")

// Backends.
const (
	BackendInMemory    = "in-memory"
	BackendDistributed = "distributed"
)

// Notifiers carrying lease release signals.
const (
	NotifierNone  = "none"
	NotifierRedis = "redis"
	NotifierNATS  = "nats"
	NotifierKafka = "kafka"
)

// Config is the full keyq configuration.
type Config struct {
	Backend          string
	ConcurrencyLimit int
	Workers          int
	Notifier         string

	Lock    LockConfig
	Redis   RedisConfig
	JobLog  JobLogConfig
	NATS    NATSConfig
	Kafka   KafkaConfig
	Log     LogConfig
	Metrics MetricsConfig
}

// LockConfig tunes distributed leases.
type LockConfig struct {
	TTL         time.Duration
	RetryCount  int
	RetryDelay  time.Duration
	RetryJitter time.Duration
	DriftFactor float64
	KeyPrefix   string
}

// RedisConfig points at the Redis nodes. Addrs lists independent nodes used
// for lease quorum; the first one also holds the job stream.
type RedisConfig struct {
	Addrs    []string
	Password string
	DB       int
}

// JobLogConfig tunes the Redis job stream and its consumers.
type JobLogConfig struct {
	Stream      string
	Group       string
	Block       time.Duration
	ReclaimIdle time.Duration
	Requeue     int
}

// NATSConfig configures the NATS notifier.
type NATSConfig struct {
	URL string
}

// KafkaConfig configures the Kafka notifier.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level   string
	Console bool
}

// MetricsConfig configures the metrics endpoint. Empty Addr disables it.
type MetricsConfig struct {
	Addr string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("backend", BackendInMemory)
	v.SetDefault("concurrency_limit", 5)
	v.SetDefault("workers", 4)
	v.SetDefault("notifier", NotifierNone)
	v.SetDefault("lock.ttl", 5*time.Second)
	v.SetDefault("lock.retry_count", 10)
	v.SetDefault("lock.retry_delay", 200*time.Millisecond)
	v.SetDefault("lock.retry_jitter", 200*time.Millisecond)
	v.SetDefault("lock.drift_factor", 0.01)
	v.SetDefault("lock.key_prefix", "locks:")
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("joblog.stream", "keyq:jobs")
	v.SetDefault("joblog.group", "keyq-workers")
	v.SetDefault("joblog.block", 2*time.Second)
	v.SetDefault("joblog.reclaim_idle", 30*time.Second)
	v.SetDefault("joblog.requeue", 0)
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("kafka.topic", "keyq.signals")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.console", false)
	v.SetDefault("metrics.addr", "")
}

// New returns a viper instance with keyq defaults and environment bindings.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("KEYQ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("backend", "KEYQ_BACKEND", "QUEUE_TYPE")
	_ = v.BindEnv("concurrency_limit", "KEYQ_CONCURRENCY_LIMIT", "CONCURRENCY_LIMIT")
	_ = v.BindEnv("redis.host", "KEYQ_REDIS_HOST", "REDIS_HOST")
	_ = v.BindEnv("redis.port", "KEYQ_REDIS_PORT", "REDIS_PORT")
	return v
}

// Load reads the environment and, when path is not empty, a config file.
func Load(path string) (*Config, error) {
	v := New()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return FromViper(v)
}

// FromViper builds and validates a Config from v.
func FromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Backend:          normalizeBackend(v.GetString("backend")),
		ConcurrencyLimit: v.GetInt("concurrency_limit"),
		Workers:          v.GetInt("workers"),
		Notifier:         strings.ToLower(strings.TrimSpace(v.GetString("notifier"))),
		Lock: LockConfig{
			TTL:         v.GetDuration("lock.ttl"),
			RetryCount:  v.GetInt("lock.retry_count"),
			RetryDelay:  v.GetDuration("lock.retry_delay"),
			RetryJitter: v.GetDuration("lock.retry_jitter"),
			DriftFactor: v.GetFloat64("lock.drift_factor"),
			KeyPrefix:   v.GetString("lock.key_prefix"),
		},
		Redis: RedisConfig{
			Addrs:    splitList(v.GetString("redis.addrs")),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		JobLog: JobLogConfig{
			Stream:      v.GetString("joblog.stream"),
			Group:       v.GetString("joblog.group"),
			Block:       v.GetDuration("joblog.block"),
			ReclaimIdle: v.GetDuration("joblog.reclaim_idle"),
			Requeue:     v.GetInt("joblog.requeue"),
		},
		NATS: NATSConfig{URL: v.GetString("nats.url")},
		Kafka: KafkaConfig{
			Brokers: splitList(v.GetString("kafka.brokers")),
			Topic:   v.GetString("kafka.topic"),
		},
		Log: LogConfig{
			Level:   v.GetString("log.level"),
			Console: v.GetBool("log.console"),
		},
		Metrics: MetricsConfig{Addr: v.GetString("metrics.addr")},
	}
	if len(cfg.Redis.Addrs) == 0 {
		cfg.Redis.Addrs = []string{net.JoinHostPort(v.GetString("redis.host"), strconv.Itoa(v.GetInt("redis.port")))}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func normalizeBackend(s string) string {
	switch s = strings.ToLower(strings.TrimSpace(s)); s {
	case "redis", "bull":
		return BackendDistributed
	case "memory", "inmemory", "local":
		return BackendInMemory
	}
	return s
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendInMemory, BackendDistributed:
	default:
		return fmt.Errorf("%w: unknown backend %q", ErrInvalid, c.Backend)
	}
	switch c.Notifier {
	case NotifierNone, NotifierRedis, NotifierNATS:
	case NotifierKafka:
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("%w: kafka notifier needs kafka.brokers", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown notifier %q", ErrInvalid, c.Notifier)
	}
	if c.ConcurrencyLimit <= 0 {
		return fmt.Errorf("%w: concurrency_limit must be positive", ErrInvalid)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("%w: workers must be positive", ErrInvalid)
	}
	if c.Lock.TTL <= 0 || c.Lock.RetryCount <= 0 {
		return fmt.Errorf("%w: lock.ttl and lock.retry_count must be positive", ErrInvalid)
	}
	if c.Lock.RetryDelay < 0 || c.Lock.RetryJitter < 0 {
		return fmt.Errorf("%w: lock retry delay and jitter cannot be negative", ErrInvalid)
	}
	if c.Lock.DriftFactor < 0 || c.Lock.DriftFactor >= 1 {
		return fmt.Errorf("%w: lock.drift_factor must be in [0, 1)", ErrInvalid)
	}
	if c.JobLog.Block <= 0 || c.JobLog.ReclaimIdle <= 0 {
		return fmt.Errorf("%w: joblog.block and joblog.reclaim_idle must be positive", ErrInvalid)
	}
	if c.JobLog.Requeue < 0 {
		return fmt.Errorf("%w: joblog.requeue cannot be negative", ErrInvalid)
	}
	return nil
}

// Redlock returns the lease settings for lock.NewRedlock.
func (c *Config) Redlock() lock.RedlockConfig {
	return lock.RedlockConfig{
		Expiry:      c.Lock.TTL,
		Tries:       c.Lock.RetryCount,
		RetryDelay:  c.Lock.RetryDelay,
		RetryJitter: c.Lock.RetryJitter,
		DriftFactor: c.Lock.DriftFactor,
		KeyPrefix:   c.Lock.KeyPrefix,
	}
}

// Stream returns the options for joblog.NewRedisStream.
func (c *Config) Stream() joblog.RedisStreamOptions {
	return joblog.RedisStreamOptions{
		Stream: c.JobLog.Stream,
		Group:  c.JobLog.Group,
		Block:  c.JobLog.Block,
	}
}
