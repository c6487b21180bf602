package lock

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/go-redsync/redsync/v4"
	redsyncredis "github.com/go-redsync/redsync/v4/redis"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	keyqerrors "github.com/mirkobrombin/go-keyq/v1/errors"
	"github.com/mirkobrombin/go-keyq/v1/metrics"
	"github.com/mirkobrombin/go-keyq/v1/syncbus"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-keyq/v1/lock")

// releaseSignalTimeout caps how long Release waits on the bus.
const releaseSignalTimeout = time.Second

var (
	// ErrNoNodes is returned when a Redlock is built without Redis nodes.
	ErrNoNodes = errors.New("keyq: redlock needs at least one redis node")
	// ErrInvalidConfig is returned for out of range Redlock settings.
	ErrInvalidConfig = errors.New("keyq: invalid redlock config")
)

// RedlockConfig tunes lease acquisition.
type RedlockConfig struct {
	// Expiry is the lease duration.
	Expiry time.Duration
	// Tries is the number of quorum attempts before giving up.
	Tries int
	// RetryDelay plus a random share of RetryJitter is waited between attempts.
	RetryDelay  time.Duration
	RetryJitter time.Duration
	// DriftFactor accounts for clock drift between nodes.
	DriftFactor float64
	// KeyPrefix is prepended to resource keys in Redis.
	KeyPrefix string
}

// DefaultRedlockConfig returns a 5s lease with 10 tries spaced 200-400ms.
func DefaultRedlockConfig() RedlockConfig {
	return RedlockConfig{
		Expiry:      5 * time.Second,
		Tries:       10,
		RetryDelay:  200 * time.Millisecond,
		RetryJitter: 200 * time.Millisecond,
		DriftFactor: 0.01,
		KeyPrefix:   "locks:",
	}
}

func (c RedlockConfig) validate() error {
	switch {
	case c.Expiry <= 0:
		return fmt.Errorf("%w: expiry must be positive", ErrInvalidConfig)
	case c.Tries < 1:
		return fmt.Errorf("%w: tries must be at least 1", ErrInvalidConfig)
	case c.RetryDelay < 0 || c.RetryJitter < 0:
		return fmt.Errorf("%w: retry delay and jitter cannot be negative", ErrInvalidConfig)
	case c.DriftFactor < 0 || c.DriftFactor >= 1:
		return fmt.Errorf("%w: drift factor must be in [0, 1)", ErrInvalidConfig)
	}
	return nil
}

// Lease is a time-boxed ownership token for a key granted by a quorum of
// nodes. Ownership is only provable until Until.
type Lease struct {
	key      string
	mutex    *redsync.Mutex
	owner    *Redlock
	released atomic.Bool
}

// Key implements Handle.
func (l *Lease) Key() string { return l.key }

// Token returns the owner token stored on the nodes.
func (l *Lease) Token() string { return l.mutex.Value() }

// Until returns the expiry deadline of the lease.
func (l *Lease) Until() time.Time { return l.mutex.Until() }

// Valid reports whether the lease has not expired yet.
func (l *Lease) Valid() bool { return time.Now().Before(l.Until()) }

// Redlock implements Manager with the Redlock algorithm over independent Redis
// nodes. A minority of nodes may fail without breaking mutual exclusion.
//
// A lease can expire while its holder is still running. Work guarded by it
// must finish well inside Expiry.
type Redlock struct {
	rs     *redsync.Redsync
	cfg    RedlockConfig
	bus    syncbus.Bus
	logger zerolog.Logger
}

// RedlockOption configures a Redlock.
type RedlockOption func(*Redlock)

// WithRedlockConfig overrides DefaultRedlockConfig.
func WithRedlockConfig(cfg RedlockConfig) RedlockOption {
	return func(r *Redlock) {
		r.cfg = cfg
	}
}

// WithBus wakes waiters through bus when a lease is released, instead of
// only polling.
func WithBus(bus syncbus.Bus) RedlockOption {
	return func(r *Redlock) {
		r.bus = bus
	}
}

// WithRedlockLogger sets the logger used by the manager.
func WithRedlockLogger(logger zerolog.Logger) RedlockOption {
	return func(r *Redlock) {
		r.logger = logger
	}
}

// NewRedlock returns a Redlock over the given nodes. Each client must point to
// an independent Redis instance.
func NewRedlock(nodes []redis.UniversalClient, opts ...RedlockOption) (*Redlock, error) {
	if len(nodes) == 0 {
		return nil, ErrNoNodes
	}
	r := &Redlock{cfg: DefaultRedlockConfig(), logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(r)
	}
	if err := r.cfg.validate(); err != nil {
		return nil, err
	}
	pools := make([]redsyncredis.Pool, 0, len(nodes))
	for _, n := range nodes {
		pools = append(pools, goredis.NewPool(n))
	}
	r.rs = redsync.New(pools...)
	return r, nil
}

// Acquire implements Manager.Acquire. Each attempt asks every node for the
// lease and succeeds on a majority; after cfg.Tries failed attempts it returns
// ErrAcquireFailed.
func (r *Redlock) Acquire(ctx context.Context, key string) (Handle, error) {
	if key == "" {
		return nil, keyqerrors.ErrEmptyKey
	}
	ctx, span := tracer.Start(ctx, "Redlock.Acquire", trace.WithAttributes(attribute.String("keyq.key", key)))
	defer span.End()

	start := time.Now()
	mutex := r.rs.NewMutex(r.cfg.KeyPrefix+key,
		redsync.WithExpiry(r.cfg.Expiry),
		redsync.WithTries(1),
		redsync.WithDriftFactor(r.cfg.DriftFactor),
	)

	var signal <-chan struct{}
	if r.bus != nil {
		topic := syncbus.ReleaseTopic(key)
		// scoped to this call so the bus stops watching once Acquire returns
		subCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		ch, err := r.bus.Subscribe(subCtx, topic)
		if err != nil {
			r.logger.Debug().Err(err).Str("key", key).Msg("release signals unavailable, polling only")
		} else {
			signal = ch
			defer func() { _ = r.bus.Unsubscribe(context.Background(), topic, ch) }()
		}
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		err := mutex.TryLockContext(ctx)
		if err == nil {
			metrics.LockWait.Observe(time.Since(start).Seconds())
			span.SetAttributes(attribute.Int("keyq.attempts", attempt))
			return &Lease{key: key, mutex: mutex, owner: r}, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			span.SetStatus(codes.Error, "cancelled")
			return nil, ctx.Err()
		}
		if attempt >= r.cfg.Tries {
			break
		}
		if err := r.wait(ctx, &signal); err != nil {
			span.SetStatus(codes.Error, "cancelled")
			return nil, err
		}
	}

	metrics.AcquireFailures.Inc()
	span.SetStatus(codes.Error, "acquire failed")
	r.logger.Debug().Err(lastErr).Str("key", key).Int("tries", r.cfg.Tries).Msg("lease not acquired")
	return nil, fmt.Errorf("%w: %s after %d attempts: %v", keyqerrors.ErrAcquireFailed, key, r.cfg.Tries, lastErr)
}

// wait sleeps for one backoff step, returning early on a release signal.
func (r *Redlock) wait(ctx context.Context, signal *<-chan struct{}) error {
	timer := time.NewTimer(r.backoff())
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			return nil
		case _, ok := <-*signal:
			if ok {
				return nil
			}
			// bus went away
			*signal = nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *Redlock) backoff() time.Duration {
	d := r.cfg.RetryDelay
	if r.cfg.RetryJitter > 0 {
		d += rand.N(r.cfg.RetryJitter)
	}
	return d
}

// Release implements Manager.Release. Unlocking is best-effort on every node;
// a lease that already expired or was taken over is not an error.
func (r *Redlock) Release(ctx context.Context, h Handle) error {
	l, ok := h.(*Lease)
	if !ok || l == nil || l.owner != r {
		return keyqerrors.ErrInvalidHandle
	}
	if !l.released.CompareAndSwap(false, true) {
		return nil
	}
	if ok, err := l.mutex.UnlockContext(ctx); err != nil || !ok {
		r.logger.Debug().Err(err).Str("key", l.key).Msg("lease already expired or lost, release is a no-op")
	}
	if r.bus != nil {
		pctx, cancel := context.WithTimeout(ctx, releaseSignalTimeout)
		defer cancel()
		if err := r.bus.Publish(pctx, syncbus.ReleaseTopic(l.key)); err != nil {
			r.logger.Debug().Err(err).Str("key", l.key).Msg("release signal not published")
		}
	}
	return nil
}

// Extend re-arms a held lease for another Expiry on a quorum of nodes.
func (r *Redlock) Extend(ctx context.Context, h Handle) error {
	l, ok := h.(*Lease)
	if !ok || l == nil || l.owner != r || l.released.Load() {
		return keyqerrors.ErrInvalidHandle
	}
	ok, err := l.mutex.ExtendContext(ctx)
	if err != nil {
		return fmt.Errorf("%w: extend %s: %v", keyqerrors.ErrAcquireFailed, l.key, err)
	}
	if !ok {
		return fmt.Errorf("%w: extend %s", keyqerrors.ErrAcquireFailed, l.key)
	}
	return nil
}
