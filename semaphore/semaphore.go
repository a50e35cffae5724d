// Package semaphore implements a distributed concurrency limiter: a
// bounded slot list in a shared store, acquired via a server-side create
// script plus a blocking pop, released via a pipelined
// RPUSH+EXPIRE+EXPIRE round-trip.
package semaphore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/manenim/distlimiters/metrics"
	"github.com/manenim/distlimiters/store"
)

// DefaultKeyPrefix namespaces all keys this package writes.
const DefaultKeyPrefix = "__self-limiters:"

// DefaultTTL is the expiration applied to both the slot list and the
// existence marker after every release.
const DefaultTTL = 30 * time.Second

// Config is the recognized configuration for a Semaphore.
type Config struct {
	// Name identifies this semaphore. Must be non-empty.
	Name string
	// Capacity is the maximum number of simultaneous holders. Must be >= 1.
	Capacity int64
	// MaxSleep bounds the total wait inside Acquire. Zero means wait
	// indefinitely.
	MaxSleep time.Duration
	// TTL is the expiration refreshed on release. Zero selects DefaultTTL.
	TTL time.Duration
}

func (c Config) validate() error {
	if c.Name == "" {
		return errors.New("semaphore: Name must not be empty")
	}
	if c.Capacity < 1 {
		return errors.New("semaphore: Capacity must be >= 1")
	}
	if c.MaxSleep < 0 {
		return errors.New("semaphore: MaxSleep must be >= 0")
	}
	return nil
}

// Semaphore is a distributed, FIFO-fair concurrency limiter.
type Semaphore struct {
	s   store.Store
	cfg Config

	keyPrefix string
	log       *zap.Logger
	metrics   metrics.MetricsRecorder

	listKey   string
	existsKey string

	seenMu sync.Mutex
	seen   bool // whether this instance has already observed a cold create
}

// Option configures a Semaphore at construction time.
type Option func(*Semaphore)

// WithLogger attaches a zap logger for protocol-level events.
func WithLogger(log *zap.Logger) Option {
	return func(sem *Semaphore) {
		if log != nil {
			sem.log = log
		}
	}
}

// WithKeyPrefix overrides DefaultKeyPrefix.
func WithKeyPrefix(prefix string) Option {
	return func(sem *Semaphore) {
		sem.keyPrefix = prefix
	}
}

// WithTTL overrides the Config.TTL/DefaultTTL expiration refreshed on
// every release.
func WithTTL(ttl time.Duration) Option {
	return func(sem *Semaphore) {
		sem.cfg.TTL = ttl
	}
}

// WithRecorder injects a MetricsRecorder; defaults to a no-op.
func WithRecorder(m metrics.MetricsRecorder) Option {
	return func(sem *Semaphore) {
		if m != nil {
			sem.metrics = m
		}
	}
}

// New validates cfg and returns a ready Semaphore.
func New(s store.Store, cfg Config, opts ...Option) (*Semaphore, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.TTL == 0 {
		cfg.TTL = DefaultTTL
	}

	sem := &Semaphore{
		s:         s,
		cfg:       cfg,
		keyPrefix: DefaultKeyPrefix,
		log:       zap.NewNop(),
		metrics:   metrics.NoOpMetricsRecorder{},
	}
	for _, opt := range opts {
		opt(sem)
	}
	sem.listKey = sem.keyPrefix + cfg.Name
	sem.existsKey = sem.listKey + "-exists"

	return sem, nil
}

// Acquisition is a scoped right to proceed, returned by Acquire. Release
// must be called at least once per acquisition; it is idempotent, so a
// deferred Release alongside an earlier explicit one on an error path is
// safe.
type Acquisition struct {
	sem      *Semaphore
	released sync.Once
}

// Acquire blocks until exactly one slot has been removed from the
// semaphore's slot list, or returns an error.
//
// On a cold name, the create script lazily seeds the list to Capacity
// sentinels (at most once per lifetime of the existence marker). The
// caller then waits on a blocking pop bounded by MaxSleep.
func (sem *Semaphore) Acquire(ctx context.Context) (*Acquisition, error) {
	start := time.Now()
	defer func() {
		sem.metrics.Observe("selflimiters.semaphore.acquire.latency", time.Since(start).Seconds(), map[string]string{"name": sem.cfg.Name})
	}()
	sem.metrics.Add("selflimiters.semaphore.acquire.count", 1, map[string]string{"name": sem.cfg.Name})

	created, err := sem.s.ExecScript(ctx, store.ScriptCreateSemaphore,
		[]string{sem.listKey, sem.existsKey}, sem.cfg.Capacity)
	if err != nil {
		return nil, fmt.Errorf("semaphore %q: acquire: %w", sem.cfg.Name, err)
	}

	if wasCreated(created) {
		sem.noteCreate()
	}

	_, ok, err := sem.s.BLPop(ctx, sem.cfg.MaxSleep, sem.listKey)
	if err != nil {
		return nil, fmt.Errorf("semaphore %q: acquire: %w", sem.cfg.Name, err)
	}
	if !ok {
		return nil, &store.MaxSleepExceeded{Name: sem.cfg.Name, MaxSleep: sem.cfg.MaxSleep.String()}
	}

	// A slot was popped server-side. If ctx was already canceled by the
	// time BLPop returned, the caller never enters the scope and would
	// never call Release themselves, stranding the slot until TTL.
	// Release it now on a fresh context, since ctx is no longer usable.
	if cancelErr := ctx.Err(); cancelErr != nil {
		sem.releaseUnentered(cancelErr)
		return nil, fmt.Errorf("semaphore %q: acquire: %w", sem.cfg.Name, cancelErr)
	}

	sem.log.Debug("acquired semaphore slot", zap.String("name", sem.cfg.Name))
	return &Acquisition{sem: sem}, nil
}

// releaseUnentered releases a slot that BLPop popped but that the caller
// will never enter the scope for, because ctx was already canceled.
func (sem *Semaphore) releaseUnentered(cause error) {
	value := uuid.NewString()
	if err := sem.s.ReleaseSlot(context.Background(), sem.listKey, sem.existsKey, value, sem.cfg.TTL); err != nil {
		sem.log.Warn("failed to release popped-but-unreturned slot during cancellation unwind",
			zap.String("name", sem.cfg.Name), zap.Error(err), zap.NamedError("cause", cause))
		return
	}
	sem.log.Debug("released popped-but-unreturned slot during cancellation unwind",
		zap.String("name", sem.cfg.Name))
}

// Release returns one slot to the list and refreshes the TTL on both the
// list and existence-marker keys. Calling Release more than once on the
// same Acquisition is a safe no-op.
func (a *Acquisition) Release(ctx context.Context) error {
	var err error
	a.released.Do(func() {
		value := uuid.NewString()
		if e := a.sem.s.ReleaseSlot(ctx, a.sem.listKey, a.sem.existsKey, value, a.sem.cfg.TTL); e != nil {
			err = fmt.Errorf("semaphore %q: release: %w", a.sem.cfg.Name, e)
			return
		}
		a.sem.log.Debug("released semaphore slot", zap.String("name", a.sem.cfg.Name))
	})
	return err
}

// Stats reports the current number of available slots (the list length).
// A supplemental introspection operation for callers building dashboards
// or health checks.
type Stats struct {
	Available int64
}

func (sem *Semaphore) Stats(ctx context.Context) (Stats, error) {
	n, err := sem.s.LLen(ctx, sem.listKey)
	if err != nil {
		return Stats{}, fmt.Errorf("semaphore %q: stats: %w", sem.cfg.Name, err)
	}
	return Stats{Available: n}, nil
}

func (sem *Semaphore) noteCreate() {
	sem.seenMu.Lock()
	wasSeen := sem.seen
	sem.seen = true
	sem.seenMu.Unlock()

	if wasSeen {
		sem.log.Warn("semaphore self-healed: slot list was re-seeded after TTL expiry",
			zap.String("name", sem.cfg.Name), zap.Int64("capacity", sem.cfg.Capacity))
	} else {
		sem.log.Info("semaphore initialized", zap.String("name", sem.cfg.Name), zap.Int64("capacity", sem.cfg.Capacity))
	}
}

func wasCreated(v any) bool {
	switch n := v.(type) {
	case int64:
		return n == 1
	case int:
		return n == 1
	case bool:
		return n
	default:
		return false
	}
}
