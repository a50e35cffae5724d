// Package tokenbucket implements a distributed rate limiter: a single
// atomic script reads and advances bucket state to compute the caller's
// assigned wake-up timestamp, and the client sleeps until that timestamp.
package tokenbucket

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/manenim/distlimiters/internal/clock"
	"github.com/manenim/distlimiters/metrics"
	"github.com/manenim/distlimiters/store"
)

// DefaultKeyPrefix matches semaphore.DefaultKeyPrefix; bucket and
// semaphore state share one namespace, so callers are responsible for
// disambiguating names between the two subsystems.
const DefaultKeyPrefix = "__self-limiters:"

// DefaultTTL is the expiration refreshed on every schedule call.
const DefaultTTL = 30 * time.Second

// Config is the recognized configuration for a TokenBucket.
type Config struct {
	// Name identifies this bucket. Must be non-empty.
	Name string
	// Capacity is the maximum token balance at any slot. Must be >= 1.
	Capacity int64
	// RefillFrequency is the interval between token slots. Must be > 0.
	RefillFrequency time.Duration
	// RefillAmount is the number of tokens granted per slot. Must be >= 1.
	RefillAmount int64
	// MaxSleep bounds the total wait inside Acquire. Zero means never
	// reject on a computed delay.
	MaxSleep time.Duration
	// TTL is the expiration refreshed on every schedule call. Zero
	// selects DefaultTTL.
	TTL time.Duration
}

func (c Config) validate() error {
	if c.Name == "" {
		return errors.New("tokenbucket: Name must not be empty")
	}
	if c.Capacity < 1 {
		return errors.New("tokenbucket: Capacity must be >= 1")
	}
	if c.RefillFrequency <= 0 {
		return errors.New("tokenbucket: RefillFrequency must be > 0")
	}
	if c.RefillAmount < 1 {
		return errors.New("tokenbucket: RefillAmount must be >= 1")
	}
	if c.MaxSleep < 0 {
		return errors.New("tokenbucket: MaxSleep must be >= 0")
	}
	return nil
}

// TokenBucket is a distributed, FIFO-fair rate limiter.
type TokenBucket struct {
	s   store.Store
	cfg Config

	keyPrefix string
	log       *zap.Logger
	metrics   metrics.MetricsRecorder
	sleeper   clock.Sleeper

	dataKey string
}

// Option configures a TokenBucket at construction time.
type Option func(*TokenBucket)

// WithLogger attaches a zap logger for protocol-level events.
func WithLogger(log *zap.Logger) Option {
	return func(tb *TokenBucket) {
		if log != nil {
			tb.log = log
		}
	}
}

// WithKeyPrefix overrides DefaultKeyPrefix.
func WithKeyPrefix(prefix string) Option {
	return func(tb *TokenBucket) {
		tb.keyPrefix = prefix
	}
}

// WithTTL overrides the Config.TTL/DefaultTTL expiration refreshed on
// every schedule call.
func WithTTL(ttl time.Duration) Option {
	return func(tb *TokenBucket) {
		tb.cfg.TTL = ttl
	}
}

// WithRecorder injects a MetricsRecorder; defaults to a no-op.
func WithRecorder(m metrics.MetricsRecorder) Option {
	return func(tb *TokenBucket) {
		if m != nil {
			tb.metrics = m
		}
	}
}

// withSleeper overrides the injectable sleeper, for deterministic tests.
// Unexported: callers configure the bucket via WithLogger/WithKeyPrefix/
// WithTTL/WithRecorder only; faking time is an internal test concern.
func withSleeper(s clock.Sleeper) Option {
	return func(tb *TokenBucket) {
		tb.sleeper = s
	}
}

// New validates cfg and returns a ready TokenBucket.
func New(s store.Store, cfg Config, opts ...Option) (*TokenBucket, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.TTL == 0 {
		cfg.TTL = DefaultTTL
	}

	tb := &TokenBucket{
		s:         s,
		cfg:       cfg,
		keyPrefix: DefaultKeyPrefix,
		log:       zap.NewNop(),
		metrics:   metrics.NoOpMetricsRecorder{},
		sleeper:   clock.RealSleeper{},
	}
	for _, opt := range opts {
		opt(tb)
	}
	tb.dataKey = tb.keyPrefix + cfg.Name

	return tb, nil
}

// Acquisition is returned by Acquire. Its Release is a documented no-op:
// the token bucket has no server-side release step.
type Acquisition struct {
	// SlotMillis is the millisecond timestamp this caller was scheduled
	// into. Exposed for callers building Retry-After-style headers.
	SlotMillis int64
}

// Release is a no-op, present only so Acquisition has the same shape as
// semaphore.Acquisition for callers that want to treat both uniformly.
func (a *Acquisition) Release(ctx context.Context) error { return nil }

// Acquire runs the schedule script to compute this caller's slot, then
// cooperatively sleeps until that slot, honoring ctx cancellation during
// the sleep. It returns MaxSleepExceeded before sleeping if the computed
// delay would exceed MaxSleep.
func (tb *TokenBucket) Acquire(ctx context.Context) (*Acquisition, error) {
	start := time.Now()
	defer func() {
		tb.metrics.Observe("selflimiters.tokenbucket.acquire.latency", time.Since(start).Seconds(), map[string]string{"name": tb.cfg.Name})
	}()
	tb.metrics.Add("selflimiters.tokenbucket.acquire.count", 1, map[string]string{"name": tb.cfg.Name})

	freqMs := tb.cfg.RefillFrequency.Milliseconds()
	ttlSec := int64(tb.cfg.TTL.Seconds())

	result, err := tb.s.ExecScript(ctx, store.ScriptSchedule,
		[]string{tb.dataKey}, tb.cfg.Capacity, freqMs, tb.cfg.RefillAmount, ttlSec)
	if err != nil {
		return nil, fmt.Errorf("tokenbucket %q: acquire: %w", tb.cfg.Name, err)
	}

	slotMs, err := toInt64(result)
	if err != nil {
		return nil, fmt.Errorf("tokenbucket %q: acquire: %w", tb.cfg.Name, store.NewStoreError("schedule", err))
	}

	nowMs := tb.sleeper.Now().UnixMilli()
	delay := time.Duration(slotMs-nowMs) * time.Millisecond
	if delay < 0 {
		delay = 0
	}

	if tb.cfg.MaxSleep > 0 && delay > tb.cfg.MaxSleep {
		return nil, &store.MaxSleepExceeded{Name: tb.cfg.Name, MaxSleep: tb.cfg.MaxSleep.String()}
	}

	tb.log.Debug("scheduled token bucket slot",
		zap.String("name", tb.cfg.Name), zap.Int64("slot_ms", slotMs), zap.Duration("delay", delay))

	if delay > 0 {
		if err := tb.sleeper.Sleep(ctx, delay); err != nil {
			// Cancellation during the sleep is side-effect-free: the
			// bucket state was already advanced by the schedule script,
			// which wastes a token but never violates the rate limit.
			return nil, err
		}
	}

	return &Acquisition{SlotMillis: slotMs}, nil
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("schedule script returned non-integer slot: %T", v)
	}
}
