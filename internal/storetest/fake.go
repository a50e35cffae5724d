// Package storetest provides a dependency-free, in-process stand-in for
// store.Store, for unit tests that exercise semaphore/tokenbucket protocol
// logic without a live Redis instance. Fake reimplements the two Lua
// scripts' logic in Go so the semaphore and token-bucket packages can be
// tested against deterministic, race-free in-memory state.
package storetest

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Fake implements store.Store entirely in memory.
type Fake struct {
	mu      sync.Mutex
	lists   map[string][]string
	exists  map[string]bool
	strings map[string]string
	waiters map[string][]chan string

	Now func() time.Time

	// LastReleaseTTL records the ttl passed to the most recent ReleaseSlot
	// call, so tests can assert a configured TTL was actually threaded
	// through (the fake has nothing to expire, so it doesn't enforce it).
	LastReleaseTTL time.Duration

	// LastScheduleTTLSeconds records the ttl_seconds argument passed to
	// the most recent schedule script invocation, for the same reason.
	LastScheduleTTLSeconds int64
}

// NewFake returns a ready Fake using wall-clock time by default.
func NewFake() *Fake {
	return &Fake{
		lists:   make(map[string][]string),
		exists:  make(map[string]bool),
		strings: make(map[string]string),
		waiters: make(map[string][]chan string),
		Now:     time.Now,
	}
}

// ExecScript recognizes the two script names used by this module and
// reimplements their logic; any other name is an error.
func (f *Fake) ExecScript(ctx context.Context, name string, keys []string, args ...any) (any, error) {
	switch name {
	case "create_semaphore":
		return f.createSemaphore(keys[0], keys[1], args[0])
	case "schedule":
		return f.schedule(keys[0], args[0], args[1], args[2], args[3])
	default:
		return nil, fmt.Errorf("storetest: unknown script %q", name)
	}
}

// floorDiv matches Lua's math.floor(a/b) semantics, which Go's truncating
// "/" diverges from whenever a is negative and not an exact multiple of b.
func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case time.Duration:
		return int64(n)
	default:
		return 0
	}
}

func (f *Fake) createSemaphore(listKey, existsKey string, capacityArg any) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	capacity := toInt64(capacityArg)
	if f.exists[existsKey] {
		return int64(0), nil
	}
	f.exists[existsKey] = true
	sentinels := make([]string, capacity)
	for i := range sentinels {
		sentinels[i] = "1"
	}
	f.lists[listKey] = append(f.lists[listKey], sentinels...)
	return int64(1), nil
}

func (f *Fake) schedule(key string, capacityArg, freqArg, amountArg, ttlArg any) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	capacity := toInt64(capacityArg)
	freq := toInt64(freqArg)
	amount := toInt64(amountArg)
	f.LastScheduleTTLSeconds = toInt64(ttlArg)

	now := f.Now().UnixMilli()
	tokens := amount
	slot := now + freq

	if stored, ok := f.strings[key]; ok {
		parts := strings.SplitN(stored, " ", 2)
		s, _ := strconv.ParseInt(parts[0], 10, 64)
		t, _ := strconv.ParseInt(parts[1], 10, 64)
		slot, tokens = s, t
	}

	if slot < now+20 {
		tokens += floorDiv(slot-now, freq)
		slot += freq
		if tokens > capacity {
			tokens = capacity
		}
	}

	if tokens <= 0 {
		slot += freq
		tokens = amount
	}

	tokens--

	f.strings[key] = fmt.Sprintf("%d %d", slot, tokens)
	return slot, nil
}

// BLPop pops the first available value from any of keys, or blocks until
// one arrives or timeout elapses (0 = forever, matching Redis).
func (f *Fake) BLPop(ctx context.Context, timeout time.Duration, keys ...string) (string, bool, error) {
	key := keys[0]

	f.mu.Lock()
	if len(f.lists[key]) > 0 {
		v := f.lists[key][0]
		f.lists[key] = f.lists[key][1:]
		f.mu.Unlock()
		return v, true, nil
	}
	ch := make(chan string, 1)
	f.waiters[key] = append(f.waiters[key], ch)
	f.mu.Unlock()

	var timeoutC <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timeoutC = t.C
	}

	// abandon unregisters ch once this call stops waiting; if a push already
	// claimed ch, its value is handed on rather than lost.
	abandon := func() {
		f.mu.Lock()
		for i, w := range f.waiters[key] {
			if w == ch {
				f.waiters[key] = append(f.waiters[key][:i:i], f.waiters[key][i+1:]...)
				f.mu.Unlock()
				return
			}
		}
		f.mu.Unlock()
		f.push(key, <-ch)
	}

	select {
	case v := <-ch:
		return v, true, nil
	case <-timeoutC:
		abandon()
		return "", false, nil
	case <-ctx.Done():
		abandon()
		return "", false, ctx.Err()
	}
}

// ReleaseSlot returns value to listKey and wakes any pending BLPop waiter.
// Expiration itself is a no-op in the fake: there's nothing to expire in
// memory that would otherwise leak within a test's lifetime. The ttl
// argument is recorded in LastReleaseTTL so callers can still assert it
// was threaded through correctly.
func (f *Fake) ReleaseSlot(ctx context.Context, listKey, existsKey, value string, ttl time.Duration) error {
	f.mu.Lock()
	f.LastReleaseTTL = ttl
	f.mu.Unlock()
	f.push(listKey, value)
	return nil
}

func (f *Fake) LLen(ctx context.Context, key string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.lists[key])), nil
}

func (f *Fake) Close() error { return nil }

// push delivers v either to a waiting BLPop or onto the list.
func (f *Fake) push(key, v string) {
	f.mu.Lock()
	if waiters := f.waiters[key]; len(waiters) > 0 {
		ch := waiters[0]
		f.waiters[key] = waiters[1:]
		f.mu.Unlock()
		ch <- v
		return
	}
	f.lists[key] = append(f.lists[key], v)
	f.mu.Unlock()
}
