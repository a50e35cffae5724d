package semaphore_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/manenim/distlimiters/internal/storetest"
	"github.com/manenim/distlimiters/semaphore"
	"github.com/manenim/distlimiters/store"
)

func TestSemaphore_RejectsInvalidConfig(t *testing.T) {
	fake := storetest.NewFake()

	if _, err := semaphore.New(fake, semaphore.Config{Name: "", Capacity: 1}); err == nil {
		t.Error("expected error for empty Name")
	}
	if _, err := semaphore.New(fake, semaphore.Config{Name: "s", Capacity: 0}); err == nil {
		t.Error("expected error for zero Capacity")
	}
	if _, err := semaphore.New(fake, semaphore.Config{Name: "s", Capacity: 1, MaxSleep: -1}); err == nil {
		t.Error("expected error for negative MaxSleep")
	}
}

func TestSemaphore_BasicFlow(t *testing.T) {
	fake := storetest.NewFake()
	ctx := context.Background()

	sem, err := semaphore.New(fake, semaphore.Config{Name: "s1", Capacity: 2})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	a1, err := sem.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire 1: %v", err)
	}
	a2, err := sem.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire 2: %v", err)
	}

	stats, err := sem.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Available != 0 {
		t.Errorf("expected 0 available slots while both are held, got %d", stats.Available)
	}

	if err := a1.Release(ctx); err != nil {
		t.Fatalf("Release a1: %v", err)
	}
	if err := a2.Release(ctx); err != nil {
		t.Fatalf("Release a2: %v", err)
	}

	stats, err = sem.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Available != 2 {
		t.Errorf("expected 2 available slots after both released, got %d", stats.Available)
	}
}

// TestSemaphore_CapacityBound exercises the invariant that at no point do
// more than Capacity callers hold the acquisition simultaneously.
func TestSemaphore_CapacityBound(t *testing.T) {
	fake := storetest.NewFake()
	ctx := context.Background()

	const capacity = 3
	const callers = 20

	sem, err := semaphore.New(fake, semaphore.Config{Name: "bound", Capacity: capacity})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var inside int64
	var maxSeen int64
	var wg sync.WaitGroup

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			acq, err := sem.Acquire(ctx)
			if err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			n := atomic.AddInt64(&inside, 1)
			for {
				old := atomic.LoadInt64(&maxSeen)
				if n <= old || atomic.CompareAndSwapInt64(&maxSeen, old, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt64(&inside, -1)
			if err := acq.Release(ctx); err != nil {
				t.Errorf("Release: %v", err)
			}
		}()
	}
	wg.Wait()

	if maxSeen > capacity {
		t.Errorf("observed %d simultaneous holders, capacity is %d", maxSeen, capacity)
	}
}

func TestSemaphore_MaxSleepExceeded(t *testing.T) {
	fake := storetest.NewFake()
	ctx := context.Background()

	sem, err := semaphore.New(fake, semaphore.Config{Name: "timeout", Capacity: 1, MaxSleep: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	holder, err := sem.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire holder: %v", err)
	}
	defer holder.Release(ctx)

	_, err = sem.Acquire(ctx)
	if err == nil {
		t.Fatal("expected MaxSleepExceeded, got nil")
	}
	if !store.IsMaxSleepExceeded(err) {
		t.Errorf("expected MaxSleepExceeded, got %v", err)
	}
}

func TestSemaphore_WithTTL_OverridesDefault(t *testing.T) {
	fake := storetest.NewFake()
	ctx := context.Background()

	sem, err := semaphore.New(fake, semaphore.Config{Name: "ttl", Capacity: 1},
		semaphore.WithTTL(5*time.Second))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	acq, err := sem.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := acq.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}

	if fake.LastReleaseTTL != 5*time.Second {
		t.Errorf("expected WithTTL(5s) to be threaded through to ReleaseSlot, got %v", fake.LastReleaseTTL)
	}
}

func TestSemaphore_Release_IsIdempotent(t *testing.T) {
	fake := storetest.NewFake()
	ctx := context.Background()

	sem, err := semaphore.New(fake, semaphore.Config{Name: "idempotent", Capacity: 1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	acq, err := sem.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := acq.Release(ctx); err != nil {
		t.Fatalf("Release 1: %v", err)
	}
	if err := acq.Release(ctx); err != nil {
		t.Fatalf("Release 2 should be a no-op, got: %v", err)
	}

	stats, err := sem.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Available != 1 {
		t.Errorf("double release must not over-credit the list: expected 1 available, got %d", stats.Available)
	}
}

// TestSemaphore_IdempotentInit exercises the invariant that concurrent
// first-acquires on a cold key produce exactly one seeding of the list.
func TestSemaphore_IdempotentInit(t *testing.T) {
	fake := storetest.NewFake()
	ctx := context.Background()

	const capacity = 4
	sem, err := semaphore.New(fake, semaphore.Config{Name: "cold", Capacity: capacity})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var wg sync.WaitGroup
	acquisitions := make(chan *semaphore.Acquisition, capacity)
	for i := 0; i < capacity; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			acq, err := sem.Acquire(ctx)
			if err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			acquisitions <- acq
		}()
	}
	wg.Wait()
	close(acquisitions)

	count := 0
	for acq := range acquisitions {
		count++
		_ = acq.Release(ctx)
	}
	if count != capacity {
		t.Errorf("expected exactly %d acquisitions to succeed from one seeding, got %d", capacity, count)
	}
}

func TestSemaphore_ContextCancellationDuringWait(t *testing.T) {
	fake := storetest.NewFake()

	sem, err := semaphore.New(fake, semaphore.Config{Name: "cancel", Capacity: 1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	holder, err := sem.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire holder: %v", err)
	}
	defer holder.Release(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err = sem.Acquire(ctx)
	if err == nil {
		t.Fatal("expected an error from cancelled context")
	}
}

// TestSemaphore_ReleasesSlotPoppedDuringCancellationUnwind exercises the
// window where BLPop pops a slot server-side but ctx is already canceled
// by the time Acquire checks it: the slot must not be stranded until TTL,
// it must be released immediately on a fresh context.
func TestSemaphore_ReleasesSlotPoppedDuringCancellationUnwind(t *testing.T) {
	fake := storetest.NewFake()

	sem, err := semaphore.New(fake, semaphore.Config{Name: "unwind", Capacity: 1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // already canceled before Acquire ever calls BLPop

	_, err = sem.Acquire(ctx)
	if err == nil {
		t.Fatal("expected an error from an already-cancelled context")
	}

	// The popped slot must have been released rather than stranded: a
	// fresh Acquire on an uncancelled context should succeed immediately.
	acq, err := sem.Acquire(context.Background())
	if err != nil {
		t.Fatalf("expected the unwound slot to be available again, got: %v", err)
	}
	if err := acq.Release(context.Background()); err != nil {
		t.Fatalf("Release: %v", err)
	}
}
