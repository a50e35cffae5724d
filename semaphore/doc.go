// Package semaphore provides a distributed, FIFO-fair concurrency limiter
// backed by a Redis-compatible shared store.
//
// # Overview
//
//   - Semaphore holds Config.Capacity slots in a server-side list.
//   - Acquire blocks (cooperatively, via BLPOP) until a slot is available.
//   - Release returns a slot and refreshes both keys' TTL.
//
// Unlike an in-process semaphore, coordination happens entirely through
// the shared store: no peer-to-peer messaging, no local clock of record.
//
// # Fairness
//
// Admission order is server-mediated: Redis's BLPOP serves the
// longest-waiting client first across all connected clients, not just
// within one process.
//
// # Failure recovery
//
// If a holder dies before calling Release, its slot is lost until the
// TTL on the slot-list and existence-marker keys elapses (DefaultTTL,
// 30s). After that, the next Acquire on that name re-seeds the list at
// full capacity. This is the only recovery mechanism.
//
// # Configuration
//
// Semaphore is configured with the Functional Options pattern:
//
//	sem, _ := semaphore.New(s, cfg,
//		semaphore.WithKeyPrefix("myapp:"),
//		semaphore.WithLogger(log),
//		semaphore.WithRecorder(myMetrics),
//	)
package semaphore
