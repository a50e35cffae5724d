// Package tokenbucket provides a distributed, FIFO-fair rate limiter
// backed by a Redis-compatible shared store.
//
// # Overview
//
// Each named bucket holds Capacity tokens, refilled by RefillAmount every
// RefillFrequency. Acquire consults a single atomic script to compute the
// future millisecond timestamp ("slot") this caller is scheduled into,
// then sleeps cooperatively until that timestamp. There is no server-side
// release step and no background scheduler: every slot is computed
// on demand, forward-looking, inside Acquire.
//
// # Ordering
//
// Because the schedule script runs atomically on the store's
// single-threaded scripting engine, assignments are totally ordered by
// script-arrival order: slot_ms is non-decreasing for a given Name across
// every caller, with no client-side coordination required.
//
// # Configuration
//
//	tb, _ := tokenbucket.New(s, cfg,
//		tokenbucket.WithKeyPrefix("myapp:"),
//		tokenbucket.WithLogger(log),
//		tokenbucket.WithRecorder(myMetrics),
//	)
package tokenbucket
