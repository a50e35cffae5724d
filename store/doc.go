// Package store adapts a Redis-compatible shared store for the semaphore
// and tokenbucket packages.
//
// It loads the module's two Lua scripts (create_semaphore, schedule) once
// per process via SCRIPT LOAD, references them by SHA1 thereafter, and
// transparently falls back to EVAL with the full script body on NOSCRIPT
// (for example after a server restart clears its script cache).
//
// Store is an interface rather than a concrete type so the semaphore and
// tokenbucket packages can be unit tested without a live Redis instance
// where the test doesn't depend on real atomic-script semantics.
package store
