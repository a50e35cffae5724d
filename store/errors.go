package store

import (
	"errors"
	"fmt"
)

// ErrMaxSleepExceeded is the sentinel wrapped by MaxSleepExceeded errors.
// Callers should prefer errors.Is(err, store.ErrMaxSleepExceeded) over type
// assertions.
var ErrMaxSleepExceeded = errors.New("max sleep exceeded")

// StoreError wraps any transport, protocol, script-evaluation, or semantic
// error surfaced by the shared store. It is never retried internally; it is
// the caller's responsibility to decide how to react.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// NewStoreError wraps err with the operation that produced it. Returns nil
// if err is nil, so call sites can write `return NewStoreError("op", err)`
// unconditionally.
func NewStoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}

// MaxSleepExceeded reports that a caller's configured maximum wait would be
// (or was) exceeded. For the semaphore this means BLPOP timed out; for the
// token bucket it means the scheduled slot is further out than MaxSleep.
type MaxSleepExceeded struct {
	Name     string
	MaxSleep string
}

func (e *MaxSleepExceeded) Error() string {
	return fmt.Sprintf("%s: max sleep of %s exceeded for %q", ErrMaxSleepExceeded, e.MaxSleep, e.Name)
}

func (e *MaxSleepExceeded) Unwrap() error { return ErrMaxSleepExceeded }

// IsStoreError reports whether err is (or wraps) a StoreError.
func IsStoreError(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}

// IsMaxSleepExceeded reports whether err is (or wraps) a MaxSleepExceeded.
func IsMaxSleepExceeded(err error) bool {
	return errors.Is(err, ErrMaxSleepExceeded)
}
