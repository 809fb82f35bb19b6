package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrPersistenceConflict is returned when a write still fails after the
// retry budget is exhausted. Transient contention is expected (a manual
// command racing the scheduler); anything that survives the backoff is not.
var ErrPersistenceConflict = errors.New("persisted store write conflict")

// RetryPolicy wraps a write operation with bounded retries and exponential
// backoff. It is deliberately decoupled from what is being written so the
// policy can be tested on its own.
type RetryPolicy struct {
	Attempts int
	BaseWait time.Duration
	MaxWait  time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, BaseWait: 50 * time.Millisecond, MaxWait: 2 * time.Second}
}

// Do runs fn, retrying transient conflicts with increasing delay. Non-busy
// errors are returned immediately.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	wait := p.BaseWait
	if wait <= 0 {
		wait = 50 * time.Millisecond
	}

	var last error
	for i := 0; i < attempts; i++ {
		last = fn(ctx)
		if last == nil {
			return nil
		}
		if !isBusy(last) {
			return last
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
		if p.MaxWait > 0 && wait > p.MaxWait {
			wait = p.MaxWait
		}
	}
	return fmt.Errorf("%w: %v", ErrPersistenceConflict, last)
}

// isBusy detects SQLite lock contention. The driver surfaces these as
// stringly-typed errors, so match on the canonical codes.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}
