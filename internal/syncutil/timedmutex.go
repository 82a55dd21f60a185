// Package syncutil provides the bounded-wait mutex used wherever shared state
// is touched from both task and completion-callback contexts. No lock in this
// program is ever held across a callback or I/O, and no acquisition blocks
// indefinitely: callers either get the lock within their budget or fall back.
package syncutil

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"
)

// TimedMutex is a mutex whose Acquire gives up after a deadline.
type TimedMutex struct {
	sem *semaphore.Weighted
}

// NewTimedMutex returns an unlocked TimedMutex.
func NewTimedMutex() *TimedMutex {
	return &TimedMutex{sem: semaphore.NewWeighted(1)}
}

// Acquire takes the lock, waiting at most timeout. It reports whether the
// lock was acquired.
func (m *TimedMutex) Acquire(timeout time.Duration) bool {
	if m.sem.TryAcquire(1) {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return m.sem.Acquire(ctx, 1) == nil
}

// Release unlocks the mutex. It must only be called after a successful
// Acquire.
func (m *TimedMutex) Release() {
	m.sem.Release(1)
}
