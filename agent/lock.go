package agent

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"
)

const maxReaders = 1 << 20

// timedRWLock is a read/write lock whose acquisitions can give up after a
// timeout. A waiting writer blocks later readers.
type timedRWLock struct {
	sem *semaphore.Weighted
}

func newTimedRWLock() *timedRWLock {
	return &timedRWLock{sem: semaphore.NewWeighted(maxReaders)}
}

func (l *timedRWLock) tryRLock(timeout time.Duration) bool {
	return l.acquire(1, timeout)
}

func (l *timedRWLock) rLock() {
	_ = l.sem.Acquire(context.Background(), 1)
}

func (l *timedRWLock) rUnlock() {
	l.sem.Release(1)
}

func (l *timedRWLock) tryLock(timeout time.Duration) bool {
	return l.acquire(maxReaders, timeout)
}

func (l *timedRWLock) lock() {
	_ = l.sem.Acquire(context.Background(), maxReaders)
}

func (l *timedRWLock) unlock() {
	l.sem.Release(maxReaders)
}

func (l *timedRWLock) acquire(n int64, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return l.sem.Acquire(ctx, n) == nil
}
