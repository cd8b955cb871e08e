package engine

import (
	"sync"
	"sync/atomic"
	"time"

	"trustd/pkg/ensemble"
)

const arenaPollInterval = time.Millisecond

// ProfileArena holds the live profile set for one user behind a
// single-writer, multi-reader lock. Writers (calibration, background
// retraining) swap the whole set atomically. Readers acquire with a
// bounded timeout; on timeout they receive the last committed snapshot
// so a stalled writer delays freshness, never decisions.
type ProfileArena struct {
	mu          sync.RWMutex
	set         *ensemble.ProfileSet
	snapshot    atomic.Pointer[ensemble.ProfileSet]
	lockTimeout time.Duration
}

// NewProfileArena builds an empty arena.
func NewProfileArena(lockTimeout time.Duration) *ProfileArena {
	if lockTimeout <= 0 {
		lockTimeout = 2 * time.Second
	}
	return &ProfileArena{lockTimeout: lockTimeout}
}

// Acquire returns the current profile set and a release func. If the
// lock cannot be had within the timeout it returns the prior snapshot,
// a nil release and ErrProfileLockTimeout; the caller scores against
// the snapshot and moves on.
func (a *ProfileArena) Acquire() (*ensemble.ProfileSet, func(), error) {
	deadline := time.Now().Add(a.lockTimeout)
	for {
		if a.mu.TryRLock() {
			return a.set, a.mu.RUnlock, nil
		}
		if time.Now().After(deadline) {
			profileLockTimeouts.Inc()
			return a.snapshot.Load(), nil, ErrProfileLockTimeout
		}
		time.Sleep(arenaPollInterval)
	}
}

// Swap installs a new profile set. Blocks until all readers release.
func (a *ProfileArena) Swap(ps *ensemble.ProfileSet) {
	a.mu.Lock()
	a.set = ps
	a.snapshot.Store(ps)
	a.mu.Unlock()
}

// Update runs fn under the write lock against the current set, for
// in-place incremental profile updates. Returns false without running
// fn when the lock is not available within the timeout.
func (a *ProfileArena) Update(fn func(*ensemble.ProfileSet)) bool {
	deadline := time.Now().Add(a.lockTimeout)
	for {
		if a.mu.TryLock() {
			if a.set != nil {
				fn(a.set)
				a.snapshot.Store(a.set)
			}
			a.mu.Unlock()
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(arenaPollInterval)
	}
}

// Current returns the last committed snapshot without locking.
func (a *ProfileArena) Current() *ensemble.ProfileSet {
	return a.snapshot.Load()
}
