// Package lock implements the exclusive radio action lock. The underlying
// radio performs connect, service discovery and notification setup one at a
// time across all peripherals; this lock serializes those operations with
// strict FIFO fairness. Steady-state characteristic writes never take it.
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ReleaseFunc releases the lock. Calling it more than once, or after a
// force-release, is a no-op.
type ReleaseFunc func()

type waiter struct {
	owner   string
	ready   chan uint64 // receives the grant generation
	aborted bool
}

// ActionLock is a mutual-exclusion primitive with a FIFO waiter queue.
// A holder that never releases (hung driver call) can be evicted by
// ForceRelease; the stale ReleaseFunc then no-ops thanks to the grant
// generation.
type ActionLock struct {
	mu      sync.Mutex
	held    bool
	owner   string
	since   time.Time
	gen     uint64
	waiters []*waiter

	logger *logrus.Logger
	clock  func() time.Time
}

// New creates an ActionLock. A nil logger falls back to a default one.
func New(logger *logrus.Logger) *ActionLock {
	if logger == nil {
		logger = logrus.New()
	}
	return &ActionLock{
		logger: logger,
		clock:  time.Now,
	}
}

// Acquire grants the lock to the caller, queueing behind earlier waiters if
// it is busy. The owner string is for diagnostics only. Returns a release
// function, or ctx.Err() if the context ends while waiting.
func (l *ActionLock) Acquire(ctx context.Context, owner string) (ReleaseFunc, error) {
	l.mu.Lock()
	if !l.held {
		gen := l.grant(owner)
		l.mu.Unlock()
		return l.releaseFunc(gen), nil
	}

	w := &waiter{owner: owner, ready: make(chan uint64, 1)}
	l.waiters = append(l.waiters, w)
	queued := l.clock()
	l.mu.Unlock()

	select {
	case gen := <-w.ready:
		l.logger.WithFields(logrus.Fields{
			"owner":  owner,
			"waited": l.clock().Sub(queued),
		}).Debug("Action lock granted to waiter")
		return l.releaseFunc(gen), nil

	case <-ctx.Done():
		l.mu.Lock()
		// The grant may have raced the cancellation; if it did, we own the
		// lock and must pass it on instead of leaking it.
		select {
		case gen := <-w.ready:
			l.releaseLocked(gen)
		default:
			w.aborted = true
		}
		l.mu.Unlock()
		return nil, ctx.Err()
	}
}

// ForceRelease evicts the current holder, handing the lock to the next
// waiter. Intended for the health monitor's stuck-holder recovery only.
// Reports whether the lock was actually held.
func (l *ActionLock) ForceRelease() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		return false
	}
	l.logger.WithFields(logrus.Fields{
		"owner": l.owner,
		"held":  l.clock().Sub(l.since),
	}).Warn("Force-releasing stuck action lock")
	l.releaseLocked(l.gen)
	return true
}

// HeldFor returns how long the current holder has held the lock, or zero
// when the lock is free.
func (l *ActionLock) HeldFor() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		return 0
	}
	return l.clock().Sub(l.since)
}

// Holder returns the current owner's diagnostic name, or "" when free.
func (l *ActionLock) Holder() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		return ""
	}
	return l.owner
}

// Waiting returns the number of queued waiters.
func (l *ActionLock) Waiting() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.waiters)
}

// grant marks the lock held and returns the new grant generation.
// Caller must hold l.mu. Granting while held is a programming error.
func (l *ActionLock) grant(owner string) uint64 {
	if l.held {
		panic("lock: grant while held")
	}
	l.held = true
	l.owner = owner
	l.since = l.clock()
	l.gen++
	return l.gen
}

// releaseLocked clears ownership for generation gen and hands the lock to
// the next live waiter in arrival order. Stale generations no-op, which
// makes double-release and release-after-force-release safe.
// Caller must hold l.mu.
func (l *ActionLock) releaseLocked(gen uint64) {
	if !l.held || gen != l.gen {
		return
	}
	l.held = false
	l.owner = ""

	for len(l.waiters) > 0 {
		next := l.waiters[0]
		l.waiters = l.waiters[1:]
		if next.aborted {
			continue
		}
		next.ready <- l.grant(next.owner)
		return
	}
}

func (l *ActionLock) releaseFunc(gen uint64) ReleaseFunc {
	return func() {
		l.mu.Lock()
		l.releaseLocked(gen)
		l.mu.Unlock()
	}
}
