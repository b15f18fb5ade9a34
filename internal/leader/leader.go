// Package leader provides Postgres advisory lock-based leader election.
// When multiple raced replicas share a database, only one of them should
// run the inactivity sweeper — a participant force-abandoned twice is
// harmless, but two replicas sweeping doubles the store load for nothing.
//
// The leader acquires a Postgres advisory lock (pg_try_advisory_lock) and
// non-leaders retry periodically. When the leader dies, Postgres releases
// the lock and another replica takes over on its next retry.
package leader

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// AdvisoryLockID is the fixed int64 advisory lock key for the sweeper
// leadership. Distinct from the migration lock.
const AdvisoryLockID int64 = 902417730551

// RetryInterval is the default interval between lock acquisition retries.
const RetryInterval = 30 * time.Second

// TryLockFunc attempts to acquire the advisory lock. Returns true if the
// lock was acquired. Callers provide it from a pgxpool.Pool:
//
//	leader.New(func(ctx context.Context) (bool, error) {
//	    var acquired bool
//	    err := pool.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", leader.AdvisoryLockID).Scan(&acquired)
//	    return acquired, err
//	}, ...)
type TryLockFunc func(ctx context.Context) (acquired bool, err error)

// OnElected is called when this replica becomes the leader. It starts the
// leader-only workers and returns the function that stops them when
// leadership ends.
type OnElected func(ctx context.Context) (stop func())

// Elector manages leader election over one advisory lock.
type Elector struct {
	tryLock       TryLockFunc
	retryInterval time.Duration
	onElected     OnElected

	mu       sync.Mutex
	isLeader bool
	stopFn   func()
	cancel   context.CancelFunc
	done     chan struct{}
}

// New creates an Elector. When elected, onElected runs with a context that
// stays valid for the duration of leadership.
func New(tryLock TryLockFunc, retryInterval time.Duration, onElected OnElected) *Elector {
	return &Elector{
		tryLock:       tryLock,
		retryInterval: retryInterval,
		onElected:     onElected,
	}
}

// Start begins the election loop: one immediate attempt, then retries at
// the configured interval while not leader.
func (e *Elector) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})

	go func() {
		defer close(e.done)

		e.tryAcquire(ctx)

		ticker := time.NewTicker(e.retryInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				e.relinquish()
				return
			case <-ticker.C:
				e.tryAcquire(ctx)
			}
		}
	}()
}

// Stop cancels the election loop and waits for it to finish, stopping the
// leader-only workers if this replica holds the lock.
func (e *Elector) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	if e.done != nil {
		<-e.done
	}
}

// IsLeader reports whether this replica currently holds the lock.
func (e *Elector) IsLeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.isLeader
}

func (e *Elector) tryAcquire(ctx context.Context) {
	e.mu.Lock()
	if e.isLeader {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	acquired, err := e.tryLock(ctx)
	if err != nil {
		slog.Error("leader: failed to try advisory lock", "error", err)
		return
	}
	if !acquired {
		slog.Debug("leader: lock held elsewhere, retrying later")
		return
	}

	slog.Info("leader: advisory lock acquired, starting sweeper")

	e.mu.Lock()
	e.isLeader = true
	e.mu.Unlock()

	stopFn := e.onElected(ctx)

	e.mu.Lock()
	e.stopFn = stopFn
	e.mu.Unlock()
}

// relinquish stops the workers. The advisory lock itself is released by
// Postgres when the session ends.
func (e *Elector) relinquish() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.isLeader {
		return
	}
	slog.Info("leader: relinquishing leadership, stopping sweeper")
	if e.stopFn != nil {
		e.stopFn()
		e.stopFn = nil
	}
	e.isLeader = false
}
