package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Lease is a single lease that can be contended for without blocking.
type Lease interface {
	// TryAcquire makes one acquisition attempt.
	TryAcquire(ctx context.Context) (bool, error)
	// Refresh extends a held lease; false means it was lost.
	Refresh(ctx context.Context) (bool, error)
	// Release gives the lease up.
	Release(ctx context.Context) error
	// IsHeld reports whether the lease is currently held.
	IsHeld() bool
}

// Contender binds a DistributedLock to one record so it can be used as a Lease.
type Contender[P any] struct {
	lock     *DistributedLock[P]
	parentID string
	targetID string
}

// NewContender returns a Lease over the record targetID in document parentID.
func NewContender[P any](lock *DistributedLock[P], parentID, targetID string) *Contender[P] {
	return &Contender[P]{lock: lock, parentID: parentID, targetID: targetID}
}

// TryAcquire implements Lease with a single attempt.
func (c *Contender[P]) TryAcquire(ctx context.Context) (bool, error) {
	doc, err := c.lock.Acquire(ctx, c.parentID, c.targetID, WithTimeout(0))
	if err != nil {
		return false, err
	}
	return doc != nil, nil
}

// Refresh implements Lease.
func (c *Contender[P]) Refresh(ctx context.Context) (bool, error) {
	return c.lock.Refresh(ctx)
}

// Release implements Lease.
func (c *Contender[P]) Release(ctx context.Context) error {
	_, err := c.lock.Release(ctx, FailOnMiss())
	return err
}

// IsHeld implements Lease.
func (c *Contender[P]) IsHeld() bool {
	return c.lock.LockAcquired()
}

// LeaderElector manages leader election using a lease.
// It continuously tries to acquire and maintain leadership.
type LeaderElector struct {
	lease  Lease
	logger zerolog.Logger

	isLeader     atomic.Bool
	renewalRate  time.Duration
	retryBackoff time.Duration

	onBecomeLeader func()
	onLoseLeader   func()

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// LeaderElectorOption configures a LeaderElector.
type LeaderElectorOption func(*LeaderElector)

// WithRenewalRate sets how often the leader refreshes its lease.
// Should be well below the lease duration (e.g., lease/3).
func WithRenewalRate(d time.Duration) LeaderElectorOption {
	return func(e *LeaderElector) {
		e.renewalRate = d
	}
}

// WithRetryBackoff sets how long a follower waits between acquisition attempts.
func WithRetryBackoff(d time.Duration) LeaderElectorOption {
	return func(e *LeaderElector) {
		e.retryBackoff = d
	}
}

// WithOnBecomeLeader sets a callback that's called when this instance becomes leader.
func WithOnBecomeLeader(fn func()) LeaderElectorOption {
	return func(e *LeaderElector) {
		e.onBecomeLeader = fn
	}
}

// WithOnLoseLeader sets a callback that's called when this instance loses leadership.
func WithOnLoseLeader(fn func()) LeaderElectorOption {
	return func(e *LeaderElector) {
		e.onLoseLeader = fn
	}
}

// NewLeaderElector creates a new leader elector contending for lease.
func NewLeaderElector(lease Lease, logger zerolog.Logger, opts ...LeaderElectorOption) *LeaderElector {
	e := &LeaderElector{
		lease:        lease,
		logger:       logger.With().Str("component", "leader").Logger(),
		renewalRate:  10 * time.Second, // lease/3 for the default 30s lease
		retryBackoff: 5 * time.Second,
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start begins the election loop.
// It keeps contending for and renewing leadership until Stop is called or ctx ends.
func (e *LeaderElector) Start(ctx context.Context) {
	e.wg.Add(1)
	go e.run(ctx)
}

// Stop stops the election loop and releases leadership if held.
func (e *LeaderElector) Stop(ctx context.Context) {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.wg.Wait()

	if e.isLeader.Load() {
		if err := e.lease.Release(ctx); err != nil {
			e.logger.Error().Err(err).Msg("failed to release leadership on shutdown")
		} else {
			e.logger.Info().Msg("released leadership on shutdown")
		}
		e.lose()
	}
}

// IsLeader returns true if this instance is currently the leader.
func (e *LeaderElector) IsLeader() bool {
	return e.isLeader.Load()
}

func (e *LeaderElector) run(ctx context.Context) {
	defer e.wg.Done()

	e.tryAcquireOrRenew(ctx)

	for {
		wait := e.retryBackoff
		if e.isLeader.Load() {
			wait = e.renewalRate
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-e.stopCh:
			timer.Stop()
			return
		case <-timer.C:
			e.tryAcquireOrRenew(ctx)
		}
	}
}

func (e *LeaderElector) tryAcquireOrRenew(ctx context.Context) {
	if !e.isLeader.Load() {
		e.tryAcquire(ctx)
		return
	}

	ok, err := e.lease.Refresh(ctx)
	switch {
	case err != nil:
		// Transport failure: the lease may still be ours, try again next tick.
		e.logger.Warn().Err(err).Msg("failed to renew leadership")
	case !ok:
		e.logger.Warn().Msg("leadership lease lost")
		e.lose()
		e.tryAcquire(ctx)
	default:
		e.logger.Debug().Msg("successfully renewed leadership")
	}
}

func (e *LeaderElector) tryAcquire(ctx context.Context) {
	acquired, err := e.lease.TryAcquire(ctx)
	if err != nil {
		e.logger.Error().Err(err).Msg("failed to acquire leadership")
		return
	}

	if acquired {
		e.logger.Info().Msg("acquired leadership")
		e.isLeader.Store(true)
		if e.onBecomeLeader != nil {
			e.onBecomeLeader()
		}
	} else {
		e.logger.Debug().Msg("another instance is leader")
	}
}

func (e *LeaderElector) lose() {
	if e.isLeader.Swap(false) && e.onLoseLeader != nil {
		e.onLoseLeader()
	}
}
