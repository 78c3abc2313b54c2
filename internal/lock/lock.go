// Package lock provides lease-based distributed locks stored inside documents.
//
// A lease is two fields (a lock id and an expiry) on a Record that lives either in the
// document itself, in one of its fields, or in one element of a collection field. Stores
// change those fields only through atomic compare-and-set operations; DistributedLock is
// the client handle that acquires, refreshes and releases one lease.
package lock

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kneutral-org/leaselock/internal/metrics"
)

const (
	// DefaultStaleMultiplier is how many lease durations past expiry a lease must be
	// before another handle may take it over.
	DefaultStaleMultiplier = 5

	// DefaultBackoff is the pause between acquisition attempts.
	DefaultBackoff = time.Second

	closeTimeout = 10 * time.Second

	// conflictPause spaces out retries of a refresh or release that lost a write race.
	conflictPause = 10 * time.Millisecond
)

// State is the lifecycle state of a handle.
type State int

const (
	StateUnacquired State = iota
	StateAcquiring
	StateHeld
	StateRefreshing
	StateReleasing
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateUnacquired:
		return "unacquired"
	case StateAcquiring:
		return "acquiring"
	case StateHeld:
		return "held"
	case StateRefreshing:
		return "refreshing"
	case StateReleasing:
		return "releasing"
	case StateDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// Option configures a DistributedLock.
type Option func(*lockOptions)

type lockOptions struct {
	staleMultiplier int
	backoff         time.Duration
	logger          zerolog.Logger
}

// WithStaleMultiplier sets how many lease durations past expiry an abandoned lease is
// kept before it may be taken over. Values below 1 are ignored.
func WithStaleMultiplier(m int) Option {
	return func(o *lockOptions) {
		if m >= 1 {
			o.staleMultiplier = m
		}
	}
}

// WithBackoff sets the pause between acquisition attempts.
func WithBackoff(d time.Duration) Option {
	return func(o *lockOptions) {
		if d > 0 {
			o.backoff = d
		}
	}
}

// WithLogger sets the logger for lock lifecycle events.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *lockOptions) {
		o.logger = logger
	}
}

// CallOption configures a single handle operation.
type CallOption func(*callOptions)

type callOptions struct {
	timeout    time.Duration
	hasTimeout bool
	failOnMiss bool
}

// WithTimeout bounds how long Acquire keeps retrying. Zero makes exactly one attempt.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) {
		if d < 0 {
			d = 0
		}
		o.timeout = d
		o.hasTimeout = true
	}
}

// FailOnMiss reports a normal negative outcome (not acquired, lease lost, nothing held)
// as an error instead of a nil or false result.
func FailOnMiss() CallOption {
	return func(o *callOptions) {
		o.failOnMiss = true
	}
}

// DistributedLock is a client handle for one lease on a document of type P.
//
// A handle holds at most one lease at a time and may be reused after a release. Its
// operations are serialized; the lease itself is protected only by the store's atomic
// predicates. Close releases a held lease and makes the handle permanently inert.
type DistributedLock[P any] struct {
	store           Store[P]
	sel             Selector[P]
	logger          zerolog.Logger
	staleMultiplier int
	backoff         time.Duration

	// opMu serializes operations on this handle.
	opMu sync.Mutex

	mu       sync.RWMutex
	state    State
	parentID string
	targetID string
	lockID   string
	expiry   time.Time

	closeOnce sync.Once
	closing   chan struct{}
}

// New creates an unacquired handle for the lease addressed by sel in store.
func New[P any](store Store[P], sel Selector[P], opts ...Option) *DistributedLock[P] {
	o := lockOptions{
		staleMultiplier: DefaultStaleMultiplier,
		backoff:         DefaultBackoff,
		logger:          zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	var zero P
	return &DistributedLock[P]{
		store:           store,
		sel:             sel,
		staleMultiplier: o.staleMultiplier,
		backoff:         o.backoff,
		logger: o.logger.With().
			Str("component", "lock").
			Str("type", reflect.TypeOf(zero).String()).
			Str("selector", sel.String()).
			Logger(),
		closing: make(chan struct{}),
	}
}

// Acquire tries to win the lease on targetID inside the document parentID, retrying
// with a fixed backoff until the timeout elapses, ctx is cancelled or the handle is
// closed. The timeout defaults to lease*(staleMultiplier+1), long enough to outlast one
// abandoned lease. A Self selector targets the document itself and accepts an empty
// targetID.
//
// It returns the updated document on success. Running out of time or being cancelled
// returns nil and no error unless FailOnMiss is given. ErrConflict counts as a missed
// attempt; other store errors end the loop and are returned as is.
func (l *DistributedLock[P]) Acquire(ctx context.Context, parentID, targetID string, opts ...CallOption) (*P, error) {
	co := l.callOptions(opts)

	l.opMu.Lock()
	defer l.opMu.Unlock()

	switch l.State() {
	case StateDisposed:
		return nil, ErrDisposed
	case StateHeld:
		return nil, fmt.Errorf("%w: %s/%s", ErrAlreadyHeld, l.ParentID(), l.TargetID())
	}
	if l.store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidArgument)
	}
	targetID, err := l.sel.normalize(parentID, targetID)
	if err != nil {
		return nil, err
	}

	timeout := l.defaultTimeout()
	if co.hasTimeout {
		timeout = co.timeout
	}

	l.setState(StateAcquiring)
	start := time.Now()
	deadline := start.Add(timeout)
	attempts := 0

	var doc *P
	for {
		attempts++
		doc, err = l.store.AcquireLock(ctx, l.sel, parentID, targetID, l.staleMultiplier)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			// Cancelled mid round trip; same outcome as a cancelled wait.
			err = nil
			doc = nil
		case errors.Is(err, ErrConflict):
			// Writers on other records of the same document kept winning; try again
			// after the usual pause.
			l.logger.Debug().Err(err).Str("parentId", parentID).Str("targetId", targetID).Msg("lock acquire conflicted")
			err = nil
			doc = nil
		default:
			l.setState(StateUnacquired)
			metrics.RecordLockOperation("acquire", "error", time.Since(start))
			l.logger.Warn().Err(err).Str("parentId", parentID).Str("targetId", targetID).Msg("lock acquire failed")
			return nil, err
		}
		if doc != nil || ctx.Err() != nil {
			break
		}

		remaining := time.Until(deadline)
		if remaining <= 0 || !l.live(ctx) {
			break
		}
		if !l.sleep(ctx, min(l.backoff, remaining)) {
			break
		}
		if !time.Now().Before(deadline) {
			break
		}
	}

	acquired := false
	if doc != nil {
		rec, ok := l.sel.Resolve(doc, targetID)
		if !ok || rec.LeaseExpiry == nil {
			if ok && rec.LockID != "" {
				// Hand back the lease the store granted instead of leaving it to go stale.
				if _, rerr := l.store.ReleaseLock(ctx, l.sel, parentID, targetID, rec.LockID); rerr != nil {
					l.logger.Warn().Err(rerr).Str("parentId", parentID).Str("targetId", targetID).Msg("failed to release unresolved lease")
				}
			}
			l.setState(StateUnacquired)
			return nil, fmt.Errorf("%w: selector %s does not resolve %s in the acquired document", ErrInvalidArgument, l.sel, targetID)
		}
		l.mu.Lock()
		l.state = StateHeld
		l.parentID = parentID
		l.targetID = targetID
		l.lockID = rec.LockID
		l.expiry = *rec.LeaseExpiry
		l.mu.Unlock()
		metrics.LeaseGained()
		acquired = true
	} else {
		l.setState(StateUnacquired)
	}

	metrics.RecordAcquireAttempts(attempts)
	metrics.RecordLockOperation("acquire", resultLabel(acquired, "acquired", "missed"), time.Since(start))
	l.logger.Debug().
		Str("parentId", parentID).
		Str("targetId", targetID).
		Int("attempts", attempts).
		Time("leaseExpiry", l.Expiry()).
		Bool("acquired", acquired).
		Msg("lock acquire complete")

	if !acquired && co.failOnMiss {
		return nil, fmt.Errorf("%w: %s/%s", ErrAcquireFailed, parentID, targetID)
	}
	return doc, nil
}

// Refresh extends the held lease. It returns false without a round trip when nothing is
// held. When the store no longer recognizes the lease, the handle forgets it and becomes
// unacquired. A store error leaves the handle held and is returned.
func (l *DistributedLock[P]) Refresh(ctx context.Context, opts ...CallOption) (bool, error) {
	co := l.callOptions(opts)

	l.opMu.Lock()
	defer l.opMu.Unlock()

	switch l.State() {
	case StateDisposed:
		return false, ErrDisposed
	case StateHeld:
	default:
		if co.failOnMiss {
			return false, fmt.Errorf("%w: no lease held", ErrRefreshFailed)
		}
		return false, nil
	}

	parentID, targetID, lockID := l.lease()
	start := time.Now()
	l.setState(StateRefreshing)

	ok, err := retryOnConflict(ctx, func() (bool, error) {
		return l.store.RefreshLock(ctx, l.sel, parentID, targetID, lockID)
	})
	if err != nil {
		l.setState(StateHeld)
		metrics.RecordLockOperation("refresh", "error", time.Since(start))
		return false, err
	}

	if ok {
		l.mu.Lock()
		l.state = StateHeld
		l.expiry = time.Now().Add(l.store.LeaseDuration())
		l.mu.Unlock()
	} else {
		l.forget(StateUnacquired)
	}

	metrics.RecordLockOperation("refresh", resultLabel(ok, "refreshed", "lost"), time.Since(start))
	l.logger.Debug().
		Str("parentId", parentID).
		Str("targetId", targetID).
		Bool("acquired", ok).
		Msg("lock refresh complete")

	if !ok && co.failOnMiss {
		return false, fmt.Errorf("%w: %s/%s", ErrRefreshFailed, parentID, targetID)
	}
	return ok, nil
}

// Release gives up the held lease. Releasing when nothing is held succeeds. A lease that
// was already taken over counts as released.
func (l *DistributedLock[P]) Release(ctx context.Context, opts ...CallOption) (bool, error) {
	co := l.callOptions(opts)

	l.opMu.Lock()
	defer l.opMu.Unlock()

	if l.State() == StateDisposed {
		return false, ErrDisposed
	}
	return l.release(ctx, co)
}

// release runs with opMu held.
func (l *DistributedLock[P]) release(ctx context.Context, co callOptions) (bool, error) {
	if l.State() != StateHeld {
		return true, nil
	}

	parentID, targetID, lockID := l.lease()
	start := time.Now()
	l.setState(StateReleasing)

	ok, err := retryOnConflict(ctx, func() (bool, error) {
		return l.store.ReleaseLock(ctx, l.sel, parentID, targetID, lockID)
	})
	if err != nil {
		l.setState(StateHeld)
		metrics.RecordLockOperation("release", "error", time.Since(start))
		return false, err
	}

	if ok {
		l.forget(StateUnacquired)
	} else {
		l.setState(StateHeld)
	}

	metrics.RecordLockOperation("release", resultLabel(ok, "released", "held"), time.Since(start))
	l.logger.Debug().
		Str("parentId", parentID).
		Str("targetId", targetID).
		Bool("acquired", !ok).
		Msg("lock release complete")

	if !ok && co.failOnMiss {
		return false, fmt.Errorf("%w: %s/%s", ErrReleaseFailed, parentID, targetID)
	}
	return ok, nil
}

// Object reads the locked document while the handle still holds its lease. It returns
// nil when nothing is held or the store no longer recognizes the lease; it never changes
// the handle's state.
func (l *DistributedLock[P]) Object(ctx context.Context, opts ...CallOption) (*P, error) {
	co := l.callOptions(opts)

	l.opMu.Lock()
	defer l.opMu.Unlock()

	switch l.State() {
	case StateDisposed:
		return nil, ErrDisposed
	case StateHeld:
	default:
		if co.failOnMiss {
			return nil, ErrNotHeld
		}
		return nil, nil
	}

	parentID, targetID, lockID := l.lease()
	doc, err := l.store.GetLockedEntity(ctx, l.sel, parentID, targetID, lockID)
	if err != nil {
		return nil, err
	}
	if doc == nil && co.failOnMiss {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotHeld, parentID, targetID)
	}
	return doc, nil
}

// Close interrupts a running Acquire, makes one attempt to release a held lease and
// disposes the handle. It is safe to call more than once and on a handle that never
// acquired anything; only the first call can return an error.
func (l *DistributedLock[P]) Close() error {
	l.closeOnce.Do(func() { close(l.closing) })

	l.opMu.Lock()
	defer l.opMu.Unlock()

	if l.State() == StateDisposed {
		return nil
	}

	var err error
	if l.State() == StateHeld {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		_, err = l.release(ctx, callOptions{})
		cancel()
		if err != nil {
			l.logger.Warn().Err(err).Str("targetId", l.TargetID()).Msg("failed to release lock on close")
		}
	}

	l.forget(StateDisposed)
	return err
}

// State returns the current lifecycle state.
func (l *DistributedLock[P]) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// LockAcquired reports whether the handle currently holds a lease.
func (l *DistributedLock[P]) LockAcquired() bool {
	return l.State() == StateHeld
}

// Disposed reports whether Close has completed.
func (l *DistributedLock[P]) Disposed() bool {
	return l.State() == StateDisposed
}

// LockID returns the held lease id, empty when nothing is held.
func (l *DistributedLock[P]) LockID() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lockID
}

// ParentID returns the id of the document holding the leased record.
func (l *DistributedLock[P]) ParentID() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.parentID
}

// TargetID returns the id of the leased record.
func (l *DistributedLock[P]) TargetID() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.targetID
}

// Expiry returns the locally tracked lease expiry, zero when nothing is held.
func (l *DistributedLock[P]) Expiry() time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.expiry
}

// LeaseDuration returns the store's lease duration.
func (l *DistributedLock[P]) LeaseDuration() time.Duration {
	return l.store.LeaseDuration()
}

// StaleMultiplier returns the configured stale multiplier.
func (l *DistributedLock[P]) StaleMultiplier() int {
	return l.staleMultiplier
}

func (l *DistributedLock[P]) defaultTimeout() time.Duration {
	if l.store == nil {
		return 0
	}
	return l.store.LeaseDuration() * time.Duration(l.staleMultiplier+1)
}

func (l *DistributedLock[P]) callOptions(opts []CallOption) callOptions {
	var co callOptions
	for _, opt := range opts {
		opt(&co)
	}
	return co
}

func (l *DistributedLock[P]) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

func (l *DistributedLock[P]) lease() (parentID, targetID, lockID string) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.parentID, l.targetID, l.lockID
}

// forget drops the cached lease and moves to s.
func (l *DistributedLock[P]) forget(s State) {
	l.mu.Lock()
	wasHeld := l.lockID != ""
	l.state = s
	l.lockID = ""
	l.expiry = time.Time{}
	if s == StateDisposed {
		l.parentID = ""
		l.targetID = ""
	}
	l.mu.Unlock()

	if wasHeld {
		metrics.LeaseLost()
	}
}

// live reports whether Acquire may make another attempt.
func (l *DistributedLock[P]) live(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-l.closing:
		return false
	default:
		return true
	}
}

// sleep waits for d and reports false if ctx was cancelled or the handle closed first.
func (l *DistributedLock[P]) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-l.closing:
		return false
	case <-timer.C:
		return true
	}
}

func resultLabel(ok bool, yes, no string) string {
	if ok {
		return yes
	}
	return no
}

// retryOnConflict repeats op while it reports ErrConflict and ctx is live.
func retryOnConflict(ctx context.Context, op func() (bool, error)) (bool, error) {
	for {
		ok, err := op()
		if !errors.Is(err, ErrConflict) {
			return ok, err
		}
		t := time.NewTimer(conflictPause)
		select {
		case <-ctx.Done():
			t.Stop()
			return ok, err
		case <-t.C:
		}
	}
}
