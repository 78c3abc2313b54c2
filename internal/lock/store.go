package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// DefaultLeaseDuration is used by stores created without WithLeaseDuration.
	DefaultLeaseDuration = 30 * time.Second

	// maxConflictRetries bounds the optimistic write loop of the Redis and S3 stores.
	maxConflictRetries = 8
)

// Store performs the atomic lease operations against a backend. Every method is a single
// round trip (or a single optimistic transaction) and never retries transport failures.
//
// A nil document or false result is a normal outcome meaning the predicate did not match;
// errors are reserved for invalid arguments and backend failures.
type Store[P any] interface {
	// AcquireLock sets a fresh lease on the target if it is unlocked or its lease expired
	// at least lease*staleMultiplier ago. It returns the updated parent document, or nil
	// if the target is absent or held by a live lease.
	AcquireLock(ctx context.Context, sel Selector[P], parentID, targetID string, staleMultiplier int) (*P, error)

	// RefreshLock extends the lease identified by lockID. False means the lease is gone.
	RefreshLock(ctx context.Context, sel Selector[P], parentID, targetID, lockID string) (bool, error)

	// ReleaseLock clears the lease identified by lockID. It returns true when the caller
	// no longer holds the lease, including when it had already been released or taken over.
	ReleaseLock(ctx context.Context, sel Selector[P], parentID, targetID, lockID string) (bool, error)

	// GetLockedEntity returns the parent document while lockID still holds the target.
	GetLockedEntity(ctx context.Context, sel Selector[P], parentID, targetID, lockID string) (*P, error)

	// LeaseDuration returns the length of a lease granted by this store.
	LeaseDuration() time.Duration
}

// Documents creates and reads whole documents. It never touches lock fields beyond
// storing what the caller passes to Create.
type Documents[P any] interface {
	// Create inserts doc under id and fails with ErrDocumentExists if id is taken.
	Create(ctx context.Context, id string, doc *P) error

	// Get returns the document stored under id or ErrDocumentNotFound.
	Get(ctx context.Context, id string) (*P, error)
}

// Backend is a Store that can also create and read documents.
type Backend[P any] interface {
	Store[P]
	Documents[P]
}

// storeOptions holds settings shared by every backend.
type storeOptions struct {
	lease  time.Duration
	logger zerolog.Logger
	now    func() time.Time
	newID  func() string
}

// StoreOption configures a store.
type StoreOption func(*storeOptions)

// WithLeaseDuration sets how long an acquired or refreshed lease lasts.
func WithLeaseDuration(d time.Duration) StoreOption {
	return func(o *storeOptions) {
		if d > 0 {
			o.lease = d
		}
	}
}

// WithStoreLogger sets the logger used for per-operation trace events.
func WithStoreLogger(logger zerolog.Logger) StoreOption {
	return func(o *storeOptions) {
		o.logger = logger
	}
}

// WithClock replaces time.Now. Tests use it to age leases without sleeping.
func WithClock(now func() time.Time) StoreOption {
	return func(o *storeOptions) {
		if now != nil {
			o.now = now
		}
	}
}

func newStoreOptions(backend string, opts []StoreOption) storeOptions {
	o := storeOptions{
		lease:  DefaultLeaseDuration,
		logger: zerolog.Nop(),
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(&o)
	}
	o.logger = o.logger.With().Str("component", "lockstore").Str("backend", backend).Logger()
	return o
}

// leaseWindow returns the expiry of a lease granted now and the bound at or below which
// an existing lease counts as stale.
func (o *storeOptions) leaseWindow(staleMultiplier int) (until, staleBefore time.Time) {
	now := o.now().UTC()
	until = now.Add(o.lease)
	staleBefore = now.Add(-o.lease * time.Duration(staleMultiplier))
	return until, staleBefore
}

func (o *storeOptions) trace(op string, sel fmt.Stringer, parentID, targetID string, matched bool) {
	o.logger.Trace().
		Str("op", op).
		Str("selector", sel.String()).
		Str("parentId", parentID).
		Str("targetId", targetID).
		Bool("matched", matched).
		Msg("lock store operation")
}

func checkLockID(lockID string) error {
	if lockID == "" {
		return fmt.Errorf("%w: lock id is required", ErrInvalidArgument)
	}
	return nil
}

func checkStaleMultiplier(m int) error {
	if m < 0 {
		return fmt.Errorf("%w: stale multiplier must not be negative", ErrInvalidArgument)
	}
	return nil
}

// The apply helpers implement the lease predicate and mutation on a decoded document.
// Backends that cannot express the predicate natively run them inside their own atomic
// section: a record mutex, a row lock, WATCH/MULTI or a conditional PUT.

func applyAcquire[P any](doc *P, sel Selector[P], targetID, lockID string, until, staleBefore time.Time) bool {
	rec, ok := sel.Resolve(doc, targetID)
	if !ok {
		return false
	}
	if rec.Locked() && !rec.Stale(staleBefore) {
		return false
	}
	rec.setLease(lockID, until)
	return true
}

func applyRefresh[P any](doc *P, sel Selector[P], targetID, lockID string, until time.Time) bool {
	rec, ok := sel.Resolve(doc, targetID)
	if !ok || !rec.Holds(lockID) {
		return false
	}
	rec.LeaseExpiry = &until
	return true
}

// applyRelease reports whether doc changed. A miss is not a failure for the caller.
func applyRelease[P any](doc *P, sel Selector[P], targetID, lockID string) bool {
	rec, ok := sel.Resolve(doc, targetID)
	if !ok || !rec.Holds(lockID) {
		return false
	}
	rec.clearLease()
	return true
}

func holds[P any](doc *P, sel Selector[P], targetID, lockID string) bool {
	rec, ok := sel.Resolve(doc, targetID)
	return ok && rec.Holds(lockID)
}
