package lock

import (
	"time"
)

// Record holds the lock fields of a lockable entity. Embed it inline in a document
// that is itself lockable, or use it as the type of a nested field or collection element.
type Record struct {
	ID          string     `json:"id" bson:"_id"`
	LockID      string     `json:"lockId,omitempty" bson:"lockId,omitempty"`
	LeaseExpiry *time.Time `json:"leaseExpiry,omitempty" bson:"leaseExpiry,omitempty"`
}

// Locked reports whether a lease id is present, live or stale.
func (r *Record) Locked() bool {
	return r.LockID != ""
}

// Stale reports whether the lease may be taken over by an acquisition that computed
// staleBefore as now - lease*multiplier.
func (r *Record) Stale(staleBefore time.Time) bool {
	if !r.Locked() {
		return false
	}
	return r.LeaseExpiry == nil || !r.LeaseExpiry.After(staleBefore)
}

// Holds reports whether lockID is the current lease id.
func (r *Record) Holds(lockID string) bool {
	return lockID != "" && r.LockID == lockID
}

func (r *Record) setLease(lockID string, until time.Time) {
	r.LockID = lockID
	r.LeaseExpiry = &until
}

func (r *Record) clearLease() {
	r.LockID = ""
	r.LeaseExpiry = nil
}
