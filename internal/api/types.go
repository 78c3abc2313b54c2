// Package api provides the HTTP API for creating resources and leasing them.
package api

import (
	"time"

	"github.com/kneutral-org/leaselock/internal/lock"
)

// SlotsPath is the storage path of Resource.Slots.
const SlotsPath = "slots"

// Resource is a lockable document. The resource itself can be leased as a whole, and
// each slot can be leased independently.
type Resource struct {
	lock.Record `bson:",inline"`
	Name        string        `json:"name" bson:"name"`
	Slots       []lock.Record `json:"slots" bson:"slots"`
}

// ResourceSelector addresses the lease on the resource itself.
func ResourceSelector() lock.Selector[Resource] {
	return lock.Self(func(r *Resource) *lock.Record { return &r.Record })
}

// SlotSelector addresses the lease on one slot, chosen by slot id.
func SlotSelector() lock.Selector[Resource] {
	return lock.Collection(SlotsPath, func(r *Resource) []lock.Record { return r.Slots })
}

// CreateResourceRequest is the body of POST /resources.
type CreateResourceRequest struct {
	ID    string        `json:"id" binding:"required"`
	Name  string        `json:"name"`
	Slots []SlotRequest `json:"slots"`
}

// SlotRequest declares one slot of a new resource.
type SlotRequest struct {
	ID string `json:"id" binding:"required"`
}

// AcquireLeaseRequest is the body of POST /leases. Without a slot id the whole
// resource is leased. TimeoutMs bounds how long the request waits for a busy lease;
// zero or absent makes a single attempt.
type AcquireLeaseRequest struct {
	ResourceID string `json:"resourceId" binding:"required"`
	SlotID     string `json:"slotId,omitempty"`
	TimeoutMs  int64  `json:"timeoutMs,omitempty" binding:"gte=0"`
}

// LeaseResponse describes a held lease.
type LeaseResponse struct {
	LeaseID    string    `json:"leaseId"`
	ResourceID string    `json:"resourceId"`
	SlotID     string    `json:"slotId,omitempty"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// LeaseObjectResponse is a held lease together with the current resource.
type LeaseObjectResponse struct {
	Lease    LeaseResponse `json:"lease"`
	Resource *Resource     `json:"resource"`
}

// ReleaseResponse is returned by DELETE /leases/:leaseId.
type ReleaseResponse struct {
	LeaseID  string `json:"leaseId"`
	Released bool   `json:"released"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
