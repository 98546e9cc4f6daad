package billing

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Record is the authoritative per-tenant billing state. It is created empty
// at tenant signup and mutated only through Store.WithTenantLock, never
// directly by CRUD endpoints. Records are never deleted while the tenant
// exists; cancellation clears fields instead.
type Record struct {
	TenantID uuid.UUID

	// ProcessorCustomerID is created lazily on the first billing interaction
	// and stays immutable afterwards, except by explicit re-linking.
	ProcessorCustomerID string

	// ProcessorSubscriptionID is set while a recurring plan is active and
	// cleared on cancellation or a lifetime/one-time purchase.
	ProcessorSubscriptionID string

	PlanType     PlanType
	PlanInterval string // informational only
	Status       Status

	// ValidFrom/ValidUntil bound the current entitlement window.
	// A nil ValidUntil means unbounded (lifetime).
	ValidFrom  *time.Time
	ValidUntil *time.Time

	SeatsAllotted int
	SeatsInUse    int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewRecord returns the empty billing record a tenant starts with.
func NewRecord(tenantID uuid.UUID) *Record {
	now := time.Now().UTC()
	return &Record{
		TenantID:  tenantID,
		Status:    StatusInactive,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (r *Record) IsActive() bool {
	return r.Status == StatusActive
}

func (r *Record) IsLifetime() bool {
	return r.PlanType == PlanLifetime
}

// CanAdmitMember is the seat admission gate checked when a join request is
// approved. Existing members are never evicted by a downgrade; the gate only
// blocks new admissions until usage falls back under the cap.
func (r *Record) CanAdmitMember() bool {
	return r.Status == StatusActive && r.SeatsInUse < r.SeatsAllotted
}

// ExpiresWithin reports whether the entitlement window ends inside
// [now, now+window]. Lifetime records (nil ValidUntil) never expire.
func (r *Record) ExpiresWithin(now time.Time, window time.Duration) bool {
	if r.ValidUntil == nil {
		return false
	}
	until := r.ValidUntil.UTC()
	return !until.Before(now) && !until.After(now.Add(window))
}

// Validate enforces the structural invariants of a billing record. A tenant
// cannot simultaneously hold a lifetime plan and an active recurring
// subscription, and an active status requires one of the two.
func (r *Record) Validate() error {
	if !r.PlanType.Valid() {
		return fmt.Errorf("%w: unknown plan type %q", ErrInvariantViolation, r.PlanType)
	}
	if r.ProcessorSubscriptionID != "" && r.PlanType == PlanLifetime {
		return fmt.Errorf("%w: tenant %s is lifetime but carries subscription %s",
			ErrInvariantViolation, r.TenantID, r.ProcessorSubscriptionID)
	}
	if r.Status == StatusActive && r.ProcessorSubscriptionID == "" && r.PlanType != PlanLifetime {
		return fmt.Errorf("%w: tenant %s is active without a subscription or lifetime plan",
			ErrInvariantViolation, r.TenantID)
	}
	if r.SeatsAllotted < 0 || r.SeatsInUse < 0 {
		return fmt.Errorf("%w: tenant %s has negative seat counts", ErrInvariantViolation, r.TenantID)
	}
	return nil
}

// Clone returns a deep copy so in-memory stores can hand out snapshots
// without exposing internal state.
func (r *Record) Clone() *Record {
	cp := *r
	if r.ValidFrom != nil {
		t := *r.ValidFrom
		cp.ValidFrom = &t
	}
	if r.ValidUntil != nil {
		t := *r.ValidUntil
		cp.ValidUntil = &t
	}
	return &cp
}
