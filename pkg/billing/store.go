package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ProcessedEvent is an append-only idempotency ledger entry. The existence of
// an entry for an event ID is the sole gate against reprocessing.
type ProcessedEvent struct {
	EventID         string
	ProcessedAt     time.Time
	ResultingStatus Status
}

// Tx is the transaction handle passed to the function run under a tenant
// lock. The record mutation and the ledger insert commit atomically; any
// error returned from the function rolls both back.
type Tx interface {
	// Record returns a mutable snapshot of the tenant's billing record.
	Record() *Record

	// Save stages the mutated record for commit.
	Save(ctx context.Context, r *Record) error

	// EventSeen reports whether the event ID is already in the ledger.
	EventSeen(ctx context.Context, eventID string) (bool, error)

	// MarkProcessed appends the event to the idempotency ledger.
	MarkProcessed(ctx context.Context, entry ProcessedEvent) error
}

// Store is the tenant billing store. WithTenantLock is the single
// serialization point: two events for the same tenant are never applied
// concurrently, while events for different tenants proceed in parallel.
type Store interface {
	// WithTenantLock acquires an exclusive, transaction-scoped lock on the
	// tenant's record, runs fn, and commits atomically. Returns
	// ErrTenantNotFound if the tenant has no record and ErrLockTimeout when
	// the lock cannot be acquired in time.
	WithTenantLock(ctx context.Context, tenantID uuid.UUID, fn func(ctx context.Context, tx Tx) error) error

	// Create inserts the empty record a tenant starts with at signup.
	// Creating an already existing record is a no-op returning the current
	// state.
	Create(ctx context.Context, tenantID uuid.UUID) (*Record, error)

	// Get is a read-only lookup usable outside a lock for non-mutating
	// queries such as entitlement checks.
	Get(ctx context.Context, tenantID uuid.UUID) (*Record, error)

	// FindByProcessorCustomerID resolves a processor customer ID to the
	// owning tenant's record. Returns ErrTenantNotFound when no record
	// matches.
	FindByProcessorCustomerID(ctx context.Context, customerID string) (*Record, error)

	// ExpiringBetween lists records whose ValidUntil falls inside [from, to].
	// Lifetime records (nil ValidUntil) are never returned.
	ExpiringBetween(ctx context.Context, from, to time.Time) ([]*Record, error)
}
