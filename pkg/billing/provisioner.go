package billing

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// TenantDirectory is the collaborator owned by company/user management. It
// reports current member usage and receives a callback whenever entitlement
// gates change. Callback failures are logged, not propagated: entitlements
// derive from the committed billing record, so a missed callback cannot
// corrupt state.
type TenantDirectory interface {
	// SeatsInUse returns the number of currently active member accounts
	// attributed to the tenant.
	SeatsInUse(ctx context.Context, tenantID uuid.UUID) (int, error)

	// EntitlementChanged is invoked after a reconciled transition changed
	// the tenant's seat capacity or status.
	EntitlementChanged(ctx context.Context, tenantID uuid.UUID, seatsAllotted int, status Status) error
}

// Provisioner translates reconciled billing state into entitlement changes.
// It only moves the admission gate; it never deactivates existing members to
// shrink below a reduced cap.
type Provisioner struct {
	store  Store
	dir    TenantDirectory
	logger *slog.Logger
}

// NewProvisioner creates a seat provisioner. The directory may be nil when no
// collaborator needs entitlement callbacks.
func NewProvisioner(store Store, dir TenantDirectory, logger *slog.Logger) *Provisioner {
	if store == nil {
		panic("billing: Store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Provisioner{store: store, dir: dir, logger: logger}
}

// ReconcileSeats propagates a new seat capacity after a transition that
// changed SeatsAllotted. The capacity itself is already committed on the
// record; this only informs the tenant directory.
func (p *Provisioner) ReconcileSeats(ctx context.Context, tenantID uuid.UUID, seatsAllotted int) {
	p.notifyDirectory(ctx, tenantID, seatsAllotted, StatusActive)
}

// RevokeSeats propagates a cancellation. Existing member records stay
// untouched; subsequent entitlement checks must consult the record status
// rather than seat counts.
func (p *Provisioner) RevokeSeats(ctx context.Context, tenantID uuid.UUID) {
	p.notifyDirectory(ctx, tenantID, 0, StatusCanceled)
}

func (p *Provisioner) notifyDirectory(ctx context.Context, tenantID uuid.UUID, seats int, status Status) {
	if p.dir == nil {
		return
	}
	if err := p.dir.EntitlementChanged(ctx, tenantID, seats, status); err != nil {
		p.logger.ErrorContext(ctx, "entitlement callback failed",
			slog.String("tenant_id", tenantID.String()),
			slog.Int("seats_allotted", seats),
			slog.String("status", string(status)),
			slog.Any("error", err),
		)
	}
}

// CanAdmitMember is the gate consulted when a new member join request is
// approved. It reads the record outside any lock; admission control is a
// soft invariant enforced at provisioning time, not retroactively. Reports
// ErrNoActiveSubscription when the tenant is not active and
// ErrSeatLimitReached when the cap is used up.
func (p *Provisioner) CanAdmitMember(ctx context.Context, tenantID uuid.UUID) error {
	record, err := p.store.Get(ctx, tenantID)
	if err != nil {
		return err
	}
	if !record.IsActive() {
		return ErrNoActiveSubscription
	}

	used := record.SeatsInUse
	if p.dir != nil {
		// Prefer the directory's live count over the possibly stale
		// record copy.
		if live, err := p.dir.SeatsInUse(ctx, tenantID); err == nil {
			used = live
		} else {
			p.logger.WarnContext(ctx, "falling back to stored seat usage",
				slog.String("tenant_id", tenantID.String()),
				slog.Any("error", err),
			)
		}
	}

	if used >= record.SeatsAllotted {
		return ErrSeatLimitReached
	}
	return nil
}
