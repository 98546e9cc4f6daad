package billing_test

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingkit/pkg/billing"
)

type stubDirectory struct {
	mu        sync.Mutex
	seats     map[uuid.UUID]int
	seatsErr  error
	callbacks []struct {
		tenantID uuid.UUID
		seats    int
		status   billing.Status
	}
	callbackErr error
}

func (d *stubDirectory) SeatsInUse(ctx context.Context, tenantID uuid.UUID) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seatsErr != nil {
		return 0, d.seatsErr
	}
	return d.seats[tenantID], nil
}

func (d *stubDirectory) EntitlementChanged(ctx context.Context, tenantID uuid.UUID, seatsAllotted int, status billing.Status) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.callbacks = append(d.callbacks, struct {
		tenantID uuid.UUID
		seats    int
		status   billing.Status
	}{tenantID, seatsAllotted, status})
	return d.callbackErr
}

func seedActiveTenant(t *testing.T, store billing.Store, seatsAllotted, seatsInUse int) uuid.UUID {
	t.Helper()
	tenantID := uuid.New()
	_, err := store.Create(context.Background(), tenantID)
	require.NoError(t, err)
	err = store.WithTenantLock(context.Background(), tenantID, func(ctx context.Context, tx billing.Tx) error {
		r := tx.Record()
		r.Status = billing.StatusActive
		r.PlanType = billing.PlanMonthly
		r.ProcessorSubscriptionID = "sub_1"
		r.SeatsAllotted = seatsAllotted
		r.SeatsInUse = seatsInUse
		return tx.Save(ctx, r)
	})
	require.NoError(t, err)
	return tenantID
}

func TestProvisionerCanAdmitMember(t *testing.T) {
	t.Parallel()

	t.Run("admits below cap", func(t *testing.T) {
		t.Parallel()
		store := billing.NewMemoryStore()
		tenantID := seedActiveTenant(t, store, 5, 3)
		p := billing.NewProvisioner(store, nil, nil)
		assert.NoError(t, p.CanAdmitMember(context.Background(), tenantID))
	})

	t.Run("blocks at cap", func(t *testing.T) {
		t.Parallel()
		store := billing.NewMemoryStore()
		tenantID := seedActiveTenant(t, store, 5, 5)
		p := billing.NewProvisioner(store, nil, nil)
		assert.ErrorIs(t, p.CanAdmitMember(context.Background(), tenantID), billing.ErrSeatLimitReached)
	})

	t.Run("requires active subscription", func(t *testing.T) {
		t.Parallel()
		store := billing.NewMemoryStore()
		tenantID := uuid.New()
		_, err := store.Create(context.Background(), tenantID)
		require.NoError(t, err)
		p := billing.NewProvisioner(store, nil, nil)
		assert.ErrorIs(t, p.CanAdmitMember(context.Background(), tenantID), billing.ErrNoActiveSubscription)
	})

	t.Run("prefers live directory count", func(t *testing.T) {
		t.Parallel()
		store := billing.NewMemoryStore()
		// Stored copy says full, directory says a member left.
		tenantID := seedActiveTenant(t, store, 5, 5)
		dir := &stubDirectory{seats: map[uuid.UUID]int{tenantID: 4}}
		p := billing.NewProvisioner(store, dir, nil)
		assert.NoError(t, p.CanAdmitMember(context.Background(), tenantID))
	})

	t.Run("falls back to stored count on directory error", func(t *testing.T) {
		t.Parallel()
		store := billing.NewMemoryStore()
		tenantID := seedActiveTenant(t, store, 5, 5)
		dir := &stubDirectory{seatsErr: assert.AnError}
		p := billing.NewProvisioner(store, dir, nil)
		assert.ErrorIs(t, p.CanAdmitMember(context.Background(), tenantID), billing.ErrSeatLimitReached)
	})

	t.Run("unknown tenant", func(t *testing.T) {
		t.Parallel()
		store := billing.NewMemoryStore()
		p := billing.NewProvisioner(store, nil, nil)
		assert.ErrorIs(t, p.CanAdmitMember(context.Background(), uuid.New()), billing.ErrTenantNotFound)
	})
}

func TestProvisionerCallbacks(t *testing.T) {
	t.Parallel()

	t.Run("reconcile and revoke reach directory", func(t *testing.T) {
		t.Parallel()
		store := billing.NewMemoryStore()
		tenantID := seedActiveTenant(t, store, 5, 2)
		dir := &stubDirectory{seats: map[uuid.UUID]int{}}
		p := billing.NewProvisioner(store, dir, nil)

		p.ReconcileSeats(context.Background(), tenantID, 8)
		p.RevokeSeats(context.Background(), tenantID)

		require.Len(t, dir.callbacks, 2)
		assert.Equal(t, 8, dir.callbacks[0].seats)
		assert.Equal(t, billing.StatusActive, dir.callbacks[0].status)
		assert.Zero(t, dir.callbacks[1].seats)
		assert.Equal(t, billing.StatusCanceled, dir.callbacks[1].status)
	})

	t.Run("callback failure is swallowed", func(t *testing.T) {
		t.Parallel()
		store := billing.NewMemoryStore()
		tenantID := seedActiveTenant(t, store, 5, 2)
		dir := &stubDirectory{seats: map[uuid.UUID]int{}, callbackErr: assert.AnError}
		p := billing.NewProvisioner(store, dir, nil)

		// Must not panic or propagate.
		p.ReconcileSeats(context.Background(), tenantID, 8)
		p.RevokeSeats(context.Background(), tenantID)
		assert.Len(t, dir.callbacks, 2)
	})
}
