package billing_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingkit/pkg/billing"
)

func newTestService(store billing.Store, processor billing.Processor) billing.Service {
	engine := billing.NewEngine(store, processor)
	return billing.NewService(store, processor, engine)
}

func TestServiceInitTenant(t *testing.T) {
	t.Parallel()

	store := billing.NewMemoryStore()
	svc := newTestService(store, newStubProcessor())

	tenantID := uuid.New()
	record, err := svc.InitTenant(context.Background(), tenantID)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusInactive, record.Status)
	assert.False(t, record.CanAdmitMember())

	again, err := svc.InitTenant(context.Background(), tenantID)
	require.NoError(t, err)
	assert.Equal(t, record.TenantID, again.TenantID)
}

func TestServiceCreateCheckoutSession(t *testing.T) {
	t.Parallel()

	t.Run("creates customer lazily and persists it", func(t *testing.T) {
		t.Parallel()

		store := billing.NewMemoryStore()
		processor := newStubProcessor()
		svc := newTestService(store, processor)

		tenantID := uuid.New()
		_, err := svc.InitTenant(context.Background(), tenantID)
		require.NoError(t, err)

		params := billing.CheckoutParams{
			PlanType:   billing.PlanMonthly,
			Interval:   "month",
			Seats:      5,
			PriceCents: 4900,
			Currency:   "usd",
			Email:      "owner@acme.test",
		}
		session, err := svc.CreateCheckoutSession(context.Background(), tenantID, params)
		require.NoError(t, err)
		assert.Equal(t, "cs_stub", session.ID)
		assert.NotEmpty(t, session.URL)

		record, err := store.Get(context.Background(), tenantID)
		require.NoError(t, err)
		assert.Equal(t, "cus_stub", record.ProcessorCustomerID)

		// Second checkout reuses the stored customer.
		_, err = svc.CreateCheckoutSession(context.Background(), tenantID, params)
		require.NoError(t, err)
		assert.Equal(t, 1, processor.ensureCalls)

		// The checkout carries attribution metadata and an idempotency key.
		require.NotNil(t, processor.lastCheckout)
		assert.Equal(t, tenantID.String(), processor.lastCheckout.Metadata.TenantID)
		assert.Equal(t, billing.PlanMonthly, processor.lastCheckout.Metadata.PlanType)
		assert.Equal(t, 5, processor.lastCheckout.Metadata.Seats)
		assert.NotEmpty(t, processor.lastCheckout.IdempotencyKey)
	})

	t.Run("rejects invalid parameters", func(t *testing.T) {
		t.Parallel()

		store := billing.NewMemoryStore()
		svc := newTestService(store, newStubProcessor())
		tenantID := uuid.New()
		_, err := svc.InitTenant(context.Background(), tenantID)
		require.NoError(t, err)

		_, err = svc.CreateCheckoutSession(context.Background(), tenantID, billing.CheckoutParams{
			PlanType: "weekly", Seats: 5,
		})
		assert.ErrorIs(t, err, billing.ErrInvariantViolation)

		_, err = svc.CreateCheckoutSession(context.Background(), tenantID, billing.CheckoutParams{
			PlanType: billing.PlanMonthly, Seats: 0,
		})
		assert.ErrorIs(t, err, billing.ErrInvariantViolation)
	})

	t.Run("unknown tenant", func(t *testing.T) {
		t.Parallel()

		svc := newTestService(billing.NewMemoryStore(), newStubProcessor())
		_, err := svc.CreateCheckoutSession(context.Background(), uuid.New(), billing.CheckoutParams{
			PlanType: billing.PlanMonthly, Seats: 1,
		})
		assert.ErrorIs(t, err, billing.ErrTenantNotFound)
	})
}

func TestServiceCancelSubscription(t *testing.T) {
	t.Parallel()

	t.Run("recurring plan cancels upstream", func(t *testing.T) {
		t.Parallel()

		store := billing.NewMemoryStore()
		processor := newStubProcessor()
		svc := newTestService(store, processor)

		tenantID := uuid.New()
		_, err := svc.InitTenant(context.Background(), tenantID)
		require.NoError(t, err)
		err = store.WithTenantLock(context.Background(), tenantID, func(ctx context.Context, tx billing.Tx) error {
			r := tx.Record()
			r.Status = billing.StatusActive
			r.PlanType = billing.PlanMonthly
			r.ProcessorSubscriptionID = "sub_1"
			r.SeatsAllotted = 5
			r.SeatsInUse = 3
			return tx.Save(ctx, r)
		})
		require.NoError(t, err)

		require.NoError(t, svc.CancelSubscription(context.Background(), tenantID))
		assert.Equal(t, []string{"sub_1"}, processor.canceled)

		record, err := store.Get(context.Background(), tenantID)
		require.NoError(t, err)
		assert.Equal(t, billing.StatusCanceled, record.Status)
		assert.Empty(t, record.ProcessorSubscriptionID)
		assert.Zero(t, record.SeatsAllotted)
		assert.Equal(t, 3, record.SeatsInUse)
	})

	t.Run("lifetime plan resets locally without processor call", func(t *testing.T) {
		t.Parallel()

		store := billing.NewMemoryStore()
		processor := newStubProcessor()
		svc := newTestService(store, processor)

		tenantID := uuid.New()
		_, err := svc.InitTenant(context.Background(), tenantID)
		require.NoError(t, err)
		err = store.WithTenantLock(context.Background(), tenantID, func(ctx context.Context, tx billing.Tx) error {
			r := tx.Record()
			r.Status = billing.StatusActive
			r.PlanType = billing.PlanLifetime
			r.SeatsAllotted = 10
			return tx.Save(ctx, r)
		})
		require.NoError(t, err)

		require.NoError(t, svc.CancelSubscription(context.Background(), tenantID))
		assert.Empty(t, processor.canceled)

		record, err := store.Get(context.Background(), tenantID)
		require.NoError(t, err)
		assert.Equal(t, billing.StatusCanceled, record.Status)
		assert.Equal(t, billing.PlanNone, record.PlanType)
	})

	t.Run("nothing to cancel", func(t *testing.T) {
		t.Parallel()

		store := billing.NewMemoryStore()
		svc := newTestService(store, newStubProcessor())
		tenantID := uuid.New()
		_, err := svc.InitTenant(context.Background(), tenantID)
		require.NoError(t, err)

		err = svc.CancelSubscription(context.Background(), tenantID)
		assert.ErrorIs(t, err, billing.ErrNoActiveSubscription)
	})
}

type listingProcessor struct {
	*stubProcessor
	invoices map[string][]billing.Transaction
}

func (p *listingProcessor) ListPaidInvoices(ctx context.Context, customerID string) ([]billing.Transaction, error) {
	txs, ok := p.invoices[customerID]
	if !ok {
		return nil, billing.ErrCustomerNotFound
	}
	return txs, nil
}

func TestServiceListTransactions(t *testing.T) {
	t.Parallel()

	t.Run("processor without listing support", func(t *testing.T) {
		t.Parallel()

		store := billing.NewMemoryStore()
		svc := newTestService(store, newStubProcessor())
		tenantID := uuid.New()
		_, err := svc.InitTenant(context.Background(), tenantID)
		require.NoError(t, err)

		_, err = svc.ListTransactions(context.Background(), tenantID)
		assert.ErrorIs(t, err, billing.ErrListingNotSupported)
	})

	t.Run("returns settled payments", func(t *testing.T) {
		t.Parallel()

		store := billing.NewMemoryStore()
		paidAt := time.Now().UTC().Add(-24 * time.Hour)
		processor := &listingProcessor{
			stubProcessor: newStubProcessor(),
			invoices: map[string][]billing.Transaction{
				"cus_1": {{ID: "in_1", AmountCents: 4900, Currency: "USD", PaidAt: paidAt}},
			},
		}
		svc := newTestService(store, processor)

		tenantID := uuid.New()
		_, err := svc.InitTenant(context.Background(), tenantID)
		require.NoError(t, err)
		err = store.WithTenantLock(context.Background(), tenantID, func(ctx context.Context, tx billing.Tx) error {
			r := tx.Record()
			r.ProcessorCustomerID = "cus_1"
			return tx.Save(ctx, r)
		})
		require.NoError(t, err)

		txs, err := svc.ListTransactions(context.Background(), tenantID)
		require.NoError(t, err)
		require.Len(t, txs, 1)
		assert.Equal(t, "in_1", txs[0].ID)
	})

	t.Run("tenant without billing history", func(t *testing.T) {
		t.Parallel()

		store := billing.NewMemoryStore()
		processor := &listingProcessor{stubProcessor: newStubProcessor(), invoices: map[string][]billing.Transaction{}}
		svc := newTestService(store, processor)

		tenantID := uuid.New()
		_, err := svc.InitTenant(context.Background(), tenantID)
		require.NoError(t, err)

		txs, err := svc.ListTransactions(context.Background(), tenantID)
		require.NoError(t, err)
		assert.Empty(t, txs)
	})
}
