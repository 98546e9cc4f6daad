package billing_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingkit/pkg/billing"
)

type stubProcessor struct {
	mu           sync.Mutex
	subs         map[string]*billing.ProcessorSubscription
	getErr       error
	canceled     []string
	ensureCalls  int
	lastCheckout *billing.CheckoutRequest
}

func newStubProcessor() *stubProcessor {
	return &stubProcessor{subs: make(map[string]*billing.ProcessorSubscription)}
}

func (p *stubProcessor) VerifyWebhook(payload []byte, signature string) (billing.Event, error) {
	return nil, billing.ErrMalformedPayload
}

func (p *stubProcessor) SignatureHeader() string { return "Test-Signature" }

func (p *stubProcessor) GetSubscription(ctx context.Context, id string) (*billing.ProcessorSubscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.getErr != nil {
		return nil, p.getErr
	}
	sub, ok := p.subs[id]
	if !ok {
		return nil, billing.ErrSubscriptionNotFound
	}
	cp := *sub
	return &cp, nil
}

func (p *stubProcessor) GetCustomer(ctx context.Context, id string) (*billing.ProcessorCustomer, error) {
	return &billing.ProcessorCustomer{ID: id}, nil
}

func (p *stubProcessor) CancelSubscription(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.canceled = append(p.canceled, id)
	return nil
}

func (p *stubProcessor) EnsureCustomer(ctx context.Context, req billing.CustomerRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ensureCalls++
	return "cus_stub", nil
}

func (p *stubProcessor) CreateCheckoutSession(ctx context.Context, req billing.CheckoutRequest) (*billing.CheckoutSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastCheckout = &req
	return &billing.CheckoutSession{ID: "cs_stub", URL: "https://checkout.test/cs_stub"}, nil
}

type recordedNotification struct {
	tenantID uuid.UUID
	kind     billing.NotificationKind
	payload  map[string]any
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []recordedNotification
}

func (n *recordingNotifier) Notify(ctx context.Context, tenantID uuid.UUID, kind billing.NotificationKind, payload map[string]any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, recordedNotification{tenantID: tenantID, kind: kind, payload: payload})
	return nil
}

func (n *recordingNotifier) byKind(kind billing.NotificationKind) []recordedNotification {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []recordedNotification
	for _, s := range n.sent {
		if s.kind == kind {
			out = append(out, s)
		}
	}
	return out
}

// seedTenant creates a tenant record linked to the given processor customer.
func seedTenant(t *testing.T, store billing.Store, customerID string) uuid.UUID {
	t.Helper()
	tenantID := uuid.New()
	_, err := store.Create(context.Background(), tenantID)
	require.NoError(t, err)
	if customerID != "" {
		err = store.WithTenantLock(context.Background(), tenantID, func(ctx context.Context, tx billing.Tx) error {
			r := tx.Record()
			r.ProcessorCustomerID = customerID
			return tx.Save(ctx, r)
		})
		require.NoError(t, err)
	}
	return tenantID
}

func checkoutEvent(id, customerID, subID, tenantID string, seats int) *billing.CheckoutCompleted {
	return &billing.CheckoutCompleted{
		EventMeta: billing.EventMeta{
			ID:   id,
			Time: time.Now().UTC(),
			Ref:  billing.SubjectRef{CustomerID: customerID, SubscriptionID: subID},
		},
		SubscriptionID: subID,
		Metadata: billing.CheckoutMetadata{
			TenantID: tenantID,
			PlanType: billing.PlanMonthly,
			Interval: "month",
			Seats:    seats,
		},
	}
}

func TestEngineApply_CheckoutActivates(t *testing.T) {
	t.Parallel()

	store := billing.NewMemoryStore()
	processor := newStubProcessor()
	engine := billing.NewEngine(store, processor)

	tenantID := seedTenant(t, store, "")
	periodEnd := time.Now().Add(30 * 24 * time.Hour).UTC().Truncate(time.Second)
	processor.subs["sub_1"] = &billing.ProcessorSubscription{
		ID:               "sub_1",
		CustomerID:       "cus_1",
		Status:           "active",
		CurrentPeriodEnd: periodEnd,
		PlanType:         billing.PlanMonthly,
		Interval:         "month",
		Seats:            5,
	}

	err := engine.Apply(context.Background(), checkoutEvent("evt_1", "cus_1", "sub_1", tenantID.String(), 5))
	require.NoError(t, err)

	record, err := store.Get(context.Background(), tenantID)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusActive, record.Status)
	assert.Equal(t, "sub_1", record.ProcessorSubscriptionID)
	assert.Equal(t, "cus_1", record.ProcessorCustomerID)
	assert.Equal(t, billing.PlanMonthly, record.PlanType)
	assert.Equal(t, 5, record.SeatsAllotted)
	require.NotNil(t, record.ValidUntil)
	assert.Equal(t, periodEnd, record.ValidUntil.UTC())
}

func TestEngineApply_DuplicateEventIsNoOp(t *testing.T) {
	t.Parallel()

	store := billing.NewMemoryStore()
	processor := newStubProcessor()
	engine := billing.NewEngine(store, processor)

	tenantID := seedTenant(t, store, "")
	processor.subs["sub_1"] = &billing.ProcessorSubscription{
		ID: "sub_1", CustomerID: "cus_1", Status: "active",
		PlanType: billing.PlanMonthly, Seats: 5,
	}

	event := checkoutEvent("evt_dup", "cus_1", "sub_1", tenantID.String(), 5)
	require.NoError(t, engine.Apply(context.Background(), event))

	// Shrink the upstream seat count, then replay: the stale event must not
	// touch the record again.
	processor.subs["sub_1"].Seats = 1
	require.NoError(t, engine.Apply(context.Background(), event))

	record, err := store.Get(context.Background(), tenantID)
	require.NoError(t, err)
	assert.Equal(t, 5, record.SeatsAllotted)
}

func TestEngineApply_InvoiceFailedAdoptsProcessorStatus(t *testing.T) {
	t.Parallel()

	t.Run("dunning keeps subscription", func(t *testing.T) {
		t.Parallel()

		store := billing.NewMemoryStore()
		processor := newStubProcessor()
		engine := billing.NewEngine(store, processor)

		tenantID := seedTenant(t, store, "cus_1")
		processor.subs["sub_1"] = &billing.ProcessorSubscription{
			ID: "sub_1", CustomerID: "cus_1", Status: "active",
			PlanType: billing.PlanMonthly, Seats: 5,
		}
		require.NoError(t, engine.Apply(context.Background(),
			checkoutEvent("evt_1", "cus_1", "sub_1", tenantID.String(), 5)))

		processor.subs["sub_1"].Status = "past_due"
		err := engine.Apply(context.Background(), &billing.InvoicePaymentFailed{
			EventMeta: billing.EventMeta{
				ID:   "evt_2",
				Time: time.Now().UTC(),
				Ref:  billing.SubjectRef{CustomerID: "cus_1", SubscriptionID: "sub_1"},
			},
			SubscriptionID: "sub_1",
		})
		require.NoError(t, err)

		record, err := store.Get(context.Background(), tenantID)
		require.NoError(t, err)
		assert.Equal(t, billing.StatusPastDue, record.Status)
		assert.Equal(t, "sub_1", record.ProcessorSubscriptionID)
	})

	t.Run("terminal status resets record", func(t *testing.T) {
		t.Parallel()

		store := billing.NewMemoryStore()
		processor := newStubProcessor()
		engine := billing.NewEngine(store, processor)

		tenantID := seedTenant(t, store, "cus_1")
		processor.subs["sub_1"] = &billing.ProcessorSubscription{
			ID: "sub_1", CustomerID: "cus_1", Status: "active",
			PlanType: billing.PlanMonthly, Seats: 5,
		}
		require.NoError(t, engine.Apply(context.Background(),
			checkoutEvent("evt_1", "cus_1", "sub_1", tenantID.String(), 5)))

		// Members joined in the meantime.
		err := store.WithTenantLock(context.Background(), tenantID, func(ctx context.Context, tx billing.Tx) error {
			r := tx.Record()
			r.SeatsInUse = 3
			return tx.Save(ctx, r)
		})
		require.NoError(t, err)

		processor.subs["sub_1"].Status = "canceled"
		err = engine.Apply(context.Background(), &billing.InvoicePaymentFailed{
			EventMeta: billing.EventMeta{
				ID:   "evt_2",
				Time: time.Now().UTC(),
				Ref:  billing.SubjectRef{CustomerID: "cus_1", SubscriptionID: "sub_1"},
			},
			SubscriptionID: "sub_1",
		})
		require.NoError(t, err)

		record, err := store.Get(context.Background(), tenantID)
		require.NoError(t, err)
		assert.Equal(t, billing.StatusCanceled, record.Status)
		assert.Empty(t, record.ProcessorSubscriptionID)
		assert.Equal(t, billing.PlanNone, record.PlanType)
		assert.Nil(t, record.ValidUntil)
		assert.Zero(t, record.SeatsAllotted)
		// Cancellation never deactivates existing members.
		assert.Equal(t, 3, record.SeatsInUse)
	})
}

func TestEngineApply_OrderInsensitive(t *testing.T) {
	t.Parallel()

	// A failed-then-succeeded pair must converge to the same state
	// regardless of delivery order, because every transition re-reads the
	// processor's current subscription.
	makeEvents := func(tenantID uuid.UUID) []billing.Event {
		return []billing.Event{
			checkoutEvent("evt_checkout", "cus_1", "sub_1", tenantID.String(), 5),
			&billing.InvoicePaymentSucceeded{
				EventMeta: billing.EventMeta{
					ID: "evt_paid", Time: time.Now().UTC(),
					Ref: billing.SubjectRef{CustomerID: "cus_1", SubscriptionID: "sub_1"},
				},
				SubscriptionID: "sub_1",
			},
			&billing.InvoicePaymentFailed{
				EventMeta: billing.EventMeta{
					ID: "evt_failed", Time: time.Now().UTC(),
					Ref: billing.SubjectRef{CustomerID: "cus_1", SubscriptionID: "sub_1"},
				},
				SubscriptionID: "sub_1",
			},
		}
	}

	orders := [][]int{{0, 1, 2}, {0, 2, 1}, {1, 0, 2}, {2, 1, 0}}
	var statuses []billing.Status
	for _, order := range orders {
		store := billing.NewMemoryStore()
		processor := newStubProcessor()
		engine := billing.NewEngine(store, processor)

		tenantID := seedTenant(t, store, "cus_1")
		processor.subs["sub_1"] = &billing.ProcessorSubscription{
			ID: "sub_1", CustomerID: "cus_1", Status: "active",
			PlanType: billing.PlanMonthly, Seats: 5,
		}

		events := makeEvents(tenantID)
		for _, i := range order {
			require.NoError(t, engine.Apply(context.Background(), events[i]))
		}
		record, err := store.Get(context.Background(), tenantID)
		require.NoError(t, err)
		statuses = append(statuses, record.Status)
	}

	for _, status := range statuses {
		assert.Equal(t, statuses[0], status)
	}
}

func TestEngineApply_LifetimeCheckout(t *testing.T) {
	t.Parallel()

	store := billing.NewMemoryStore()
	processor := newStubProcessor()
	engine := billing.NewEngine(store, processor)

	tenantID := seedTenant(t, store, "")
	event := &billing.CheckoutCompleted{
		EventMeta: billing.EventMeta{
			ID: "evt_life", Time: time.Now().UTC(),
			Ref: billing.SubjectRef{CustomerID: "cus_1"},
		},
		Metadata: billing.CheckoutMetadata{
			TenantID: tenantID.String(),
			PlanType: billing.PlanLifetime,
			Seats:    10,
		},
	}
	require.NoError(t, engine.Apply(context.Background(), event))

	record, err := store.Get(context.Background(), tenantID)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusActive, record.Status)
	assert.Equal(t, billing.PlanLifetime, record.PlanType)
	assert.Empty(t, record.ProcessorSubscriptionID)
	assert.Nil(t, record.ValidUntil)
	assert.Equal(t, 10, record.SeatsAllotted)
}

func TestEngineApply_SupersedingCheckoutCancelsOldSubscription(t *testing.T) {
	t.Parallel()

	store := billing.NewMemoryStore()
	processor := newStubProcessor()
	engine := billing.NewEngine(store, processor)

	tenantID := seedTenant(t, store, "cus_1")
	processor.subs["sub_old"] = &billing.ProcessorSubscription{
		ID: "sub_old", CustomerID: "cus_1", Status: "active",
		PlanType: billing.PlanMonthly, Seats: 5,
	}
	processor.subs["sub_new"] = &billing.ProcessorSubscription{
		ID: "sub_new", CustomerID: "cus_1", Status: "active",
		PlanType: billing.PlanYearly, Interval: "year", Seats: 10,
	}

	require.NoError(t, engine.Apply(context.Background(),
		checkoutEvent("evt_old", "cus_1", "sub_old", tenantID.String(), 5)))
	newEvent := checkoutEvent("evt_new", "cus_1", "sub_new", tenantID.String(), 10)
	newEvent.Metadata.PlanType = billing.PlanYearly
	require.NoError(t, engine.Apply(context.Background(), newEvent))

	assert.Contains(t, processor.canceled, "sub_old")

	record, err := store.Get(context.Background(), tenantID)
	require.NoError(t, err)
	assert.Equal(t, "sub_new", record.ProcessorSubscriptionID)
	assert.Equal(t, billing.PlanYearly, record.PlanType)
	assert.Equal(t, 10, record.SeatsAllotted)
}

func TestEngineApply_PromoForUnknownCustomer(t *testing.T) {
	t.Parallel()

	store := billing.NewMemoryStore()
	engine := billing.NewEngine(store, newStubProcessor())

	err := engine.Apply(context.Background(), &billing.PromotionCodeCreated{
		EventMeta: billing.EventMeta{
			ID: "evt_promo", Time: time.Now().UTC(),
			Ref: billing.SubjectRef{CustomerID: "cus_unknown"},
		},
		Code:       "SAVE20",
		PercentOff: 20,
	})
	assert.ErrorIs(t, err, billing.ErrTenantNotFound)
}

func TestEngineApply_PromoNotificationDeduplicated(t *testing.T) {
	t.Parallel()

	store := billing.NewMemoryStore()
	notifier := &recordingNotifier{}
	engine := billing.NewEngine(store, newStubProcessor(), billing.WithNotifier(notifier))

	tenantID := seedTenant(t, store, "cus_1")

	event := &billing.PromotionCodeCreated{
		EventMeta: billing.EventMeta{
			ID: "evt_promo", Time: time.Now().UTC(),
			Ref: billing.SubjectRef{CustomerID: "cus_1"},
		},
		Code:       "SAVE20",
		PercentOff: 20,
	}
	require.NoError(t, engine.Apply(context.Background(), event))
	require.NoError(t, engine.Apply(context.Background(), event))

	sent := notifier.byKind(billing.NotificationPromoCode)
	require.Len(t, sent, 1)
	assert.Equal(t, tenantID, sent[0].tenantID)
	assert.Equal(t, "SAVE20", sent[0].payload["code"])
}

func TestEngineApply_TerminalPaymentFailureNeverMutates(t *testing.T) {
	t.Parallel()

	store := billing.NewMemoryStore()
	notifier := &recordingNotifier{}
	processor := newStubProcessor()
	engine := billing.NewEngine(store, processor, billing.WithNotifier(notifier))

	tenantID := seedTenant(t, store, "cus_1")
	processor.subs["sub_1"] = &billing.ProcessorSubscription{
		ID: "sub_1", CustomerID: "cus_1", Status: "active",
		PlanType: billing.PlanMonthly, Seats: 5,
	}
	require.NoError(t, engine.Apply(context.Background(),
		checkoutEvent("evt_1", "cus_1", "sub_1", tenantID.String(), 5)))
	before, err := store.Get(context.Background(), tenantID)
	require.NoError(t, err)

	err = engine.Apply(context.Background(), &billing.PaymentFailedTerminal{
		EventMeta: billing.EventMeta{
			ID: "evt_pi", Time: time.Now().UTC(),
			Ref: billing.SubjectRef{CustomerID: "cus_1"},
		},
	})
	require.NoError(t, err)

	after, err := store.Get(context.Background(), tenantID)
	require.NoError(t, err)
	assert.Equal(t, before.Status, after.Status)
	assert.Equal(t, before.ProcessorSubscriptionID, after.ProcessorSubscriptionID)
	assert.Equal(t, before.SeatsAllotted, after.SeatsAllotted)
	require.Len(t, notifier.byKind(billing.NotificationPaymentFailed), 1)
}

func TestEngineApply_ProviderErrorAbortsWithoutLedgerEntry(t *testing.T) {
	t.Parallel()

	store := billing.NewMemoryStore()
	processor := newStubProcessor()
	engine := billing.NewEngine(store, processor)

	tenantID := seedTenant(t, store, "cus_1")
	processor.getErr = billing.ErrProviderUnavailable

	event := checkoutEvent("evt_retry", "cus_1", "sub_1", tenantID.String(), 5)
	err := engine.Apply(context.Background(), event)
	require.ErrorIs(t, err, billing.ErrProviderUnavailable)
	assert.True(t, billing.IsRetryable(err))

	// Once the provider recovers, the same event ID must still apply.
	processor.getErr = nil
	processor.subs["sub_1"] = &billing.ProcessorSubscription{
		ID: "sub_1", CustomerID: "cus_1", Status: "active",
		PlanType: billing.PlanMonthly, Seats: 5,
	}
	require.NoError(t, engine.Apply(context.Background(), event))

	record, err := store.Get(context.Background(), tenantID)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusActive, record.Status)
}

func TestEngineApply_UnhandledEventIgnored(t *testing.T) {
	t.Parallel()

	engine := billing.NewEngine(billing.NewMemoryStore(), newStubProcessor())
	err := engine.Apply(context.Background(), &billing.Unhandled{
		EventMeta: billing.EventMeta{ID: "evt_x", Time: time.Now().UTC()},
		Type:      "customer.updated",
	})
	assert.NoError(t, err)
}
