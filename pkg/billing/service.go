package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// Service is the application-facing billing API: webhook intake plus the
// admin operations tenant owners trigger directly. All mutations flow
// through the same per-tenant lock discipline as webhook reconciliation.
type Service interface {
	// InitTenant creates the empty billing record a tenant starts with.
	// Idempotent: an existing record is returned unchanged.
	InitTenant(ctx context.Context, tenantID uuid.UUID) (*Record, error)

	// GetRecord returns the tenant's current billing record.
	GetRecord(ctx context.Context, tenantID uuid.UUID) (*Record, error)

	// HandleWebhook verifies the raw webhook body against its signature,
	// normalizes it and runs it through the reconciliation engine.
	HandleWebhook(ctx context.Context, payload []byte, signature string) error

	// CreateCheckoutSession opens a hosted checkout for the tenant, creating
	// the processor customer lazily on first use.
	CreateCheckoutSession(ctx context.Context, tenantID uuid.UUID, params CheckoutParams) (*CheckoutSession, error)

	// CancelSubscription cancels the tenant's plan. Recurring plans are
	// canceled upstream at the processor; lifetime plans are reset locally
	// since no subscription exists.
	CancelSubscription(ctx context.Context, tenantID uuid.UUID) error

	// ListTransactions returns the tenant's settled payments, newest first.
	// Fails with ErrListingNotSupported when the processor cannot list them.
	ListTransactions(ctx context.Context, tenantID uuid.UUID) ([]Transaction, error)
}

// CheckoutParams is the tenant-supplied part of a checkout request.
type CheckoutParams struct {
	PlanType   PlanType
	Interval   string
	Seats      int
	PriceCents int64
	Currency   string
	ProductID  string
	SuccessURL string
	CancelURL  string

	// Email and Name seed lazy customer creation.
	Email string
	Name  string
}

type service struct {
	store       Store
	processor   Processor
	engine      *Engine
	provisioner *Provisioner
	logger      *slog.Logger
}

// ServiceOption configures the billing service.
type ServiceOption func(*service)

// WithServiceLogger sets the service logger. Defaults to slog.Default().
func WithServiceLogger(l *slog.Logger) ServiceOption {
	return func(s *service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithServiceProvisioner sets the provisioner used for post-cancel seat
// revocation. Defaults to a directory-less provisioner.
func WithServiceProvisioner(p *Provisioner) ServiceOption {
	return func(s *service) {
		if p != nil {
			s.provisioner = p
		}
	}
}

// NewService creates the billing service. Panics on nil store, processor or
// engine to fail fast during initialization.
func NewService(store Store, processor Processor, engine *Engine, opts ...ServiceOption) Service {
	if store == nil {
		panic("billing: Store is required")
	}
	if processor == nil {
		panic("billing: Processor is required")
	}
	if engine == nil {
		panic("billing: Engine is required")
	}

	s := &service{
		store:     store,
		processor: processor,
		engine:    engine,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.provisioner == nil {
		s.provisioner = NewProvisioner(store, nil, s.logger)
	}
	return s
}

func (s *service) InitTenant(ctx context.Context, tenantID uuid.UUID) (*Record, error) {
	return s.store.Create(ctx, tenantID)
}

func (s *service) GetRecord(ctx context.Context, tenantID uuid.UUID) (*Record, error) {
	return s.store.Get(ctx, tenantID)
}

func (s *service) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	event, err := s.processor.VerifyWebhook(payload, signature)
	if err != nil {
		return err
	}
	return s.engine.Apply(ctx, event)
}

func (s *service) CreateCheckoutSession(ctx context.Context, tenantID uuid.UUID, params CheckoutParams) (*CheckoutSession, error) {
	if !params.PlanType.Valid() || params.PlanType == PlanNone {
		return nil, fmt.Errorf("%w: unknown plan type %q", ErrInvariantViolation, params.PlanType)
	}
	if params.Seats <= 0 {
		return nil, fmt.Errorf("%w: checkout requires a positive seat count", ErrInvariantViolation)
	}

	customerID, err := s.ensureCustomer(ctx, tenantID, params)
	if err != nil {
		return nil, err
	}

	// The session is created outside the tenant lock: it mutates nothing
	// locally, and the completed-checkout webhook carries the metadata needed
	// to attribute it back.
	return s.processor.CreateCheckoutSession(ctx, CheckoutRequest{
		CustomerID:     customerID,
		PlanType:       params.PlanType,
		Interval:       params.Interval,
		Seats:          params.Seats,
		PriceCents:     params.PriceCents,
		Currency:       params.Currency,
		ProductID:      params.ProductID,
		SuccessURL:     params.SuccessURL,
		CancelURL:      params.CancelURL,
		IdempotencyKey: uuid.NewString(),
		Metadata: CheckoutMetadata{
			TenantID: tenantID.String(),
			PlanType: params.PlanType,
			Interval: params.Interval,
			Seats:    params.Seats,
		},
	})
}

// ensureCustomer returns the tenant's processor customer ID, creating the
// customer lazily on first use. Creation happens outside the lock; the ID is
// persisted under the lock with a re-check so a concurrent first checkout
// wins cleanly.
func (s *service) ensureCustomer(ctx context.Context, tenantID uuid.UUID, params CheckoutParams) (string, error) {
	record, err := s.store.Get(ctx, tenantID)
	if err != nil {
		return "", err
	}
	if record.ProcessorCustomerID != "" {
		return record.ProcessorCustomerID, nil
	}

	created, err := s.processor.EnsureCustomer(ctx, CustomerRequest{
		TenantID: tenantID.String(),
		Email:    params.Email,
		Name:     params.Name,
	})
	if err != nil {
		return "", err
	}

	customerID := created
	err = s.store.WithTenantLock(ctx, tenantID, func(ctx context.Context, tx Tx) error {
		r := tx.Record()
		if r.ProcessorCustomerID != "" {
			// Lost the race; keep the winner's customer.
			customerID = r.ProcessorCustomerID
			return nil
		}
		r.ProcessorCustomerID = created
		return tx.Save(ctx, r)
	})
	if err != nil {
		return "", err
	}

	if customerID != created {
		s.logger.InfoContext(ctx, "discarding duplicate processor customer",
			slog.String("tenant_id", tenantID.String()),
			slog.String("customer_id", created),
		)
	}
	return customerID, nil
}

func (s *service) CancelSubscription(ctx context.Context, tenantID uuid.UUID) error {
	var revoke bool
	err := s.store.WithTenantLock(ctx, tenantID, func(ctx context.Context, tx Tx) error {
		record := tx.Record()
		if !record.IsActive() {
			return ErrNoActiveSubscription
		}

		// Lifetime plans have no upstream subscription; the reset is local.
		if subID := record.ProcessorSubscriptionID; subID != "" {
			if err := s.processor.CancelSubscription(ctx, subID); err != nil {
				return err
			}
		}

		resetToCanceled(record)
		revoke = true
		return tx.Save(ctx, record)
	})
	if err != nil {
		return err
	}

	if revoke {
		s.provisioner.RevokeSeats(ctx, tenantID)
	}
	return nil
}

func (s *service) ListTransactions(ctx context.Context, tenantID uuid.UUID) ([]Transaction, error) {
	lister, ok := s.processor.(TransactionLister)
	if !ok {
		return nil, ErrListingNotSupported
	}

	record, err := s.store.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if record.ProcessorCustomerID == "" {
		return []Transaction{}, nil
	}

	txs, err := lister.ListPaidInvoices(ctx, record.ProcessorCustomerID)
	if err != nil {
		if errors.Is(err, ErrCustomerNotFound) {
			return []Transaction{}, nil
		}
		return nil, err
	}
	return txs, nil
}
