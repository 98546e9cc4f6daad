package billing

import (
	"context"
	"time"
)

// Processor abstracts the external payment processor. Implementations exist
// for Stripe and Paddle; both normalize webhooks into the Event sum type and
// expose the read-only query API the engine uses to re-derive authoritative
// state. The processor is injected explicitly - there is no package-level
// client.
type Processor interface {
	// VerifyWebhook validates the signature over the exact raw request body
	// and normalizes the payload into an Event. It returns
	// ErrInvalidSignature, ErrStaleEvent (timestamp outside the replay
	// tolerance) or ErrMalformedPayload; none of these mutate state.
	VerifyWebhook(payload []byte, signature string) (Event, error)

	// SignatureHeader returns the HTTP header the provider sends the webhook
	// signature in (e.g. "Stripe-Signature").
	SignatureHeader() string

	// GetSubscription fetches the processor's current subscription object.
	// Fails with ErrSubscriptionNotFound or ErrProviderUnavailable.
	GetSubscription(ctx context.Context, id string) (*ProcessorSubscription, error)

	// GetCustomer fetches a customer by processor ID.
	GetCustomer(ctx context.Context, id string) (*ProcessorCustomer, error)

	// CancelSubscription cancels a subscription immediately at the processor.
	CancelSubscription(ctx context.Context, id string) error

	// EnsureCustomer creates a processor customer for the tenant when one
	// does not exist yet and returns its ID.
	EnsureCustomer(ctx context.Context, req CustomerRequest) (string, error)

	// CreateCheckoutSession creates a hosted checkout session. Recurring
	// plans produce subscription-mode sessions, lifetime plans one-time
	// payment sessions with invoice creation enabled.
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)
}

// TransactionLister is an optional Processor capability for listing a
// customer's settled payments. Service.ListTransactions fails with
// ErrListingNotSupported when the configured processor does not implement it.
type TransactionLister interface {
	ListPaidInvoices(ctx context.Context, customerID string) ([]Transaction, error)
}

// ProcessorSubscription is the processor's current view of a subscription.
// The engine treats it as the source of truth for plan and validity fields.
type ProcessorSubscription struct {
	ID                 string
	CustomerID         string
	Status             string // raw processor status
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	PlanType           PlanType
	Interval           string
	Seats              int
}

// terminal processor statuses: the subscription is gone for good and the
// local record must be reset.
func (s *ProcessorSubscription) IsTerminal() bool {
	switch s.Status {
	case "canceled", "cancelled", "unpaid", "incomplete_expired":
		return true
	}
	return false
}

// LocalStatus maps the raw processor status onto the local Status enum.
func (s *ProcessorSubscription) LocalStatus() Status {
	switch s.Status {
	case "active", "trialing":
		return StatusActive
	case "past_due":
		return StatusPastDue
	default:
		if s.IsTerminal() {
			return StatusCanceled
		}
		return StatusInactive
	}
}

// ProcessorCustomer is the processor's customer object, read-only.
type ProcessorCustomer struct {
	ID    string
	Email string
	Name  string
}

// CustomerRequest carries the data for lazy customer creation.
type CustomerRequest struct {
	TenantID string
	Email    string
	Name     string
}

// CheckoutRequest carries everything needed to open a checkout session.
// Metadata is round-tripped through the processor so the webhook pipeline can
// attribute the completed checkout to a tenant without extra lookups.
type CheckoutRequest struct {
	CustomerID     string
	PlanType       PlanType
	Interval       string
	Seats          int
	PriceCents     int64
	Currency       string
	ProductID      string
	SuccessURL     string
	CancelURL      string
	IdempotencyKey string
	Metadata       CheckoutMetadata
}

// CheckoutSession is a hosted checkout session created at the processor.
type CheckoutSession struct {
	ID  string
	URL string
}

// Transaction is a settled payment, as shown in the tenant's billing history.
type Transaction struct {
	ID          string
	Description string
	AmountCents int64
	Currency    string
	PaidAt      time.Time
}
