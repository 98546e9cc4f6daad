package billing

import "time"

// SubjectRef identifies the processor-side subject of a webhook event.
// Either field may be empty depending on the event type.
type SubjectRef struct {
	CustomerID     string
	SubscriptionID string
}

// Event is the closed set of normalized webhook events. Processor
// implementations map their provider-specific payloads onto these variants;
// the reconciliation engine switches over them exhaustively. The unexported
// marker method keeps the set closed to this package.
type Event interface {
	// EventID returns the processor-assigned, globally unique event ID used
	// as the idempotency ledger key.
	EventID() string
	OccurredAt() time.Time
	Subject() SubjectRef

	isEvent()
}

// EventMeta carries the fields shared by every event variant.
type EventMeta struct {
	ID   string
	Time time.Time
	Ref  SubjectRef
}

func (m EventMeta) EventID() string       { return m.ID }
func (m EventMeta) OccurredAt() time.Time { return m.Time }
func (m EventMeta) Subject() SubjectRef   { return m.Ref }
func (m EventMeta) isEvent()              {}

// CheckoutMetadata is the metadata attached to a checkout session at
// creation time and echoed back by the processor.
type CheckoutMetadata struct {
	TenantID string
	PlanType PlanType
	Interval string
	Seats    int
}

// CheckoutCompleted signals a finished checkout. SubscriptionID is empty for
// one-time (lifetime) purchases.
type CheckoutCompleted struct {
	EventMeta
	SubscriptionID string
	Metadata       CheckoutMetadata
}

// InvoicePaymentSucceeded signals a paid invoice for a subscription.
type InvoicePaymentSucceeded struct {
	EventMeta
	SubscriptionID string
	// SeatsHint carries the seat count from subscription metadata when the
	// payload included it; zero means unknown.
	SeatsHint int
}

// InvoicePaymentFailed signals a failed invoice payment. The resulting local
// state depends on what the processor reports for the subscription, which the
// engine re-reads; the subscription may still be in dunning.
type InvoicePaymentFailed struct {
	EventMeta
	SubscriptionID string
}

// PromotionCodeCreated signals a promo code issued for a customer.
type PromotionCodeCreated struct {
	EventMeta
	Code       string
	PercentOff float64
	ExpiresAt  *time.Time
}

// PaymentFailedTerminal signals a canceled or failed payment intent with no
// subscription attached. It never mutates billing state; there is no
// subscription to fail.
type PaymentFailedTerminal struct {
	EventMeta
}

// Unhandled wraps any provider event type outside the recognized set.
// It is logged and acknowledged, never treated as an error.
type Unhandled struct {
	EventMeta
	Type string
}
