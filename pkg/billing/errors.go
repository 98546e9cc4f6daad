package billing

import "errors"

var (
	// Webhook rejection errors. The provider retries on these, so they must
	// never be returned after a transition has been committed.
	ErrInvalidSignature = errors.New("billing: webhook signature verification failed")
	ErrStaleEvent       = errors.New("billing: webhook event timestamp outside tolerance window")
	ErrMalformedPayload = errors.New("billing: webhook payload is missing required fields")

	ErrTenantNotFound       = errors.New("billing: no billing record for tenant")
	ErrSubscriptionNotFound = errors.New("billing: subscription not found at processor")
	ErrCustomerNotFound     = errors.New("billing: customer not found at processor")

	// Transient errors: the transaction is aborted, no ledger entry is
	// written, and the next delivery attempt is safe to process.
	ErrProviderUnavailable = errors.New("billing: payment processor unavailable")
	ErrLockTimeout         = errors.New("billing: timed out waiting for tenant lock")

	ErrInvariantViolation   = errors.New("billing: record invariant violation")
	ErrNoActiveSubscription = errors.New("billing: tenant has no active subscription")
	ErrSeatLimitReached     = errors.New("billing: seat limit reached for tenant")
	ErrListingNotSupported  = errors.New("billing: processor does not support transaction listing")

	ErrMissingAPIKey        = errors.New("billing: processor API key is required")
	ErrMissingWebhookSecret = errors.New("billing: processor webhook secret is required")
)
