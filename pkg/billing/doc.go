// Package billing keeps a per-tenant billing record in sync with an external
// payment processor through webhook-driven reconciliation.
//
// The processor (Stripe or Paddle) is the source of truth for subscription
// state; the local Record is a reconciled projection the rest of the
// application reads for entitlement decisions. Webhooks arrive unordered and
// possibly duplicated, so the engine never applies payload deltas: it
// re-reads the processor's current subscription object inside a per-tenant
// lock and rewrites the record from that, with an append-only processed-event
// ledger making every event ID apply at most once.
//
// # Architecture
//
//   - Processor: verifies webhook signatures, normalizes payloads into the
//     Event sum type, and exposes the read-side query API
//   - Store: persists records and the idempotency ledger; WithTenantLock is
//     the single serialization point (in-memory, PostgreSQL and MongoDB
//     implementations, plus a Redis read-through cache wrapper)
//   - Engine: the state machine mapping (event, record) to a new record and
//     side effects
//   - Provisioner: propagates seat capacity changes and gates new member
//     admissions
//   - Scanner: periodic expiry-reminder sweep over closing entitlement
//     windows
//   - Service: the application-facing API tying the above together
//
// # Quick Start
//
//	processor, err := billing.NewStripeProcessor(apiKey, webhookSecret)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	store := billing.NewPgStore(pool)
//	if err := store.Migrate(ctx); err != nil {
//		log.Fatal(err)
//	}
//
//	engine := billing.NewEngine(store, processor,
//		billing.WithNotifier(notifier),
//		billing.WithProvisioner(billing.NewProvisioner(store, directory, logger)),
//	)
//	svc := billing.NewService(store, processor, engine)
//
//	// Webhook endpoint
//	body, _ := io.ReadAll(r.Body)
//	err = svc.HandleWebhook(r.Context(), body, r.Header.Get(processor.SignatureHeader()))
//
// # Error Handling
//
// Operations fail with sentinel errors that transports map onto status codes:
// ErrInvalidSignature, ErrStaleEvent and ErrMalformedPayload reject the
// webhook without touching state; ErrProviderUnavailable and ErrLockTimeout
// are transient and should surface as retryable; ErrTenantNotFound,
// ErrNoActiveSubscription and ErrSeatLimitReached are domain outcomes.
package billing
