package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Engine maps each normalized event plus the current billing record to a new
// record and a set of side effects. It owns the idempotency and ordering
// policy: every transition checks the processed-event ledger first, and
// authoritative fields are always re-derived from the processor's current
// subscription object rather than from event payload deltas, which makes the
// state machine idempotent and order-insensitive.
type Engine struct {
	store       Store
	processor   Processor
	provisioner *Provisioner
	notifier    Notifier
	logger      *slog.Logger
	now         func() time.Time
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithNotifier sets the notifier used for promo and payment-failure
// notifications. Defaults to NoopNotifier.
func WithNotifier(n Notifier) EngineOption {
	return func(e *Engine) {
		if n != nil {
			e.notifier = n
		}
	}
}

// WithProvisioner sets the seat provisioner invoked after transitions that
// change seat capacity.
func WithProvisioner(p *Provisioner) EngineOption {
	return func(e *Engine) {
		if p != nil {
			e.provisioner = p
		}
	}
}

// WithLogger sets the engine logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock overrides the engine clock, used by tests for deterministic
// ledger timestamps.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine creates a reconciliation engine. Panics on nil store or
// processor to fail fast during initialization.
func NewEngine(store Store, processor Processor, opts ...EngineOption) *Engine {
	if store == nil {
		panic("billing: Store is required")
	}
	if processor == nil {
		panic("billing: Processor is required")
	}

	e := &Engine{
		store:     store,
		processor: processor,
		notifier:  NoopNotifier{},
		logger:    slog.Default(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.provisioner == nil {
		e.provisioner = NewProvisioner(store, nil, e.logger)
	}
	return e
}

// sideEffect is what a committed transition asks the outside world to do.
// Captured inside the transaction, executed only after a successful commit so
// a rolled-back transition produces no externally visible effects.
type sideEffect struct {
	reconcileSeats bool
	revokeSeats    bool
	seats          int
	notifyKind     NotificationKind
	notifyPayload  map[string]any
}

// Apply runs a single normalized event through the state machine. Replayed
// event IDs are recognized via the ledger and acknowledged as no-ops.
func (e *Engine) Apply(ctx context.Context, event Event) error {
	switch ev := event.(type) {
	case *CheckoutCompleted:
		return e.applyLocked(ctx, event, e.resolveTenant(ctx, ev), e.transitionCheckout(ev))
	case *InvoicePaymentSucceeded:
		return e.applyLocked(ctx, event, e.resolveByCustomer(ctx, ev.Subject()), e.transitionInvoicePaid(ev))
	case *InvoicePaymentFailed:
		return e.applyLocked(ctx, event, e.resolveByCustomer(ctx, ev.Subject()), e.transitionInvoiceFailed(ev))
	case *PromotionCodeCreated:
		return e.applyLocked(ctx, event, e.resolveByCustomer(ctx, ev.Subject()), e.transitionPromoCode(ev))
	case *PaymentFailedTerminal:
		return e.applyLocked(ctx, event, e.resolveByCustomer(ctx, ev.Subject()), e.transitionTerminalFailure(ev))
	case *Unhandled:
		e.logger.InfoContext(ctx, "unhandled webhook event ignored",
			slog.String("event_id", ev.EventID()),
			slog.String("event_type", ev.Type),
		)
		return nil
	default:
		// The sum type is closed; reaching this is a programming error.
		return fmt.Errorf("%w: unknown event variant %T", ErrMalformedPayload, event)
	}
}

// tenantResolver defers tenant resolution so applyLocked can report
// ErrTenantNotFound uniformly.
type tenantResolver func() (uuid.UUID, error)

// transition computes the new record and side effects from the current
// record. It runs inside the tenant lock; any error aborts the transaction
// without a ledger entry, leaving the event safe to retry.
type transition func(ctx context.Context, record *Record) (*sideEffect, error)

func (e *Engine) applyLocked(ctx context.Context, event Event, resolve tenantResolver, apply transition) error {
	tenantID, err := resolve()
	if err != nil {
		return err
	}

	var effect *sideEffect
	err = e.store.WithTenantLock(ctx, tenantID, func(ctx context.Context, tx Tx) error {
		seen, err := tx.EventSeen(ctx, event.EventID())
		if err != nil {
			return err
		}
		if seen {
			e.logger.InfoContext(ctx, "duplicate webhook event skipped",
				slog.String("event_id", event.EventID()),
				slog.String("tenant_id", tenantID.String()),
			)
			return nil
		}

		record := tx.Record()
		effect, err = apply(ctx, record)
		if err != nil {
			effect = nil
			return err
		}

		if err := record.Validate(); err != nil {
			// Integrity failure: keep the last-known-good record rather
			// than guessing at a repair.
			e.logger.ErrorContext(ctx, "billing record invariant violation",
				slog.String("event_id", event.EventID()),
				slog.String("tenant_id", tenantID.String()),
				slog.Any("error", err),
			)
			effect = nil
			return err
		}

		record.UpdatedAt = e.now()
		if err := tx.Save(ctx, record); err != nil {
			effect = nil
			return err
		}
		return tx.MarkProcessed(ctx, ProcessedEvent{
			EventID:         event.EventID(),
			ProcessedAt:     e.now(),
			ResultingStatus: record.Status,
		})
	})
	if err != nil {
		return err
	}

	e.runSideEffect(ctx, tenantID, effect)
	return nil
}

func (e *Engine) runSideEffect(ctx context.Context, tenantID uuid.UUID, effect *sideEffect) {
	if effect == nil {
		return
	}
	if effect.reconcileSeats {
		e.provisioner.ReconcileSeats(ctx, tenantID, effect.seats)
	}
	if effect.revokeSeats {
		e.provisioner.RevokeSeats(ctx, tenantID)
	}
	if effect.notifyKind != "" {
		if err := e.notifier.Notify(ctx, tenantID, effect.notifyKind, effect.notifyPayload); err != nil {
			e.logger.ErrorContext(ctx, "billing notification failed",
				slog.String("tenant_id", tenantID.String()),
				slog.String("kind", string(effect.notifyKind)),
				slog.Any("error", err),
			)
		}
	}
}

// resolveTenant resolves a checkout event to its tenant: the metadata tenant
// ID wins, with the processor customer ID as fallback for sessions created
// outside this module.
func (e *Engine) resolveTenant(ctx context.Context, ev *CheckoutCompleted) tenantResolver {
	return func() (uuid.UUID, error) {
		if ev.Metadata.TenantID != "" {
			id, err := uuid.Parse(ev.Metadata.TenantID)
			if err != nil {
				return uuid.Nil, fmt.Errorf("%w: invalid tenant ID in checkout metadata: %q",
					ErrMalformedPayload, ev.Metadata.TenantID)
			}
			return id, nil
		}
		return e.lookupByCustomer(ctx, ev.Subject().CustomerID)
	}
}

func (e *Engine) resolveByCustomer(ctx context.Context, ref SubjectRef) tenantResolver {
	return func() (uuid.UUID, error) {
		return e.lookupByCustomer(ctx, ref.CustomerID)
	}
}

func (e *Engine) lookupByCustomer(ctx context.Context, customerID string) (uuid.UUID, error) {
	if customerID == "" {
		return uuid.Nil, fmt.Errorf("%w: event carries no customer reference", ErrMalformedPayload)
	}
	record, err := e.store.FindByProcessorCustomerID(ctx, customerID)
	if err != nil {
		return uuid.Nil, err
	}
	return record.TenantID, nil
}

// transitionCheckout handles CheckoutCompleted. One-time purchases activate a
// lifetime plan locally; subscription checkouts re-derive every field from
// the processor's subscription object and cancel a superseded prior
// subscription upstream, best effort.
func (e *Engine) transitionCheckout(ev *CheckoutCompleted) transition {
	return func(ctx context.Context, record *Record) (*sideEffect, error) {
		if ev.Subject().CustomerID != "" && record.ProcessorCustomerID == "" {
			record.ProcessorCustomerID = ev.Subject().CustomerID
		}

		if ev.SubscriptionID == "" {
			// One-time payment: no subscription, unbounded entitlement.
			planType := ev.Metadata.PlanType
			if planType == PlanNone {
				planType = PlanLifetime
			}
			record.Status = StatusActive
			record.PlanType = planType
			record.PlanInterval = ev.Metadata.Interval
			record.ProcessorSubscriptionID = ""
			record.ValidFrom = nil
			record.ValidUntil = nil
			record.SeatsAllotted = ev.Metadata.Seats
			return &sideEffect{reconcileSeats: true, seats: record.SeatsAllotted}, nil
		}

		sub, err := e.processor.GetSubscription(ctx, ev.SubscriptionID)
		if err != nil {
			return nil, err
		}

		// A different prior subscription is superseded by this checkout.
		// Cancellation upstream is best effort; a failure is logged and the
		// processor's own cancellation event cleans up later.
		if old := record.ProcessorSubscriptionID; old != "" && old != sub.ID {
			if err := e.processor.CancelSubscription(ctx, old); err != nil {
				e.logger.WarnContext(ctx, "failed to cancel superseded subscription",
					slog.String("tenant_id", record.TenantID.String()),
					slog.String("subscription_id", old),
					slog.Any("error", err),
				)
			}
		}

		applySubscription(record, sub, ev.Metadata)
		record.Status = StatusActive
		return &sideEffect{reconcileSeats: true, seats: record.SeatsAllotted}, nil
	}
}

// transitionInvoicePaid refreshes the entitlement window from the processor's
// current billing period.
func (e *Engine) transitionInvoicePaid(ev *InvoicePaymentSucceeded) transition {
	return func(ctx context.Context, record *Record) (*sideEffect, error) {
		sub, err := e.processor.GetSubscription(ctx, ev.SubscriptionID)
		if err != nil {
			return nil, err
		}
		if sub.IsTerminal() {
			// Out-of-order delivery: the subscription already died after
			// this invoice. Adopt the terminal truth.
			resetToCanceled(record)
			return &sideEffect{revokeSeats: true}, nil
		}

		applySubscription(record, sub, CheckoutMetadata{Seats: ev.SeatsHint})
		record.Status = sub.LocalStatus()
		return &sideEffect{reconcileSeats: true, seats: record.SeatsAllotted}, nil
	}
}

// transitionInvoiceFailed adopts whatever the processor reports: the
// subscription may still be in dunning and remain active or past_due. Only a
// processor-reported terminal status resets the record. The failure reminder
// is deferred to the expiry scanner.
func (e *Engine) transitionInvoiceFailed(ev *InvoicePaymentFailed) transition {
	return func(ctx context.Context, record *Record) (*sideEffect, error) {
		sub, err := e.processor.GetSubscription(ctx, ev.SubscriptionID)
		if err != nil {
			return nil, err
		}
		if sub.IsTerminal() {
			resetToCanceled(record)
			return &sideEffect{revokeSeats: true}, nil
		}

		applySubscription(record, sub, CheckoutMetadata{})
		record.Status = sub.LocalStatus()
		return nil, nil
	}
}

// transitionPromoCode sends the promo email; no state change. Running it
// under the tenant lock keeps the notification deduplicated by the ledger.
func (e *Engine) transitionPromoCode(ev *PromotionCodeCreated) transition {
	return func(ctx context.Context, record *Record) (*sideEffect, error) {
		payload := map[string]any{
			"code":        ev.Code,
			"percent_off": ev.PercentOff,
		}
		if ev.ExpiresAt != nil {
			payload["expires_at"] = ev.ExpiresAt.UTC()
		}
		return &sideEffect{notifyKind: NotificationPromoCode, notifyPayload: payload}, nil
	}
}

// transitionTerminalFailure notifies about a dead payment intent. There is no
// subscription to fail, so the record is left untouched; a later explicit
// cancellation event drives any status change.
func (e *Engine) transitionTerminalFailure(ev *PaymentFailedTerminal) transition {
	return func(ctx context.Context, record *Record) (*sideEffect, error) {
		return &sideEffect{
			notifyKind:    NotificationPaymentFailed,
			notifyPayload: map[string]any{"occurred_at": ev.OccurredAt().UTC()},
		}, nil
	}
}

// applySubscription copies the processor's current subscription fields onto
// the record. Checkout metadata wins over subscription metadata when both
// carry a value, matching how sessions are created.
func applySubscription(record *Record, sub *ProcessorSubscription, meta CheckoutMetadata) {
	record.ProcessorSubscriptionID = sub.ID
	if sub.CustomerID != "" {
		record.ProcessorCustomerID = sub.CustomerID
	}

	planType := meta.PlanType
	if planType == PlanNone {
		planType = sub.PlanType
	}
	if planType != PlanNone {
		record.PlanType = planType
	}

	if meta.Interval != "" {
		record.PlanInterval = meta.Interval
	} else if sub.Interval != "" {
		record.PlanInterval = sub.Interval
	}

	if !sub.CurrentPeriodStart.IsZero() {
		from := sub.CurrentPeriodStart.UTC()
		record.ValidFrom = &from
	}
	if !sub.CurrentPeriodEnd.IsZero() {
		until := sub.CurrentPeriodEnd.UTC()
		record.ValidUntil = &until
	}

	if meta.Seats > 0 {
		record.SeatsAllotted = meta.Seats
	} else if sub.Seats > 0 {
		record.SeatsAllotted = sub.Seats
	}
}

// resetToCanceled clears every plan field. SeatsInUse stays untouched:
// cancellation never deactivates existing members.
func resetToCanceled(record *Record) {
	record.Status = StatusCanceled
	record.ProcessorSubscriptionID = ""
	record.PlanType = PlanNone
	record.PlanInterval = ""
	record.ValidFrom = nil
	record.ValidUntil = nil
	record.SeatsAllotted = 0
}

// IsRetryable reports whether an error from Apply should surface as a
// transient failure, letting the provider redeliver the event.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrProviderUnavailable) || errors.Is(err, ErrLockTimeout)
}
