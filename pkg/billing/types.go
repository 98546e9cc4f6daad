package billing

// PlanType identifies how a tenant pays for its seats.
type PlanType string

const (
	PlanNone     PlanType = ""
	PlanMonthly  PlanType = "monthly"
	PlanYearly   PlanType = "yearly"
	PlanLifetime PlanType = "lifetime"
)

// IsRecurring reports whether the plan bills through a processor subscription.
func (p PlanType) IsRecurring() bool {
	return p == PlanMonthly || p == PlanYearly
}

// Valid reports whether the plan type is one of the known values.
func (p PlanType) Valid() bool {
	switch p {
	case PlanNone, PlanMonthly, PlanYearly, PlanLifetime:
		return true
	}
	return false
}

// Status represents the current billing state of a tenant.
type Status string

const (
	StatusInactive Status = "inactive"
	StatusActive   Status = "active"
	StatusPastDue  Status = "past_due"
	StatusCanceled Status = "canceled"
)

// NotificationKind classifies outbound billing notifications.
type NotificationKind string

const (
	NotificationPromoCode      NotificationKind = "promo_code"
	NotificationPaymentFailed  NotificationKind = "payment_failed"
	NotificationExpiryReminder NotificationKind = "expiry_reminder"
)
