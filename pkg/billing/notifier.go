package billing

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// Notifier delivers billing notifications (promo emails, payment-failure
// alerts, expiry reminders). Delivery is fire-and-forget from the engine's
// perspective; retry and dedup guarantees belong to the implementation.
type Notifier interface {
	Notify(ctx context.Context, tenantID uuid.UUID, kind NotificationKind, payload map[string]any) error
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, tenantID uuid.UUID, kind NotificationKind, payload map[string]any) error

func (f NotifierFunc) Notify(ctx context.Context, tenantID uuid.UUID, kind NotificationKind, payload map[string]any) error {
	return f(ctx, tenantID, kind, payload)
}

// NoopNotifier discards notifications after logging them at debug level.
// Used as the default so the engine never needs a nil check.
type NoopNotifier struct {
	Logger *slog.Logger
}

func (n NoopNotifier) Notify(ctx context.Context, tenantID uuid.UUID, kind NotificationKind, payload map[string]any) error {
	log := n.Logger
	if log == nil {
		log = slog.Default()
	}
	log.DebugContext(ctx, "notification discarded",
		slog.String("tenant_id", tenantID.String()),
		slog.String("kind", string(kind)),
	)
	return nil
}
