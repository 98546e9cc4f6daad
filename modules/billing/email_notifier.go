package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mrz1836/postmark"

	billingcore "github.com/dmitrymomot/billingkit/pkg/billing"
)

var (
	ErrInvalidNotifierConfig = errors.New("invalid notifier config")
	ErrFailedToSendEmail     = errors.New("failed to send email")
)

// AddressResolver resolves a tenant to the billing contact address. Owned by
// the account layer; the billing module only knows tenant IDs.
type AddressResolver interface {
	BillingAddress(ctx context.Context, tenantID uuid.UUID) (email string, err error)
}

// AddressResolverFunc adapts a function to the AddressResolver interface.
type AddressResolverFunc func(ctx context.Context, tenantID uuid.UUID) (string, error)

func (f AddressResolverFunc) BillingAddress(ctx context.Context, tenantID uuid.UUID) (string, error) {
	return f(ctx, tenantID)
}

// EmailNotifier delivers billing notifications through Postmark.
type EmailNotifier struct {
	client   *postmark.Client
	resolver AddressResolver
	sender   string
	support  string
}

// NewEmailNotifier creates a Postmark-backed notifier. Requires the server
// token, sender address and a resolver; the account token is not needed for
// transactional sends.
func NewEmailNotifier(cfg Config, resolver AddressResolver) (*EmailNotifier, error) {
	if cfg.PostmarkServerToken == "" {
		return nil, fmt.Errorf("%w: PostmarkServerToken is required", ErrInvalidNotifierConfig)
	}
	if cfg.SenderEmail == "" {
		return nil, fmt.Errorf("%w: SenderEmail is required", ErrInvalidNotifierConfig)
	}
	if resolver == nil {
		return nil, fmt.Errorf("%w: AddressResolver is required", ErrInvalidNotifierConfig)
	}

	return &EmailNotifier{
		client:   postmark.NewClient(cfg.PostmarkServerToken, ""),
		resolver: resolver,
		sender:   cfg.SenderEmail,
		support:  cfg.SupportEmail,
	}, nil
}

// Notify implements billing.Notifier.
func (n *EmailNotifier) Notify(ctx context.Context, tenantID uuid.UUID, kind billingcore.NotificationKind, payload map[string]any) error {
	to, err := n.resolver.BillingAddress(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("%w: resolve address: %v", ErrFailedToSendEmail, err)
	}

	subject, body := composeNotification(kind, payload)
	resp, err := n.client.SendEmail(ctx, postmark.Email{
		From:       n.sender,
		ReplyTo:    n.support,
		To:         to,
		Subject:    subject,
		TextBody:   body,
		Tag:        string(kind),
		TrackOpens: true,
	})
	if err != nil {
		return errors.Join(ErrFailedToSendEmail, err)
	}
	if resp.ErrorCode > 0 {
		return fmt.Errorf("%w: postmark error %d: %s", ErrFailedToSendEmail, resp.ErrorCode, resp.Message)
	}
	return nil
}

func composeNotification(kind billingcore.NotificationKind, payload map[string]any) (subject, body string) {
	switch kind {
	case billingcore.NotificationPromoCode:
		subject = "A promo code is waiting for you"
		body = fmt.Sprintf("Use code %v for %v%% off your subscription.",
			payload["code"], payload["percent_off"])
		if expires, ok := payload["expires_at"].(time.Time); ok {
			body += fmt.Sprintf(" The code expires on %s.", expires.Format("January 2, 2006"))
		}

	case billingcore.NotificationPaymentFailed:
		subject = "Your payment could not be processed"
		body = "We were unable to process your latest payment. " +
			"Please update your payment method to keep your subscription active."

	case billingcore.NotificationExpiryReminder:
		subject = "Your subscription is about to expire"
		body = "Your subscription is expiring soon. Renew to keep access for your team."
		if until, ok := payload["valid_until"].(time.Time); ok {
			body = fmt.Sprintf("Your %v subscription expires on %s. Renew to keep access for your team.",
				payload["plan_type"], until.Format("January 2, 2006"))
		}

	default:
		subject = "Billing update"
		body = "There is an update on your billing account."
	}
	return subject, body
}
