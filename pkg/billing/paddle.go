package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	paddle "github.com/PaddleHQ/paddle-go-sdk/v4"
)

// paddleTolerance bounds how old a webhook's occurred_at may be. The SDK
// verifies the signature but not the timestamp, so the replay window is
// enforced here.
const paddleTolerance = 5 * time.Minute

// PaddleProcessor implements Processor against Paddle Billing.
type PaddleProcessor struct {
	client    *paddle.SDK
	verifier  *paddle.WebhookVerifier
	tolerance time.Duration
	now       func() time.Time
}

// PaddleOption configures a PaddleProcessor.
type PaddleOption func(*PaddleProcessor)

// WithPaddleClock overrides the clock used for the webhook replay check.
func WithPaddleClock(now func() time.Time) PaddleOption {
	return func(p *PaddleProcessor) {
		if now != nil {
			p.now = now
		}
	}
}

// NewPaddleProcessor creates a Paddle-backed processor. Environment is
// "production" (default) or "sandbox".
func NewPaddleProcessor(apiKey, webhookSecret, environment string, opts ...PaddleOption) (*PaddleProcessor, error) {
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	if webhookSecret == "" {
		return nil, ErrMissingWebhookSecret
	}

	var client *paddle.SDK
	var err error
	switch strings.ToLower(environment) {
	case "sandbox":
		client, err = paddle.NewSandbox(apiKey)
	case "production", "":
		client, err = paddle.New(apiKey)
	default:
		return nil, fmt.Errorf("invalid paddle environment: %s", environment)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create paddle client: %w", err)
	}

	p := &PaddleProcessor{
		client:    client,
		verifier:  paddle.NewWebhookVerifier(webhookSecret),
		tolerance: paddleTolerance,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *PaddleProcessor) SignatureHeader() string { return "Paddle-Signature" }

// paddleWebhookEnvelope is the common shape of every Paddle webhook.
type paddleWebhookEnvelope struct {
	EventID    string         `json:"event_id"`
	EventType  string         `json:"event_type"`
	OccurredAt string         `json:"occurred_at"`
	Data       map[string]any `json:"data"`
}

func (p *PaddleProcessor) VerifyWebhook(payload []byte, signature string) (Event, error) {
	// The SDK verifier consumes an HTTP request, so wrap the raw body.
	req, err := http.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	req.Header.Set("Paddle-Signature", signature)

	valid, err := p.verifier.Verify(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if !valid {
		return nil, ErrInvalidSignature
	}

	var envelope paddleWebhookEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if envelope.EventID == "" {
		return nil, fmt.Errorf("%w: event has no ID", ErrMalformedPayload)
	}

	occurredAt, err := time.Parse(time.RFC3339, envelope.OccurredAt)
	if err != nil {
		return nil, fmt.Errorf("%w: bad occurred_at %q", ErrMalformedPayload, envelope.OccurredAt)
	}
	if p.now().Sub(occurredAt) > p.tolerance {
		return nil, fmt.Errorf("%w: event occurred at %s", ErrStaleEvent, occurredAt)
	}

	return p.normalizeEvent(&envelope, occurredAt)
}

func (p *PaddleProcessor) normalizeEvent(envelope *paddleWebhookEnvelope, occurredAt time.Time) (Event, error) {
	data := envelope.Data
	customData, _ := data["custom_data"].(map[string]any)

	meta := EventMeta{
		ID:   envelope.EventID,
		Time: occurredAt.UTC(),
		Ref: SubjectRef{
			CustomerID:     stringField(data, "customer_id"),
			SubscriptionID: stringField(data, "subscription_id"),
		},
	}

	switch envelope.EventType {
	case "transaction.completed":
		return &CheckoutCompleted{
			EventMeta:      meta,
			SubscriptionID: meta.Ref.SubscriptionID,
			Metadata:       paddleCheckoutMetadata(customData),
		}, nil

	case "transaction.payment_succeeded":
		if meta.Ref.SubscriptionID == "" {
			return &Unhandled{EventMeta: meta, Type: envelope.EventType}, nil
		}
		return &InvoicePaymentSucceeded{
			EventMeta:      meta,
			SubscriptionID: meta.Ref.SubscriptionID,
			SeatsHint:      paddleSeats(customData),
		}, nil

	case "transaction.payment_failed":
		if meta.Ref.SubscriptionID == "" {
			if meta.Ref.CustomerID == "" {
				return &Unhandled{EventMeta: meta, Type: envelope.EventType}, nil
			}
			return &PaymentFailedTerminal{EventMeta: meta}, nil
		}
		return &InvoicePaymentFailed{EventMeta: meta, SubscriptionID: meta.Ref.SubscriptionID}, nil

	case "discount.created":
		code := stringField(data, "code")
		if code == "" {
			return nil, fmt.Errorf("%w: discount event has no code", ErrMalformedPayload)
		}
		var percentOff float64
		if stringField(data, "type") == "percentage" {
			percentOff, _ = strconv.ParseFloat(stringField(data, "amount"), 64)
		}
		var expiresAt *time.Time
		if raw := stringField(data, "expires_at"); raw != "" {
			if t, err := time.Parse(time.RFC3339, raw); err == nil {
				utc := t.UTC()
				expiresAt = &utc
			}
		}
		return &PromotionCodeCreated{
			EventMeta:  meta,
			Code:       code,
			PercentOff: percentOff,
			ExpiresAt:  expiresAt,
		}, nil

	default:
		return &Unhandled{EventMeta: meta, Type: envelope.EventType}, nil
	}
}

func stringField(data map[string]any, key string) string {
	s, _ := data[key].(string)
	return s
}

func paddleCheckoutMetadata(customData map[string]any) CheckoutMetadata {
	return CheckoutMetadata{
		TenantID: stringField(customData, "tenant_id"),
		PlanType: PlanType(stringField(customData, "plan_type")),
		Interval: stringField(customData, "interval"),
		Seats:    paddleSeats(customData),
	}
}

func paddleSeats(customData map[string]any) int {
	switch v := customData["seats"].(type) {
	case string:
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return 0
		}
		return n
	case float64:
		if v < 0 {
			return 0
		}
		return int(v)
	}
	return 0
}

func (p *PaddleProcessor) GetSubscription(ctx context.Context, id string) (*ProcessorSubscription, error) {
	if id == "" {
		return nil, ErrSubscriptionNotFound
	}
	sub, err := p.client.SubscriptionsClient.GetSubscription(ctx, &paddle.GetSubscriptionRequest{
		SubscriptionID: id,
	})
	if err != nil {
		return nil, mapPaddleError(err, ErrSubscriptionNotFound)
	}

	out := &ProcessorSubscription{
		ID:         sub.ID,
		CustomerID: sub.CustomerID,
		Status:     string(sub.Status),
	}
	if sub.CurrentBillingPeriod != nil {
		if t, err := time.Parse(time.RFC3339, sub.CurrentBillingPeriod.StartsAt); err == nil {
			out.CurrentPeriodStart = t.UTC()
		}
		if t, err := time.Parse(time.RFC3339, sub.CurrentBillingPeriod.EndsAt); err == nil {
			out.CurrentPeriodEnd = t.UTC()
		}
	}
	if len(sub.Items) > 0 {
		item := sub.Items[0]
		out.Seats = item.Quantity
		if item.Price.BillingCycle != nil {
			out.Interval = string(item.Price.BillingCycle.Interval)
		}
	}
	switch out.Interval {
	case "month":
		out.PlanType = PlanMonthly
	case "year":
		out.PlanType = PlanYearly
	}
	if custom, ok := sub.CustomData["seats"]; ok {
		switch v := custom.(type) {
		case string:
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				out.Seats = n
			}
		case float64:
			if v > 0 {
				out.Seats = int(v)
			}
		}
	}
	if pt := PlanType(stringField(sub.CustomData, "plan_type")); pt.Valid() && pt != PlanNone {
		out.PlanType = pt
	}
	return out, nil
}

func (p *PaddleProcessor) GetCustomer(ctx context.Context, id string) (*ProcessorCustomer, error) {
	if id == "" {
		return nil, ErrCustomerNotFound
	}
	customer, err := p.client.CustomersClient.GetCustomer(ctx, &paddle.GetCustomerRequest{
		CustomerID: id,
	})
	if err != nil {
		return nil, mapPaddleError(err, ErrCustomerNotFound)
	}

	out := &ProcessorCustomer{ID: customer.ID, Email: customer.Email}
	if customer.Name != nil {
		out.Name = *customer.Name
	}
	return out, nil
}

func (p *PaddleProcessor) CancelSubscription(ctx context.Context, id string) error {
	if id == "" {
		return ErrSubscriptionNotFound
	}
	_, err := p.client.SubscriptionsClient.CancelSubscription(ctx, &paddle.CancelSubscriptionRequest{
		SubscriptionID: id,
		EffectiveFrom:  paddle.PtrTo(paddle.EffectiveFromImmediately),
	})
	if err != nil {
		return mapPaddleError(err, ErrSubscriptionNotFound)
	}
	return nil
}

func (p *PaddleProcessor) EnsureCustomer(ctx context.Context, req CustomerRequest) (string, error) {
	createReq := &paddle.CreateCustomerRequest{
		Email: req.Email,
		CustomData: paddle.CustomData{
			"tenant_id": req.TenantID,
		},
	}
	if req.Name != "" {
		createReq.Name = paddle.PtrTo(req.Name)
	}

	customer, err := p.client.CustomersClient.CreateCustomer(ctx, createReq)
	if err != nil {
		return "", mapPaddleError(err, ErrCustomerNotFound)
	}
	return customer.ID, nil
}

// CreateCheckoutSession creates a Paddle transaction whose hosted checkout
// URL serves as the session. ProductID is the Paddle price ID.
func (p *PaddleProcessor) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	if req.ProductID == "" {
		return nil, fmt.Errorf("%w: paddle checkout requires a price ID", ErrInvariantViolation)
	}

	seats := req.Seats
	if seats <= 0 {
		seats = 1
	}
	item := paddle.NewCreateTransactionItemsTransactionItemFromCatalog(&paddle.TransactionItemFromCatalog{
		PriceID:  req.ProductID,
		Quantity: seats,
	})

	transactionReq := &paddle.CreateTransactionRequest{
		Items: []paddle.CreateTransactionItems{*item},
		CustomData: paddle.CustomData{
			"tenant_id": req.Metadata.TenantID,
			"plan_type": string(req.Metadata.PlanType),
			"interval":  req.Metadata.Interval,
			"seats":     strconv.Itoa(req.Metadata.Seats),
		},
	}
	if req.CustomerID != "" {
		transactionReq.CustomerID = paddle.PtrTo(req.CustomerID)
	}
	if req.SuccessURL != "" {
		transactionReq.Checkout = &paddle.TransactionCheckout{
			URL: paddle.PtrTo(req.SuccessURL),
		}
	}

	transaction, err := p.client.TransactionsClient.CreateTransaction(ctx, transactionReq)
	if err != nil {
		return nil, mapPaddleError(err, ErrCustomerNotFound)
	}
	if transaction.Checkout == nil || transaction.Checkout.URL == nil {
		return nil, fmt.Errorf("%w: no checkout URL returned", ErrProviderUnavailable)
	}
	return &CheckoutSession{ID: transaction.ID, URL: *transaction.Checkout.URL}, nil
}

// mapPaddleError translates SDK errors onto the error taxonomy. The SDK does
// not expose typed not-found errors uniformly, so the API error code string
// is inspected.
func mapPaddleError(err error, notFound error) error {
	if strings.Contains(err.Error(), "not_found") {
		return fmt.Errorf("%w: %v", notFound, err)
	}
	return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
}
