package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

// stripeAPIBase is the default Stripe API base URL, overridable in tests.
const stripeAPIBase = "https://api.stripe.com"

// StripeProcessor implements Processor against Stripe. Webhook signatures go
// through the official SDK's verifier; the query side talks to the REST API
// directly with form-encoded requests, which keeps the wire format pinned and
// makes httptest-based testing straightforward.
type StripeProcessor struct {
	apiKey        string
	webhookSecret string
	baseURL       string
	httpClient    *http.Client
	logger        *slog.Logger
}

// StripeOption configures a StripeProcessor.
type StripeOption func(*StripeProcessor)

// WithStripeBaseURL overrides the API base URL, used by tests.
func WithStripeBaseURL(u string) StripeOption {
	return func(p *StripeProcessor) {
		if u != "" {
			p.baseURL = strings.TrimSuffix(u, "/")
		}
	}
}

// WithStripeHTTPClient sets the HTTP client. Defaults to a 20s-timeout client.
func WithStripeHTTPClient(c *http.Client) StripeOption {
	return func(p *StripeProcessor) {
		if c != nil {
			p.httpClient = c
		}
	}
}

// WithStripeLogger sets the processor logger. Defaults to slog.Default().
func WithStripeLogger(l *slog.Logger) StripeOption {
	return func(p *StripeProcessor) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewStripeProcessor creates a Stripe-backed processor.
func NewStripeProcessor(apiKey, webhookSecret string, opts ...StripeOption) (*StripeProcessor, error) {
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	if webhookSecret == "" {
		return nil, ErrMissingWebhookSecret
	}

	p := &StripeProcessor{
		apiKey:        apiKey,
		webhookSecret: webhookSecret,
		baseURL:       stripeAPIBase,
		httpClient:    &http.Client{Timeout: 20 * time.Second},
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *StripeProcessor) SignatureHeader() string { return "Stripe-Signature" }

// VerifyWebhook checks the Stripe-Signature header over the raw body and
// normalizes the event. The SDK enforces the default 5 minute timestamp
// tolerance against replays.
func (p *StripeProcessor) VerifyWebhook(payload []byte, signature string) (Event, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, p.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		switch {
		case errors.Is(err, webhook.ErrTooOld):
			return nil, fmt.Errorf("%w: %v", ErrStaleEvent, err)
		case errors.Is(err, webhook.ErrNotSigned),
			errors.Is(err, webhook.ErrNoValidSignature),
			errors.Is(err, webhook.ErrInvalidHeader):
			return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		default:
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
	}
	return p.normalizeEvent(&event)
}

func (p *StripeProcessor) normalizeEvent(event *stripe.Event) (Event, error) {
	meta := EventMeta{
		ID:   event.ID,
		Time: time.Unix(event.Created, 0).UTC(),
	}
	if meta.ID == "" {
		return nil, fmt.Errorf("%w: event has no ID", ErrMalformedPayload)
	}

	switch event.Type {
	case "checkout.session.completed":
		var session stripeCheckoutSessionPayload
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return nil, fmt.Errorf("%w: decode checkout session: %v", ErrMalformedPayload, err)
		}
		if session.Customer == "" {
			return nil, fmt.Errorf("%w: checkout session %s has no customer", ErrMalformedPayload, session.ID)
		}
		meta.Ref = SubjectRef{CustomerID: session.Customer, SubscriptionID: session.Subscription}
		return &CheckoutCompleted{
			EventMeta:      meta,
			SubscriptionID: session.Subscription,
			Metadata:       parseCheckoutMetadata(session.Metadata),
		}, nil

	case "invoice.payment_succeeded", "invoice.payment_failed":
		var invoice stripeInvoicePayload
		if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
			return nil, fmt.Errorf("%w: decode invoice: %v", ErrMalformedPayload, err)
		}
		subID := invoice.subscriptionID()
		if subID == "" {
			// One-time payment invoices carry no subscription; the checkout
			// event is the authoritative signal for those.
			return &Unhandled{EventMeta: meta, Type: string(event.Type)}, nil
		}
		meta.Ref = SubjectRef{CustomerID: invoice.Customer, SubscriptionID: subID}
		if event.Type == "invoice.payment_succeeded" {
			return &InvoicePaymentSucceeded{
				EventMeta:      meta,
				SubscriptionID: subID,
				SeatsHint:      parseSeats(invoice.Parent.SubscriptionDetails.Metadata),
			}, nil
		}
		return &InvoicePaymentFailed{EventMeta: meta, SubscriptionID: subID}, nil

	case "promotion_code.created":
		var promo stripePromotionCodePayload
		if err := json.Unmarshal(event.Data.Raw, &promo); err != nil {
			return nil, fmt.Errorf("%w: decode promotion code: %v", ErrMalformedPayload, err)
		}
		if promo.Code == "" {
			return nil, fmt.Errorf("%w: promotion code %s has no code", ErrMalformedPayload, promo.ID)
		}
		meta.Ref = SubjectRef{CustomerID: promo.Customer}
		var expiresAt *time.Time
		if promo.ExpiresAt > 0 {
			t := time.Unix(promo.ExpiresAt, 0).UTC()
			expiresAt = &t
		}
		return &PromotionCodeCreated{
			EventMeta:  meta,
			Code:       promo.Code,
			PercentOff: promo.Coupon.PercentOff,
			ExpiresAt:  expiresAt,
		}, nil

	case "payment_intent.payment_failed", "payment_intent.canceled":
		var intent stripePaymentIntentPayload
		if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
			return nil, fmt.Errorf("%w: decode payment intent: %v", ErrMalformedPayload, err)
		}
		if intent.Customer == "" {
			// Guest payment intent; nothing to attribute.
			return &Unhandled{EventMeta: meta, Type: string(event.Type)}, nil
		}
		meta.Ref = SubjectRef{CustomerID: intent.Customer}
		return &PaymentFailedTerminal{EventMeta: meta}, nil

	default:
		return &Unhandled{EventMeta: meta, Type: string(event.Type)}, nil
	}
}

func parseCheckoutMetadata(m map[string]string) CheckoutMetadata {
	return CheckoutMetadata{
		TenantID: m["tenant_id"],
		PlanType: PlanType(m["plan_type"]),
		Interval: m["interval"],
		Seats:    parseSeats(m),
	}
}

func parseSeats(m map[string]string) int {
	if m == nil {
		return 0
	}
	n, err := strconv.Atoi(m["seats"])
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func (p *StripeProcessor) GetSubscription(ctx context.Context, id string) (*ProcessorSubscription, error) {
	if id == "" {
		return nil, ErrSubscriptionNotFound
	}
	resp, err := p.doGet(ctx, "/v1/subscriptions/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, p.mapErrorResponse(resp, ErrSubscriptionNotFound)
	}

	var sub stripeSubscriptionPayload
	if err := json.NewDecoder(resp.Body).Decode(&sub); err != nil {
		return nil, fmt.Errorf("%w: decode subscription: %v", ErrProviderUnavailable, err)
	}
	return sub.toProcessorSubscription(), nil
}

func (p *StripeProcessor) GetCustomer(ctx context.Context, id string) (*ProcessorCustomer, error) {
	if id == "" {
		return nil, ErrCustomerNotFound
	}
	resp, err := p.doGet(ctx, "/v1/customers/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, p.mapErrorResponse(resp, ErrCustomerNotFound)
	}

	var customer stripeCustomerPayload
	if err := json.NewDecoder(resp.Body).Decode(&customer); err != nil {
		return nil, fmt.Errorf("%w: decode customer: %v", ErrProviderUnavailable, err)
	}
	return &ProcessorCustomer{ID: customer.ID, Email: customer.Email, Name: customer.Name}, nil
}

func (p *StripeProcessor) CancelSubscription(ctx context.Context, id string) error {
	if id == "" {
		return ErrSubscriptionNotFound
	}
	resp, err := p.do(ctx, http.MethodDelete, "/v1/subscriptions/"+url.PathEscape(id), nil, "")
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	// An already-deleted subscription is a success for cancel semantics.
	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if resp.StatusCode != http.StatusOK {
		return p.mapErrorResponse(resp, ErrSubscriptionNotFound)
	}
	return nil
}

func (p *StripeProcessor) EnsureCustomer(ctx context.Context, req CustomerRequest) (string, error) {
	params := url.Values{}
	params.Set("email", req.Email)
	if req.Name != "" {
		params.Set("name", req.Name)
	}
	params.Set("metadata[tenant_id]", req.TenantID)

	resp, err := p.doPost(ctx, "/v1/customers", params, "")
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", p.mapErrorResponse(resp, ErrCustomerNotFound)
	}

	var customer stripeCustomerPayload
	if err := json.NewDecoder(resp.Body).Decode(&customer); err != nil {
		return "", fmt.Errorf("%w: decode customer: %v", ErrProviderUnavailable, err)
	}
	return customer.ID, nil
}

func (p *StripeProcessor) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	params := url.Values{}
	params.Set("customer", req.CustomerID)
	params.Set("success_url", req.SuccessURL)
	params.Set("cancel_url", req.CancelURL)

	currency := req.Currency
	if currency == "" {
		currency = "usd"
	}
	seats := req.Seats
	if seats <= 0 {
		seats = 1
	}
	params.Set("line_items[0][price_data][currency]", currency)
	params.Set("line_items[0][price_data][product]", req.ProductID)
	params.Set("line_items[0][price_data][unit_amount]", strconv.FormatInt(req.PriceCents, 10))
	params.Set("line_items[0][quantity]", strconv.Itoa(seats))

	for key, value := range checkoutMetadataParams(req.Metadata) {
		params.Set("metadata["+key+"]", value)
	}

	if req.PlanType.IsRecurring() {
		params.Set("mode", "subscription")
		params.Set("line_items[0][price_data][recurring][interval]", stripeInterval(req.PlanType, req.Interval))
		// Mirror the metadata onto the subscription so invoice events can
		// carry the seat count.
		for key, value := range checkoutMetadataParams(req.Metadata) {
			params.Set("subscription_data[metadata]["+key+"]", value)
		}
	} else {
		params.Set("mode", "payment")
		params.Set("invoice_creation[enabled]", "true")
	}

	resp, err := p.doPost(ctx, "/v1/checkout/sessions", params, req.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, p.mapErrorResponse(resp, ErrCustomerNotFound)
	}

	var session stripeCheckoutSessionPayload
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return nil, fmt.Errorf("%w: decode checkout session: %v", ErrProviderUnavailable, err)
	}
	return &CheckoutSession{ID: session.ID, URL: session.URL}, nil
}

// ListPaidInvoices implements TransactionLister.
func (p *StripeProcessor) ListPaidInvoices(ctx context.Context, customerID string) ([]Transaction, error) {
	if customerID == "" {
		return nil, ErrCustomerNotFound
	}
	params := url.Values{}
	params.Set("customer", customerID)
	params.Set("status", "paid")
	params.Set("limit", "100")

	resp, err := p.doGet(ctx, "/v1/invoices", params)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, p.mapErrorResponse(resp, ErrCustomerNotFound)
	}

	var list stripeInvoiceListPayload
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("%w: decode invoices: %v", ErrProviderUnavailable, err)
	}

	out := make([]Transaction, 0, len(list.Data))
	for _, invoice := range list.Data {
		tx := Transaction{
			ID:          invoice.ID,
			Description: invoice.Description,
			AmountCents: invoice.AmountPaid,
			Currency:    strings.ToUpper(invoice.Currency),
		}
		if tx.Description == "" && len(invoice.Lines.Data) > 0 {
			tx.Description = invoice.Lines.Data[0].Description
		}
		if invoice.StatusTransitions.PaidAt > 0 {
			tx.PaidAt = time.Unix(invoice.StatusTransitions.PaidAt, 0).UTC()
		}
		out = append(out, tx)
	}
	return out, nil
}

func checkoutMetadataParams(meta CheckoutMetadata) map[string]string {
	out := map[string]string{
		"tenant_id": meta.TenantID,
		"plan_type": string(meta.PlanType),
		"seats":     strconv.Itoa(meta.Seats),
	}
	if meta.Interval != "" {
		out["interval"] = meta.Interval
	}
	return out
}

func stripeInterval(plan PlanType, interval string) string {
	switch interval {
	case "month", "year":
		return interval
	}
	if plan == PlanYearly {
		return "year"
	}
	return "month"
}

func (p *StripeProcessor) doGet(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	return p.do(ctx, http.MethodGet, path, nil, "")
}

func (p *StripeProcessor) doPost(ctx context.Context, path string, params url.Values, idempotencyKey string) (*http.Response, error) {
	return p.do(ctx, http.MethodPost, path, strings.NewReader(params.Encode()), idempotencyKey)
}

func (p *StripeProcessor) do(ctx context.Context, method, path string, body io.Reader, idempotencyKey string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	return resp, nil
}

// mapErrorResponse translates a non-200 Stripe response onto the error
// taxonomy: 404 becomes notFound, rate limits and server errors become
// ErrProviderUnavailable.
func (p *StripeProcessor) mapErrorResponse(resp *http.Response, notFound error) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var stripeErr struct {
		Error struct {
			Type    string `json:"type"`
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	_ = json.Unmarshal(body, &stripeErr)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", notFound, stripeErr.Error.Message)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d: %s", ErrProviderUnavailable, resp.StatusCode, stripeErr.Error.Message)
	default:
		return fmt.Errorf("%w: status %d: %s", ErrProviderUnavailable, resp.StatusCode, stripeErr.Error.Message)
	}
}

// Webhook payload shapes. These are decoded from event.Data.Raw with our own
// structs so field moves in the SDK's typed objects cannot break parsing.

type stripeCheckoutSessionPayload struct {
	ID           string            `json:"id"`
	URL          string            `json:"url"`
	Customer     string            `json:"customer"`
	Subscription string            `json:"subscription"`
	Mode         string            `json:"mode"`
	Metadata     map[string]string `json:"metadata"`
}

type stripeInvoicePayload struct {
	ID           string `json:"id"`
	Customer     string `json:"customer"`
	Subscription string `json:"subscription"`
	Parent       struct {
		SubscriptionDetails struct {
			Subscription string            `json:"subscription"`
			Metadata     map[string]string `json:"metadata"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

// subscriptionID handles both payload generations: the legacy top-level
// field and the newer parent.subscription_details location.
func (i *stripeInvoicePayload) subscriptionID() string {
	if i.Subscription != "" {
		return i.Subscription
	}
	return i.Parent.SubscriptionDetails.Subscription
}

type stripePromotionCodePayload struct {
	ID       string `json:"id"`
	Code     string `json:"code"`
	Customer string `json:"customer"`
	Coupon   struct {
		PercentOff float64 `json:"percent_off"`
	} `json:"coupon"`
	ExpiresAt int64 `json:"expires_at"`
}

type stripePaymentIntentPayload struct {
	ID       string `json:"id"`
	Customer string `json:"customer"`
}

type stripeCustomerPayload struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

type stripeSubscriptionPayload struct {
	ID                 string            `json:"id"`
	Customer           string            `json:"customer"`
	Status             string            `json:"status"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	Metadata           map[string]string `json:"metadata"`
	Items              struct {
		Data []struct {
			Quantity           int   `json:"quantity"`
			CurrentPeriodStart int64 `json:"current_period_start"`
			CurrentPeriodEnd   int64 `json:"current_period_end"`
			Price              struct {
				Recurring struct {
					Interval string `json:"interval"`
				} `json:"recurring"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

func (s *stripeSubscriptionPayload) toProcessorSubscription() *ProcessorSubscription {
	sub := &ProcessorSubscription{
		ID:         s.ID,
		CustomerID: s.Customer,
		Status:     s.Status,
		Seats:      parseSeats(s.Metadata),
	}

	// Billing periods live on subscription items in newer API versions and
	// on the subscription itself in older ones.
	periodStart, periodEnd := s.CurrentPeriodStart, s.CurrentPeriodEnd
	var interval string
	if len(s.Items.Data) > 0 {
		item := s.Items.Data[0]
		if periodStart == 0 {
			periodStart = item.CurrentPeriodStart
		}
		if periodEnd == 0 {
			periodEnd = item.CurrentPeriodEnd
		}
		interval = item.Price.Recurring.Interval
		if sub.Seats == 0 {
			sub.Seats = item.Quantity
		}
	}
	if periodStart > 0 {
		sub.CurrentPeriodStart = time.Unix(periodStart, 0).UTC()
	}
	if periodEnd > 0 {
		sub.CurrentPeriodEnd = time.Unix(periodEnd, 0).UTC()
	}

	sub.Interval = interval
	switch interval {
	case "month":
		sub.PlanType = PlanMonthly
	case "year":
		sub.PlanType = PlanYearly
	}
	if pt := PlanType(s.Metadata["plan_type"]); pt.Valid() && pt != PlanNone {
		sub.PlanType = pt
	}
	return sub
}

type stripeInvoiceListPayload struct {
	Data []struct {
		ID          string `json:"id"`
		Description string `json:"description"`
		AmountPaid  int64  `json:"amount_paid"`
		Currency    string `json:"currency"`
		Lines       struct {
			Data []struct {
				Description string `json:"description"`
			} `json:"data"`
		} `json:"lines"`
		StatusTransitions struct {
			PaidAt int64 `json:"paid_at"`
		} `json:"status_transitions"`
	} `json:"data"`
	HasMore bool `json:"has_more"`
}
