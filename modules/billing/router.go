package billing

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	billingcore "github.com/dmitrymomot/billingkit/pkg/billing"
)

const webhookBodyLimit = 1 << 20 // 1 MiB

// Router mounts the billing HTTP surface:
//
//	POST /webhook                        processor webhook intake
//	POST /tenants/{tenantID}/checkout    create a hosted checkout session
//	POST /tenants/{tenantID}/cancel      cancel the current plan
//	GET  /tenants/{tenantID}/record      current billing record
//	GET  /tenants/{tenantID}/transactions  settled payment history
func Router(svc billingcore.Service, processor billingcore.Processor, logger *slog.Logger) chi.Router {
	if logger == nil {
		logger = slog.Default()
	}
	h := &handlers{svc: svc, processor: processor, logger: logger}

	r := chi.NewRouter()
	r.Post("/webhook", h.webhook)
	r.Route("/tenants/{tenantID}", func(t chi.Router) {
		t.Post("/checkout", h.checkout)
		t.Post("/cancel", h.cancel)
		t.Get("/record", h.record)
		t.Get("/transactions", h.transactions)
	})
	return r
}

type handlers struct {
	svc       billingcore.Service
	processor billingcore.Processor
	logger    *slog.Logger
}

func (h *handlers) webhook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	signature := r.Header.Get(h.processor.SignatureHeader())
	if signature == "" {
		writeError(w, http.StatusBadRequest, "missing webhook signature")
		return
	}

	if err := h.svc.HandleWebhook(r.Context(), payload, signature); err != nil {
		status := statusForError(err)
		// 5xx makes the provider redeliver; anything else is acknowledged
		// as permanently rejected.
		h.logger.ErrorContext(r.Context(), "webhook processing failed",
			slog.Int("status", status),
			slog.Any("error", err),
		)
		writeError(w, status, "webhook rejected")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

type checkoutRequest struct {
	PlanType   string `json:"plan_type"`
	Interval   string `json:"interval"`
	Seats      int    `json:"seats"`
	PriceCents int64  `json:"price_cents"`
	Currency   string `json:"currency"`
	ProductID  string `json:"product_id"`
	SuccessURL string `json:"success_url"`
	CancelURL  string `json:"cancel_url"`
	Email      string `json:"email"`
	Name       string `json:"name"`
}

func (h *handlers) checkout(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantIDParam(w, r)
	if !ok {
		return
	}

	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	session, err := h.svc.CreateCheckoutSession(r.Context(), tenantID, billingcore.CheckoutParams{
		PlanType:   billingcore.PlanType(req.PlanType),
		Interval:   req.Interval,
		Seats:      req.Seats,
		PriceCents: req.PriceCents,
		Currency:   req.Currency,
		ProductID:  req.ProductID,
		SuccessURL: req.SuccessURL,
		CancelURL:  req.CancelURL,
		Email:      req.Email,
		Name:       req.Name,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"session_id":   session.ID,
		"checkout_url": session.URL,
	})
}

func (h *handlers) cancel(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantIDParam(w, r)
	if !ok {
		return
	}
	if err := h.svc.CancelSubscription(r.Context(), tenantID); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type recordResponse struct {
	TenantID      string     `json:"tenant_id"`
	PlanType      string     `json:"plan_type"`
	Status        string     `json:"status"`
	ValidFrom     *time.Time `json:"valid_from,omitempty"`
	ValidUntil    *time.Time `json:"valid_until,omitempty"`
	SeatsAllotted int        `json:"seats_allotted"`
	SeatsInUse    int        `json:"seats_in_use"`
}

func (h *handlers) record(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantIDParam(w, r)
	if !ok {
		return
	}
	record, err := h.svc.GetRecord(r.Context(), tenantID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, recordResponse{
		TenantID:      record.TenantID.String(),
		PlanType:      string(record.PlanType),
		Status:        string(record.Status),
		ValidFrom:     record.ValidFrom,
		ValidUntil:    record.ValidUntil,
		SeatsAllotted: record.SeatsAllotted,
		SeatsInUse:    record.SeatsInUse,
	})
}

type transactionResponse struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	AmountCents int64     `json:"amount_cents"`
	Currency    string    `json:"currency"`
	PaidAt      time.Time `json:"paid_at"`
}

func (h *handlers) transactions(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantIDParam(w, r)
	if !ok {
		return
	}
	txs, err := h.svc.ListTransactions(r.Context(), tenantID)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	out := make([]transactionResponse, 0, len(txs))
	for _, tx := range txs {
		out = append(out, transactionResponse{
			ID:          tx.ID,
			Description: tx.Description,
			AmountCents: tx.AmountCents,
			Currency:    tx.Currency,
			PaidAt:      tx.PaidAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": out})
}

func (h *handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusForError(err)
	if status >= 500 {
		h.logger.ErrorContext(r.Context(), "billing request failed",
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
	}
	writeError(w, status, err.Error())
}

func tenantIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	tenantID, err := uuid.Parse(chi.URLParam(r, "tenantID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid tenant ID")
		return uuid.Nil, false
	}
	return tenantID, true
}

// statusForError maps the billing error taxonomy onto HTTP status codes.
// Transient errors map to 5xx so callers (and webhook providers) retry.
func statusForError(err error) int {
	switch {
	case errors.Is(err, billingcore.ErrInvalidSignature),
		errors.Is(err, billingcore.ErrStaleEvent),
		errors.Is(err, billingcore.ErrMalformedPayload),
		errors.Is(err, billingcore.ErrInvariantViolation):
		return http.StatusBadRequest
	case errors.Is(err, billingcore.ErrTenantNotFound),
		errors.Is(err, billingcore.ErrSubscriptionNotFound),
		errors.Is(err, billingcore.ErrCustomerNotFound):
		return http.StatusNotFound
	case errors.Is(err, billingcore.ErrNoActiveSubscription),
		errors.Is(err, billingcore.ErrSeatLimitReached):
		return http.StatusConflict
	case errors.Is(err, billingcore.ErrListingNotSupported):
		return http.StatusNotImplemented
	case errors.Is(err, billingcore.ErrProviderUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, billingcore.ErrLockTimeout):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
