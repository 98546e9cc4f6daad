package billing_test

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingkit/pkg/billing"
)

const paddleTestSecret = "pdl_ntfset_test_secret"

// signPaddlePayload builds a Paddle-Signature header over the raw payload.
func signPaddlePayload(payload []byte, secret string, ts time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d:%s", ts.Unix(), payload)
	return fmt.Sprintf("ts=%d;h1=%s", ts.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func newTestPaddleProcessor(t *testing.T, opts ...billing.PaddleOption) *billing.PaddleProcessor {
	t.Helper()
	p, err := billing.NewPaddleProcessor("pdl_test_key", paddleTestSecret, "sandbox", opts...)
	require.NoError(t, err)
	return p
}

func paddleEventPayload(id, eventType string, occurredAt time.Time, data string) []byte {
	return fmt.Appendf(nil, `{"event_id":%q,"event_type":%q,"occurred_at":%q,"data":%s}`,
		id, eventType, occurredAt.UTC().Format(time.RFC3339), data)
}

func TestNewPaddleProcessor_Validation(t *testing.T) {
	t.Parallel()

	_, err := billing.NewPaddleProcessor("", paddleTestSecret, "sandbox")
	assert.ErrorIs(t, err, billing.ErrMissingAPIKey)

	_, err = billing.NewPaddleProcessor("pdl_test_key", "", "sandbox")
	assert.ErrorIs(t, err, billing.ErrMissingWebhookSecret)

	_, err = billing.NewPaddleProcessor("pdl_test_key", paddleTestSecret, "staging")
	assert.Error(t, err)
}

func TestPaddleVerifyWebhook(t *testing.T) {
	t.Parallel()

	now := time.Now()

	t.Run("invalid signature", func(t *testing.T) {
		t.Parallel()
		p := newTestPaddleProcessor(t)
		payload := paddleEventPayload("ntf_1", "transaction.completed", now, `{}`)
		_, err := p.VerifyWebhook(payload, signPaddlePayload(payload, "wrong_secret", now))
		assert.ErrorIs(t, err, billing.ErrInvalidSignature)
	})

	t.Run("stale event", func(t *testing.T) {
		t.Parallel()
		p := newTestPaddleProcessor(t)
		old := now.Add(-10 * time.Minute)
		payload := paddleEventPayload("ntf_old", "transaction.completed", old, `{}`)
		_, err := p.VerifyWebhook(payload, signPaddlePayload(payload, paddleTestSecret, old))
		assert.ErrorIs(t, err, billing.ErrStaleEvent)
	})

	t.Run("checkout completed", func(t *testing.T) {
		t.Parallel()
		p := newTestPaddleProcessor(t)
		payload := paddleEventPayload("ntf_co", "transaction.completed", now, `{
			"id":"txn_1","customer_id":"ctm_1","subscription_id":"sub_1",
			"custom_data":{"tenant_id":"7f8b6c1e-0000-4000-8000-000000000001","plan_type":"monthly","seats":"5"}
		}`)
		event, err := p.VerifyWebhook(payload, signPaddlePayload(payload, paddleTestSecret, now))
		require.NoError(t, err)

		checkout, ok := event.(*billing.CheckoutCompleted)
		require.True(t, ok)
		assert.Equal(t, "ntf_co", checkout.EventID())
		assert.Equal(t, "sub_1", checkout.SubscriptionID)
		assert.Equal(t, "ctm_1", checkout.Subject().CustomerID)
		assert.Equal(t, billing.PlanMonthly, checkout.Metadata.PlanType)
		assert.Equal(t, 5, checkout.Metadata.Seats)
	})

	t.Run("payment failed without subscription", func(t *testing.T) {
		t.Parallel()
		p := newTestPaddleProcessor(t)
		payload := paddleEventPayload("ntf_pf", "transaction.payment_failed", now,
			`{"id":"txn_2","customer_id":"ctm_1"}`)
		event, err := p.VerifyWebhook(payload, signPaddlePayload(payload, paddleTestSecret, now))
		require.NoError(t, err)
		_, ok := event.(*billing.PaymentFailedTerminal)
		assert.True(t, ok)
	})

	t.Run("payment failed with subscription", func(t *testing.T) {
		t.Parallel()
		p := newTestPaddleProcessor(t)
		payload := paddleEventPayload("ntf_pf2", "transaction.payment_failed", now,
			`{"id":"txn_3","customer_id":"ctm_1","subscription_id":"sub_1"}`)
		event, err := p.VerifyWebhook(payload, signPaddlePayload(payload, paddleTestSecret, now))
		require.NoError(t, err)
		failed, ok := event.(*billing.InvoicePaymentFailed)
		require.True(t, ok)
		assert.Equal(t, "sub_1", failed.SubscriptionID)
	})

	t.Run("discount created", func(t *testing.T) {
		t.Parallel()
		p := newTestPaddleProcessor(t)
		payload := paddleEventPayload("ntf_disc", "discount.created", now,
			`{"id":"dsc_1","code":"SAVE20","type":"percentage","amount":"20","customer_id":"ctm_1"}`)
		event, err := p.VerifyWebhook(payload, signPaddlePayload(payload, paddleTestSecret, now))
		require.NoError(t, err)
		promo, ok := event.(*billing.PromotionCodeCreated)
		require.True(t, ok)
		assert.Equal(t, "SAVE20", promo.Code)
		assert.Equal(t, 20.0, promo.PercentOff)
	})

	t.Run("unknown event type", func(t *testing.T) {
		t.Parallel()
		p := newTestPaddleProcessor(t)
		payload := paddleEventPayload("ntf_misc", "address.created", now, `{"id":"add_1"}`)
		event, err := p.VerifyWebhook(payload, signPaddlePayload(payload, paddleTestSecret, now))
		require.NoError(t, err)
		unhandled, ok := event.(*billing.Unhandled)
		require.True(t, ok)
		assert.Equal(t, "address.created", unhandled.Type)
	})
}
