package payments

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStripeClientCreateCheckoutSession(t *testing.T) {
	intentID := uuid.New()
	expires := time.Unix(1730453400, 0)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/checkout/sessions", r.URL.Path)
		assert.Equal(t, "Bearer sk_test", r.Header.Get("Authorization"))
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "payment", r.Form.Get("mode"))
		assert.Equal(t, intentID.String(), r.Form.Get("client_reference_id"))
		assert.Equal(t, "4900", r.Form.Get("line_items[0][price_data][unit_amount]"))
		assert.Equal(t, "eur", r.Form.Get("line_items[0][price_data][currency]"))
		assert.Equal(t, "1730453400", r.Form.Get("expires_at"))
		assert.Equal(t, "https://practice.example/paid", r.Form.Get("success_url"))
		assert.Equal(t, "09:30", r.Form.Get("metadata[slot]"))
		assert.Equal(t, intentID.String(), r.Form.Get("payment_intent_data[metadata][intent_id]"))

		_ = json.NewEncoder(w).Encode(map[string]any{"id": "cs_123", "url": "https://checkout.stripe.com/c/cs_123"})
	}))
	defer srv.Close()

	client := NewStripeClient("sk_test", "https://practice.example/paid", "https://practice.example/cancel", nil).WithBaseURL(srv.URL)
	session, err := client.CreateCheckoutSession(context.Background(), CheckoutRequest{
		IntentID:    intentID,
		AmountCents: 4900,
		Currency:    "eur",
		Description: "Consultation",
		Metadata:    map[string]string{"intent_id": intentID.String(), "slot": "09:30"},
		ExpiresAt:   expires,
	})
	require.NoError(t, err)
	assert.Equal(t, "cs_123", session.ID)
	assert.Equal(t, "https://checkout.stripe.com/c/cs_123", session.RedirectURL)
}

func TestStripeClientRetrieveSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/v1/checkout/sessions/cs_123", r.URL.Path)
		_, _ = w.Write([]byte(`{"id":"cs_123","status":"complete","payment_status":"paid","payment_intent":"pi_123","metadata":{"slot":"09:30"}}`))
	}))
	defer srv.Close()

	state, err := NewStripeClient("sk_test", "", "", nil).WithBaseURL(srv.URL).RetrieveSession(context.Background(), "cs_123")
	require.NoError(t, err)
	assert.True(t, state.Paid())
	assert.Equal(t, "pi_123", state.PaymentRef)
	assert.Equal(t, "09:30", state.Metadata["slot"])
}

func TestStripeClientRefund(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/refunds", r.URL.Path)
		assert.Equal(t, "refund-pi_123", r.Header.Get("Idempotency-Key"))
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "pi_123", r.Form.Get("payment_intent"))
		assert.Equal(t, CodeSlotTakenRefunded, r.Form.Get("metadata[reason]"))
		_, _ = w.Write([]byte(`{"id":"re_123","status":"succeeded"}`))
	}))
	defer srv.Close()

	id, err := NewStripeClient("sk_test", "", "", nil).WithBaseURL(srv.URL).Refund(context.Background(), "pi_123", CodeSlotTakenRefunded)
	require.NoError(t, err)
	assert.Equal(t, "re_123", id)
}

func TestStripeClientSurfacesAPIErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write([]byte(`{"error":{"message":"charge already refunded"}}`))
	}))
	defer srv.Close()

	_, err := NewStripeClient("sk_test", "", "", nil).WithBaseURL(srv.URL).Refund(context.Background(), "pi_123", "x")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "402"))

	_, err = NewStripeClient("sk_test", "", "", nil).Refund(context.Background(), "", "x")
	assert.Error(t, err)
}

func TestStripeClientDryRun(t *testing.T) {
	client := NewStripeClient("", "", "", nil).WithDryRun(true)
	ctx := context.Background()

	session, err := client.CreateCheckoutSession(ctx, CheckoutRequest{IntentID: uuid.New(), AmountCents: 4900, Currency: "eur"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(session.ID, "cs_dryrun_"))
	assert.Equal(t, "https://checkout.stripe.com/dry-run/"+session.ID, session.RedirectURL)

	state, err := client.RetrieveSession(ctx, session.ID)
	require.NoError(t, err)
	assert.True(t, state.Paid())
	assert.True(t, strings.HasPrefix(state.PaymentRef, "pi_dryrun_"))

	refundID, err := client.Refund(ctx, state.PaymentRef, "test")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(refundID, "re_dryrun_"))
}
