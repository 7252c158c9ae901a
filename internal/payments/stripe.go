package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/hackgods/telemed-scheduling/pkg/logging"
)

var stripeTracer = otel.Tracer("telemed.internal.payments.stripe")

// StripeClient talks to the Stripe REST API with form-encoded requests.
type StripeClient struct {
	secretKey  string
	successURL string
	cancelURL  string
	baseURL    string
	apiVersion string
	httpClient *http.Client
	logger     *logging.Logger
	dryRun     bool
}

func NewStripeClient(secretKey, successURL, cancelURL string, logger *logging.Logger) *StripeClient {
	if logger == nil {
		logger = logging.Default()
	}
	return &StripeClient{
		secretKey:  secretKey,
		successURL: successURL,
		cancelURL:  cancelURL,
		baseURL:    "https://api.stripe.com",
		apiVersion: "2024-12-18.acacia",
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

// WithBaseURL overrides the Stripe API base URL (for testing).
func (s *StripeClient) WithBaseURL(baseURL string) *StripeClient {
	if baseURL != "" {
		s.baseURL = strings.TrimRight(baseURL, "/")
	}
	return s
}

// WithDryRun returns fake sessions and refunds without calling Stripe.
func (s *StripeClient) WithDryRun(enabled bool) *StripeClient {
	s.dryRun = enabled
	return s
}

type stripeSession struct {
	ID            string            `json:"id"`
	URL           string            `json:"url"`
	Status        string            `json:"status"`
	PaymentStatus string            `json:"payment_status"`
	PaymentIntent string            `json:"payment_intent"`
	Metadata      map[string]string `json:"metadata"`
}

type stripeRefund struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func (s *StripeClient) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	ctx, span := stripeTracer.Start(ctx, "stripe.create_checkout_session")
	defer span.End()
	span.SetAttributes(
		attribute.String("telemed.payment_intent_id", req.IntentID.String()),
		attribute.Int("telemed.amount_cents", int(req.AmountCents)),
	)

	if s.dryRun {
		fakeID := "cs_dryrun_" + uuid.New().String()[:8]
		s.logger.Info("stripe dry run: skipping checkout session creation",
			"intent_id", req.IntentID, "amount_cents", req.AmountCents)
		return &CheckoutSession{
			ID:          fakeID,
			RedirectURL: "https://checkout.stripe.com/dry-run/" + fakeID,
		}, nil
	}

	successURL := req.SuccessURL
	if successURL == "" {
		successURL = s.successURL
	}
	cancelURL := req.CancelURL
	if cancelURL == "" {
		cancelURL = s.cancelURL
	}
	description := req.Description
	if strings.TrimSpace(description) == "" {
		description = "Consultation"
	}

	form := url.Values{}
	form.Set("mode", "payment")
	form.Set("client_reference_id", req.IntentID.String())
	form.Set("line_items[0][price_data][currency]", req.Currency)
	form.Set("line_items[0][price_data][unit_amount]", fmt.Sprintf("%d", req.AmountCents))
	form.Set("line_items[0][price_data][product_data][name]", description)
	form.Set("line_items[0][quantity]", "1")
	if !req.ExpiresAt.IsZero() {
		form.Set("expires_at", fmt.Sprintf("%d", req.ExpiresAt.Unix()))
	}
	if successURL != "" {
		form.Set("success_url", successURL)
	}
	if cancelURL != "" {
		form.Set("cancel_url", cancelURL)
	}

	keys := make([]string, 0, len(req.Metadata))
	for k := range req.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		form.Set("metadata["+k+"]", req.Metadata[k])
		form.Set("payment_intent_data[metadata]["+k+"]", req.Metadata[k])
	}

	var parsed stripeSession
	if err := s.do(ctx, http.MethodPost, "/v1/checkout/sessions", form, "", &parsed); err != nil {
		return nil, err
	}
	if parsed.URL == "" {
		return nil, fmt.Errorf("payments: stripe response missing checkout url")
	}
	return &CheckoutSession{ID: parsed.ID, RedirectURL: parsed.URL}, nil
}

func (s *StripeClient) RetrieveSession(ctx context.Context, sessionID string) (*SessionState, error) {
	ctx, span := stripeTracer.Start(ctx, "stripe.retrieve_checkout_session")
	defer span.End()
	span.SetAttributes(attribute.String("stripe.session_id", sessionID))

	if s.dryRun {
		return &SessionState{
			ID:            sessionID,
			Status:        "complete",
			PaymentStatus: "paid",
			PaymentRef:    "pi_dryrun_" + strings.TrimPrefix(sessionID, "cs_dryrun_"),
		}, nil
	}

	var parsed stripeSession
	if err := s.do(ctx, http.MethodGet, "/v1/checkout/sessions/"+url.PathEscape(sessionID), nil, "", &parsed); err != nil {
		return nil, err
	}
	return &SessionState{
		ID:            parsed.ID,
		Status:        parsed.Status,
		PaymentStatus: parsed.PaymentStatus,
		PaymentRef:    parsed.PaymentIntent,
		Metadata:      parsed.Metadata,
	}, nil
}

func (s *StripeClient) Refund(ctx context.Context, paymentRef, reason string) (string, error) {
	ctx, span := stripeTracer.Start(ctx, "stripe.refund")
	defer span.End()
	span.SetAttributes(
		attribute.String("stripe.payment_intent", paymentRef),
		attribute.String("telemed.refund_reason", reason),
	)

	if paymentRef == "" {
		return "", fmt.Errorf("payments: refund needs a payment reference")
	}
	if s.dryRun {
		s.logger.Info("stripe dry run: skipping refund", "payment_ref", paymentRef, "reason", reason)
		return "re_dryrun_" + uuid.New().String()[:8], nil
	}

	form := url.Values{}
	form.Set("payment_intent", paymentRef)
	form.Set("reason", "requested_by_customer")
	form.Set("metadata[reason]", reason)

	var parsed stripeRefund
	// One refund per payment: the idempotency key makes retries safe.
	if err := s.do(ctx, http.MethodPost, "/v1/refunds", form, "refund-"+paymentRef, &parsed); err != nil {
		return "", err
	}
	if parsed.ID == "" {
		return "", fmt.Errorf("payments: stripe refund response missing id")
	}
	return parsed.ID, nil
}

func (s *StripeClient) do(ctx context.Context, method, path string, form url.Values, idempotencyKey string, out any) error {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("payments: stripe request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.secretKey)
	req.Header.Set("Stripe-Version", s.apiVersion)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("payments: stripe http: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("payments: stripe api status %d: %s", resp.StatusCode, string(data))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("payments: stripe decode: %w", err)
	}
	return nil
}
