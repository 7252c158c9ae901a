package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/telemed-scheduling/internal/observability/metrics"
	"github.com/hackgods/telemed-scheduling/pkg/logging"
)

const (
	stripeProvider         = "stripe"
	signatureTolerance     = 5 * time.Minute
	maxWebhookPayloadBytes = 1 << 20
)

type processedTracker interface {
	AlreadyProcessed(ctx context.Context, provider, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, provider, eventID string) (bool, error)
}

// StripeWebhookHandler turns processor callbacks into reconciler calls.
// Events are acknowledged only after they were applied, so a failed
// reconciliation is redelivered by the processor.
type StripeWebhookHandler struct {
	webhookSecret string
	reconciler    *Reconciler
	processed     processedTracker
	metrics       *metrics.SchedulingMetrics
	logger        *logging.Logger
	now           func() time.Time
}

func NewStripeWebhookHandler(
	webhookSecret string,
	reconciler *Reconciler,
	processed processedTracker,
	m *metrics.SchedulingMetrics,
	logger *logging.Logger,
) *StripeWebhookHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &StripeWebhookHandler{
		webhookSecret: webhookSecret,
		reconciler:    reconciler,
		processed:     processed,
		metrics:       m,
		logger:        logger,
		now:           time.Now,
	}
}

type stripeWebhookEvent struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object stripeEventObject `json:"object"`
	} `json:"data"`
}

// stripeEventObject covers the checkout.session and payment_intent fields we read.
type stripeEventObject struct {
	ID               string            `json:"id"`
	Object           string            `json:"object"`
	Status           string            `json:"status"`
	PaymentStatus    string            `json:"payment_status"`
	PaymentIntent    string            `json:"payment_intent"`
	Metadata         map[string]string `json:"metadata"`
	LastPaymentError *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"last_payment_error"`
}

// Handle processes incoming Stripe webhook events.
func (h *StripeWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookPayloadBytes))
	if err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	if !verifyStripeSignature(h.webhookSecret, payload, r.Header.Get("Stripe-Signature"), h.now()) {
		h.metrics.ObserveWebhook("unknown", "rejected")
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	var evt stripeWebhookEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		h.logger.Error("failed to decode stripe event", "error", err)
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if evt.ID == "" {
		http.Error(w, "missing event id", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	if processed, err := h.processed.AlreadyProcessed(ctx, stripeProvider, evt.ID); err != nil {
		h.logger.Error("processed lookup failed", "error", err)
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	} else if processed {
		h.metrics.ObserveWebhook(evt.Type, "duplicate")
		w.WriteHeader(http.StatusOK)
		return
	}

	if err := h.dispatch(r, &evt); err != nil {
		if errors.Is(err, ErrIntentNotFound) {
			// Nothing we could ever apply it to; acknowledge so it stops retrying.
			h.logger.Warn("stripe event for unknown payment intent", "event_id", evt.ID, "type", evt.Type, "error", err)
		} else {
			h.logger.Error("stripe event processing failed", "event_id", evt.ID, "type", evt.Type, "error", err)
			h.metrics.ObserveWebhook(evt.Type, "error")
			http.Error(w, "server error", http.StatusInternalServerError)
			return
		}
	}

	if _, err := h.processed.MarkProcessed(ctx, stripeProvider, evt.ID); err != nil {
		h.logger.Error("failed to record processed event", "error", err)
	}
	h.metrics.ObserveWebhook(evt.Type, "ok")
	w.WriteHeader(http.StatusOK)
}

func (h *StripeWebhookHandler) dispatch(r *http.Request, evt *stripeWebhookEvent) error {
	ctx := r.Context()
	obj := evt.Data.Object

	switch evt.Type {
	case "checkout.session.completed":
		if obj.PaymentStatus != "paid" {
			// async methods settle later via async_payment_succeeded
			h.logger.Info("checkout completed without payment yet", "session_id", obj.ID, "payment_status", obj.PaymentStatus)
			return nil
		}
		return h.confirm(r, obj.ID, obj.PaymentIntent, obj.Metadata)
	case "checkout.session.async_payment_succeeded":
		return h.confirm(r, obj.ID, obj.PaymentIntent, obj.Metadata)
	case "checkout.session.expired":
		_, err := h.reconciler.OnSessionExpired(ctx, obj.ID)
		return err
	case "checkout.session.async_payment_failed":
		_, err := h.reconciler.OnPaymentFailed(ctx, obj.ID, "asynchronous payment failed")
		return err
	case "payment_intent.succeeded":
		sessionID, err := h.sessionFor(r, obj.Metadata)
		if err != nil {
			return err
		}
		return h.confirm(r, sessionID, obj.ID, nil)
	case "payment_intent.payment_failed":
		// The checkout stays open for another attempt; only the session
		// events decide the intent's fate.
		reason := ""
		if obj.LastPaymentError != nil {
			reason = obj.LastPaymentError.Code
		}
		h.logger.Info("payment attempt failed", "payment_intent", obj.ID, "intent_id", obj.Metadata["intent_id"], "reason", reason)
		return nil
	}
	return nil
}

func (h *StripeWebhookHandler) confirm(r *http.Request, sessionID, paymentRef string, metadata map[string]string) error {
	res, err := h.reconciler.OnPaymentConfirmed(r.Context(), Confirmation{
		SessionID:  sessionID,
		PaymentRef: paymentRef,
		Metadata:   metadata,
	})
	if err != nil {
		return err
	}
	h.logger.Info("payment reconciled", "session_id", sessionID, "outcome", res.Outcome, "intent_id", res.Intent.ID)
	return nil
}

func (h *StripeWebhookHandler) sessionFor(r *http.Request, metadata map[string]string) (string, error) {
	intentID, err := uuid.Parse(metadata["intent_id"])
	if err != nil {
		return "", fmt.Errorf("%w: payment intent metadata has no intent_id", ErrIntentNotFound)
	}
	return h.reconciler.SessionForIntent(r.Context(), intentID)
}

// verifyStripeSignature checks the Stripe-Signature header, which has the
// form t=<timestamp>,v1=<signature>[,v1=...]. An unset secret rejects every
// request.
func verifyStripeSignature(secret string, payload []byte, header string, now time.Time) bool {
	if secret == "" || header == "" {
		return false
	}

	var timestamp string
	var signatures []string
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			timestamp = kv[1]
		case "v1":
			signatures = append(signatures, kv[1])
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return false
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	if d := now.Sub(time.Unix(ts, 0)); d > signatureTolerance || d < -signatureTolerance {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + "." + string(payload)))
	expected := hex.EncodeToString(mac.Sum(nil))
	for _, sig := range signatures {
		if hmac.Equal([]byte(expected), []byte(sig)) {
			return true
		}
	}
	return false
}
