package payments

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// CheckoutRequest is one line item plus the booking facts the callback needs.
type CheckoutRequest struct {
	IntentID    uuid.UUID
	AmountCents int64
	Currency    string
	Description string
	Metadata    map[string]string
	ExpiresAt   time.Time
	SuccessURL  string
	CancelURL   string
}

type CheckoutSession struct {
	ID          string
	RedirectURL string
}

// SessionState is the processor's view of a checkout session.
type SessionState struct {
	ID            string
	Status        string // open, complete, expired
	PaymentStatus string // paid, unpaid, no_payment_required
	PaymentRef    string
	Metadata      map[string]string
}

// Paid reports whether the processor captured the money.
func (s *SessionState) Paid() bool {
	return s.Status == "complete" && s.PaymentStatus == "paid"
}

// Processor is the external payment provider.
type Processor interface {
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)
	RetrieveSession(ctx context.Context, sessionID string) (*SessionState, error)
	// Refund returns the processor's refund id.
	Refund(ctx context.Context, paymentRef, reason string) (string, error)
}
