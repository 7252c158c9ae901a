package payments

import (
	"time"

	"github.com/google/uuid"
)

type IntentStatus string

const (
	IntentPending   IntentStatus = "pending"
	IntentCompleted IntentStatus = "completed"
	IntentFailed    IntentStatus = "failed"
	IntentCancelled IntentStatus = "cancelled"
	IntentRefunded  IntentStatus = "refunded"
)

func (s IntentStatus) Valid() bool {
	switch s {
	case IntentPending, IntentCompleted, IntentFailed, IntentCancelled, IntentRefunded:
		return true
	}
	return false
}

// Error codes stored on failed or refunded intents.
const (
	CodeSlotTakenRefunded  = "slot_taken_refunded"
	CodeRefundFailed       = "refund_failed_after_slot_loss"
	CodeLatePaymentRefund  = "late_payment_refunded"
	CodeLateRefundFailed   = "refund_failed_after_expiry"
	CodePaymentFailed      = "payment_failed"
	CodeAppointmentRevoked = "appointment_cancelled_after_failure"
)

// Intent tracks one paid-booking attempt from checkout to its final outcome.
type Intent struct {
	ID            uuid.UUID
	PatientID     uuid.UUID
	DoctorID      uuid.UUID
	SessionID     string
	PaymentRef    *string
	AmountCents   int64
	Currency      string
	Country       string
	Day           time.Time
	Slot          string
	Plan          string
	Status        IntentStatus
	AppointmentID *uuid.UUID
	RefundID      *string
	ErrorCode     *string
	ErrorMessage  *string
	ExpiresAt     time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Expired reports whether the checkout window has closed at now.
func (i *Intent) Expired(now time.Time) bool {
	return !now.Before(i.ExpiresAt)
}

// Final reports whether no further transition is expected.
func (i *Intent) Final() bool {
	return i.Status == IntentCompleted || i.Status == IntentRefunded || i.Status == IntentFailed
}

// Transition is applied by Repository.Transition. Nil fields keep their value.
type Transition struct {
	To            IntentStatus
	PaymentRef    *string
	AppointmentID *uuid.UUID
	RefundID      *string
	ErrorCode     *string
	ErrorMessage  *string
}

type EventLog struct {
	EventType     string
	AppointmentID *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
