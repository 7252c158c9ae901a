package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/telemed-scheduling/internal/appointment"
	"github.com/hackgods/telemed-scheduling/internal/availability"
	"github.com/hackgods/telemed-scheduling/internal/payments"
	"github.com/hackgods/telemed-scheduling/internal/practicetime"
)

type GuestContact struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
}

type CreateAppointmentRequest struct {
	DoctorID  string        `json:"doctor_id"`
	Day       string        `json:"day"`
	Slot      string        `json:"slot"`
	Plan      string        `json:"plan"`
	PatientID string        `json:"patient_id,omitempty"` // admin bookings only
	Guest     *GuestContact `json:"guest,omitempty"`
	Locale    string        `json:"locale,omitempty"`
	Video     bool          `json:"video,omitempty"`
}

type CancelRequest struct {
	Reason string `json:"reason"`
}

type RescheduleRequest struct {
	Day  string `json:"day"`
	Slot string `json:"slot"`
}

type RescheduleEntryResponse struct {
	FromDay  string    `json:"from_day"`
	FromSlot string    `json:"from_slot"`
	ToDay    string    `json:"to_day"`
	ToSlot   string    `json:"to_slot"`
	Actor    string    `json:"actor"`
	At       time.Time `json:"at"`
}

type AppointmentResponse struct {
	ID                 uuid.UUID                 `json:"id"`
	PatientID          *uuid.UUID                `json:"patient_id,omitempty"`
	PatientName        string                    `json:"patient_name"`
	DoctorID           uuid.UUID                 `json:"doctor_id"`
	Day                string                    `json:"day"`
	Slot               string                    `json:"slot"`
	StartsAt           time.Time                 `json:"starts_at"`
	Plan               string                    `json:"plan"`
	Status             string                    `json:"status"`
	RequiresVideo      bool                      `json:"requires_video"`
	JoinURL            *string                   `json:"join_url,omitempty"`
	Joinable           bool                      `json:"joinable"`
	HasPassed          bool                      `json:"has_passed"`
	PaymentIntentID    *uuid.UUID                `json:"payment_intent_id,omitempty"`
	CancelledBy        *string                   `json:"cancelled_by,omitempty"`
	CancellationReason *string                   `json:"cancellation_reason,omitempty"`
	RescheduleHistory  []RescheduleEntryResponse `json:"reschedule_history,omitempty"`
	ManagementToken    string                    `json:"management_token,omitempty"`
	CreatedAt          time.Time                 `json:"created_at"`
}

func toAppointmentResponse(a *appointment.Appointment, joinable, hasPassed bool) AppointmentResponse {
	resp := AppointmentResponse{
		ID:                 a.ID,
		PatientID:          a.PatientID,
		PatientName:        a.Contact.Name,
		DoctorID:           a.DoctorID,
		Day:                practicetime.FormatDay(a.Day),
		Slot:               a.Slot,
		StartsAt:           a.StartsAt,
		Plan:               a.Plan,
		Status:             string(a.Status),
		RequiresVideo:      a.RequiresVideo,
		Joinable:           joinable,
		HasPassed:          hasPassed,
		PaymentIntentID:    a.PaymentIntentID,
		CancelledBy:        a.CancelledBy,
		CancellationReason: a.CancellationReason,
		CreatedAt:          a.CreatedAt,
	}
	if joinable {
		resp.JoinURL = a.JoinURL
	}
	for _, e := range a.RescheduleHistory {
		resp.RescheduleHistory = append(resp.RescheduleHistory, RescheduleEntryResponse{
			FromDay:  practicetime.FormatDay(e.FromDay),
			FromSlot: e.FromSlot,
			ToDay:    practicetime.FormatDay(e.ToDay),
			ToSlot:   e.ToSlot,
			Actor:    e.Actor,
			At:       e.At,
		})
	}
	return resp
}

type BookableDayResponse struct {
	DoctorID uuid.UUID `json:"doctor_id"`
	Day      string    `json:"day"`
	Slots    []string  `json:"slots"`
}

type AvailabilityResponse struct {
	ID       uuid.UUID `json:"id"`
	DoctorID uuid.UUID `json:"doctor_id"`
	Day      string    `json:"day"`
	Slots    []string  `json:"slots"`
	Active   bool      `json:"active"`
}

func toAvailabilityResponse(a *availability.Availability) AvailabilityResponse {
	return AvailabilityResponse{
		ID:       a.ID,
		DoctorID: a.DoctorID,
		Day:      practicetime.FormatDay(a.Day),
		Slots:    a.Slots,
		Active:   a.Active,
	}
}

type PublishRequest struct {
	Day   string   `json:"day"`
	Slots []string `json:"slots"`
}

type ReplaceSlotsRequest struct {
	Slots []string `json:"slots"`
}

type CopyScheduleRequest struct {
	ToDoctorID string `json:"to_doctor_id"`
	From       string `json:"from"`
	To         string `json:"to"`
	Overwrite  bool   `json:"overwrite"`
}

type CountResponse struct {
	Count int64 `json:"count"`
}

type CreateSessionRequest struct {
	DoctorID  string `json:"doctor_id"`
	Day       string `json:"day"`
	Slot      string `json:"slot"`
	Plan      string `json:"plan"`
	Country   string `json:"country"`
	PatientID string `json:"patient_id,omitempty"` // admin on behalf of a patient
}

type SessionResponse struct {
	IntentID    uuid.UUID `json:"intent_id"`
	SessionID   string    `json:"session_id"`
	RedirectURL string    `json:"redirect_url"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type ReconcileResponse struct {
	Outcome       string     `json:"outcome"`
	IntentID      uuid.UUID  `json:"intent_id"`
	Status        string     `json:"status"`
	AppointmentID *uuid.UUID `json:"appointment_id,omitempty"`
	ErrorCode     *string    `json:"error_code,omitempty"`
}

type IntentResponse struct {
	ID            uuid.UUID  `json:"id"`
	SessionID     string     `json:"session_id"`
	PatientID     uuid.UUID  `json:"patient_id"`
	DoctorID      uuid.UUID  `json:"doctor_id"`
	Day           string     `json:"day"`
	Slot          string     `json:"slot"`
	Status        string     `json:"status"`
	AmountCents   int64      `json:"amount_cents"`
	Currency      string     `json:"currency"`
	AppointmentID *uuid.UUID `json:"appointment_id,omitempty"`
	RefundID      *string    `json:"refund_id,omitempty"`
	ErrorCode     *string    `json:"error_code,omitempty"`
	ExpiresAt     time.Time  `json:"expires_at"`
	CreatedAt     time.Time  `json:"created_at"`
}

func toIntentResponse(i *payments.Intent) IntentResponse {
	return IntentResponse{
		ID:            i.ID,
		SessionID:     i.SessionID,
		PatientID:     i.PatientID,
		DoctorID:      i.DoctorID,
		Day:           practicetime.FormatDay(i.Day),
		Slot:          i.Slot,
		Status:        string(i.Status),
		AmountCents:   i.AmountCents,
		Currency:      i.Currency,
		AppointmentID: i.AppointmentID,
		RefundID:      i.RefundID,
		ErrorCode:     i.ErrorCode,
		ExpiresAt:     i.ExpiresAt,
		CreatedAt:     i.CreatedAt,
	}
}

func toReconcileResponse(res *payments.Result) ReconcileResponse {
	return ReconcileResponse{
		Outcome:       string(res.Outcome),
		IntentID:      res.Intent.ID,
		Status:        string(res.Intent.Status),
		AppointmentID: res.Intent.AppointmentID,
		ErrorCode:     res.Intent.ErrorCode,
	}
}
