package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/hackgods/telemed-scheduling/internal/appointment"
	"github.com/hackgods/telemed-scheduling/internal/auth"
	"github.com/hackgods/telemed-scheduling/internal/availability"
	"github.com/hackgods/telemed-scheduling/internal/booking"
	"github.com/hackgods/telemed-scheduling/internal/directory"
	"github.com/hackgods/telemed-scheduling/internal/payments"
	"github.com/hackgods/telemed-scheduling/internal/practicetime"
	redisclient "github.com/hackgods/telemed-scheduling/internal/redis"
	"github.com/hackgods/telemed-scheduling/pkg/logging"
)

type ErrorResponse struct {
	Error   string   `json:"error"`
	Details string   `json:"details,omitempty"`
	Days    []string `json:"days,omitempty"`
}

type errorMapping struct {
	err     error
	status  int
	code    string
	message string
}

// errorTable is matched in order; the first errors.Is hit wins.
var errorTable = []errorMapping{
	{auth.ErrUnauthenticated, http.StatusUnauthorized, "unauthenticated", "authentication required"},
	{auth.ErrForbidden, http.StatusForbidden, "forbidden", "this action is not allowed"},

	{appointment.ErrAppointmentNotFound, http.StatusNotFound, "appointment_not_found", "appointment not found"},
	{directory.ErrDoctorNotFound, http.StatusNotFound, "doctor_not_found", "doctor not found"},
	{directory.ErrPatientNotFound, http.StatusNotFound, "patient_not_found", "patient not found"},
	{availability.ErrAvailabilityNotFound, http.StatusNotFound, "availability_not_found", "no availability for this day"},
	{availability.ErrSlotNotFound, http.StatusNotFound, "slot_not_found", "slot is not published"},
	{payments.ErrIntentNotFound, http.StatusNotFound, "payment_not_found", "payment not found"},

	{appointment.ErrSlotTaken, http.StatusConflict, "slot_taken", "this slot is no longer available, please pick another one"},
	{appointment.ErrSlotConflict, http.StatusConflict, "slot_taken", "this slot is no longer available, please pick another one"},
	{appointment.ErrSlotBusy, http.StatusConflict, "slot_busy", "this slot is being booked right now, please retry"},
	{redisclient.ErrLockNotAcquired, http.StatusConflict, "slot_busy", "this slot is being booked right now, please retry"},
	{appointment.ErrNotAvailable, http.StatusConflict, "not_available", "the doctor does not offer this slot"},
	{booking.ErrDoctorUnavailable, http.StatusConflict, "doctor_unavailable", "the doctor is not accepting bookings"},
	{appointment.ErrPaymentAlreadyLinked, http.StatusConflict, "payment_already_linked", "payment already used"},
	{appointment.ErrInvalidTransition, http.StatusConflict, "invalid_transition", "this action is not allowed in the current state"},
	{appointment.ErrAlreadyCancelled, http.StatusConflict, "already_cancelled", "appointment is already cancelled"},
	{appointment.ErrAlreadyCompleted, http.StatusConflict, "already_completed", "appointment is already completed"},
	{appointment.ErrCancellationClosed, http.StatusConflict, "cancellation_closed", "appointment can no longer be changed"},
	{appointment.ErrSameSlot, http.StatusConflict, "same_slot", "appointment is already at this slot"},
	{availability.ErrDuplicateAvailability, http.StatusConflict, "availability_exists", "availability already exists for this day"},
	{availability.ErrSlotAlreadyExists, http.StatusConflict, "slot_exists", "slot already published"},
	{availability.ErrScheduleConflict, http.StatusConflict, "schedule_conflict", "destination already has availability"},
	{payments.ErrPaymentNotCompleted, http.StatusConflict, "payment_not_completed", "payment has not been completed"},
	{payments.ErrRetryLater, http.StatusServiceUnavailable, "retry_later", "temporarily busy, please retry"},

	{appointment.ErrPastDate, http.StatusUnprocessableEntity, "past_date", "this time is in the past"},
	{availability.ErrPastDay, http.StatusUnprocessableEntity, "past_day", "this day is in the past"},
	{payments.ErrPatientRequired, http.StatusUnauthorized, "patient_required", "paid bookings need a patient account"},

	{practicetime.ErrInvalidTimeInput, http.StatusBadRequest, "invalid_time", "invalid day or slot"},
	{availability.ErrInvalidSlotFormat, http.StatusBadRequest, "invalid_slot", "slots must be HH:MM"},
	{availability.ErrNoSlots, http.StatusBadRequest, "no_slots", "at least one slot is required"},
	{availability.ErrInvalidRange, http.StatusBadRequest, "invalid_range", "invalid day range"},
	{booking.ErrInvalidPlan, http.StatusBadRequest, "invalid_plan", "unknown appointment plan"},
	{booking.ErrMissingContact, http.StatusBadRequest, "missing_contact", "a name and an email or phone are required"},
	{appointment.ErrInvalidFilter, http.StatusBadRequest, "invalid_filter", "unknown status filter"},
	{payments.ErrUnknownIntentStatus, http.StatusBadRequest, "invalid_filter", "unknown status filter"},
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}

// writeDomainError maps a service error to its stable code. Unknown errors are
// logged and reported without detail.
func writeDomainError(w http.ResponseWriter, r *http.Request, logger *logging.Logger, err error) {
	var conflict *availability.ScheduleConflictError
	if errors.As(err, &conflict) {
		days := make([]string, 0, len(conflict.Days))
		for _, d := range conflict.Days {
			days = append(days, practicetime.FormatDay(d))
		}
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: "schedule_conflict", Details: "destination already has availability", Days: days})
		return
	}

	for _, m := range errorTable {
		if errors.Is(err, m.err) {
			writeError(w, m.status, m.code, m.message)
			return
		}
	}

	logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "request_id", GetRequestID(r.Context()), "error", err)
	writeError(w, http.StatusInternalServerError, "internal_error", "something went wrong, please retry")
}
