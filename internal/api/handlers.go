package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hackgods/telemed-scheduling/internal/appointment"
	"github.com/hackgods/telemed-scheduling/internal/auth"
	"github.com/hackgods/telemed-scheduling/internal/booking"
	"github.com/hackgods/telemed-scheduling/internal/practicetime"
	"github.com/hackgods/telemed-scheduling/pkg/logging"
)

const maxBodyBytes = 1 << 16

func principal(r *http.Request) auth.Principal {
	p, _ := auth.PrincipalFromContext(r.Context())
	return p
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return false
	}
	return true
}

func uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_"+name, name+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func optionalUUID(w http.ResponseWriter, raw, field string) (*uuid.UUID, bool) {
	if raw == "" {
		return nil, true
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_"+field, field+" must be a valid UUID")
		return nil, false
	}
	return &id, true
}

func respondAppointment(w http.ResponseWriter, status int, svc *appointment.Service, a *appointment.Appointment) {
	joinable, hasPassed := svc.Joinability(a)
	writeJSON(w, status, toAppointmentResponse(a, joinable, hasPassed))
}

// respondWithManagementToken is used where a token was just minted: on
// creation and after a move voided the previous link.
func respondWithManagementToken(w http.ResponseWriter, status int, svc *appointment.Service, a *appointment.Appointment) {
	joinable, hasPassed := svc.Joinability(a)
	resp := toAppointmentResponse(a, joinable, hasPassed)
	resp.ManagementToken = a.ManagementToken
	writeJSON(w, status, resp)
}

func createAppointmentHandler(orch *booking.Orchestrator, svc *appointment.Service, logger *logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateAppointmentRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		doctorID, err := uuid.Parse(req.DoctorID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_doctor_id", "doctor_id must be a valid UUID")
			return
		}
		patientID, ok := optionalUUID(w, req.PatientID, "patient_id")
		if !ok {
			return
		}
		day, err := practicetime.ParseDay(req.Day)
		if err != nil {
			writeDomainError(w, r, logger, err)
			return
		}

		breq := booking.Request{
			Actor:         principal(r),
			PatientID:     patientID,
			Locale:        req.Locale,
			DoctorID:      doctorID,
			Day:           day,
			Slot:          req.Slot,
			Plan:          req.Plan,
			VideoOverride: req.Video,
		}
		if req.Guest != nil {
			breq.Guest = &appointment.Contact{Name: req.Guest.Name, Email: req.Guest.Email, Phone: req.Guest.Phone}
		}

		a, err := orch.BookDirect(r.Context(), breq)
		if err != nil {
			writeDomainError(w, r, logger, err)
			return
		}

		respondWithManagementToken(w, http.StatusCreated, svc, a)
	}
}

func listAppointmentsHandler(svc *appointment.Service, logger *logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		var f appointment.Filter

		if raw := q.Get("status"); raw != "" {
			for _, s := range strings.Split(raw, ",") {
				f.Statuses = append(f.Statuses, appointment.Status(strings.TrimSpace(s)))
			}
		}
		var ok bool
		if f.DoctorID, ok = optionalUUID(w, q.Get("doctor_id"), "doctor_id"); !ok {
			return
		}
		if f.PatientID, ok = optionalUUID(w, q.Get("patient_id"), "patient_id"); !ok {
			return
		}
		for _, bound := range []struct {
			key string
			dst *time.Time
		}{{"from", &f.From}, {"to", &f.To}} {
			if raw := q.Get(bound.key); raw != "" {
				d, err := practicetime.ParseDay(raw)
				if err != nil {
					writeDomainError(w, r, logger, err)
					return
				}
				*bound.dst = d
			}
		}
		f.Limit, _ = strconv.Atoi(q.Get("limit"))
		f.Offset, _ = strconv.Atoi(q.Get("offset"))

		list, err := svc.List(r.Context(), principal(r), f)
		if err != nil {
			writeDomainError(w, r, logger, err)
			return
		}

		out := make([]AppointmentResponse, 0, len(list))
		for i := range list {
			joinable, hasPassed := svc.Joinability(&list[i])
			out = append(out, toAppointmentResponse(&list[i], joinable, hasPassed))
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func getAppointmentHandler(svc *appointment.Service, logger *logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := uuidParam(w, r, "id")
		if !ok {
			return
		}
		a, err := svc.Get(r.Context(), principal(r), id)
		if err != nil {
			writeDomainError(w, r, logger, err)
			return
		}
		respondAppointment(w, http.StatusOK, svc, a)
	}
}

// transitionHandler serves the body-less state changes.
func transitionHandler(svc *appointment.Service, logger *logging.Logger, apply func(svc *appointment.Service, r *http.Request, id uuid.UUID) (*appointment.Appointment, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := uuidParam(w, r, "id")
		if !ok {
			return
		}
		a, err := apply(svc, r, id)
		if err != nil {
			writeDomainError(w, r, logger, err)
			return
		}
		respondAppointment(w, http.StatusOK, svc, a)
	}
}

func confirmAppointmentHandler(svc *appointment.Service, logger *logging.Logger) http.HandlerFunc {
	return transitionHandler(svc, logger, func(svc *appointment.Service, r *http.Request, id uuid.UUID) (*appointment.Appointment, error) {
		return svc.Confirm(r.Context(), principal(r), id)
	})
}

func completeAppointmentHandler(svc *appointment.Service, logger *logging.Logger) http.HandlerFunc {
	return transitionHandler(svc, logger, func(svc *appointment.Service, r *http.Request, id uuid.UUID) (*appointment.Appointment, error) {
		return svc.Complete(r.Context(), principal(r), id)
	})
}

func cancelAppointmentHandler(svc *appointment.Service, logger *logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := uuidParam(w, r, "id")
		if !ok {
			return
		}
		var req CancelRequest
		if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
			return
		}
		a, err := svc.Cancel(r.Context(), principal(r), id, req.Reason)
		if err != nil {
			writeDomainError(w, r, logger, err)
			return
		}
		respondAppointment(w, http.StatusOK, svc, a)
	}
}

func rescheduleAppointmentHandler(svc *appointment.Service, logger *logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := uuidParam(w, r, "id")
		if !ok {
			return
		}
		var req RescheduleRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		day, err := practicetime.ParseDay(req.Day)
		if err != nil {
			writeDomainError(w, r, logger, err)
			return
		}
		a, err := svc.Reschedule(r.Context(), principal(r), id, day, req.Slot)
		if err != nil {
			writeDomainError(w, r, logger, err)
			return
		}
		respondWithManagementToken(w, http.StatusOK, svc, a)
	}
}

func deleteAppointmentHandler(svc *appointment.Service, logger *logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := uuidParam(w, r, "id")
		if !ok {
			return
		}
		if err := svc.Delete(r.Context(), principal(r), id); err != nil {
			writeDomainError(w, r, logger, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// Management links authenticate by token alone. An unknown token reads as an
// invalid link rather than a missing appointment.
func manageLinkError(w http.ResponseWriter, r *http.Request, logger *logging.Logger, err error) {
	if errors.Is(err, appointment.ErrAppointmentNotFound) {
		writeError(w, http.StatusNotFound, "invalid_link", "this link is no longer valid")
		return
	}
	writeDomainError(w, r, logger, err)
}

func getManagedAppointmentHandler(svc *appointment.Service, logger *logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a, err := svc.GetByToken(r.Context(), chi.URLParam(r, "token"))
		if err != nil {
			manageLinkError(w, r, logger, err)
			return
		}
		respondAppointment(w, http.StatusOK, svc, a)
	}
}

func cancelManagedAppointmentHandler(svc *appointment.Service, logger *logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CancelRequest
		if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
			return
		}
		a, err := svc.CancelByToken(r.Context(), chi.URLParam(r, "token"), req.Reason)
		if err != nil {
			manageLinkError(w, r, logger, err)
			return
		}
		respondAppointment(w, http.StatusOK, svc, a)
	}
}

func rescheduleManagedAppointmentHandler(svc *appointment.Service, logger *logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req RescheduleRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		day, err := practicetime.ParseDay(req.Day)
		if err != nil {
			writeDomainError(w, r, logger, err)
			return
		}
		a, err := svc.RescheduleByToken(r.Context(), chi.URLParam(r, "token"), day, req.Slot)
		if err != nil {
			manageLinkError(w, r, logger, err)
			return
		}
		respondWithManagementToken(w, http.StatusOK, svc, a)
	}
}
