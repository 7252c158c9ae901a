package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hackgods/telemed-scheduling/internal/payments"
	"github.com/hackgods/telemed-scheduling/internal/practicetime"
	"github.com/hackgods/telemed-scheduling/pkg/logging"
)

func createPaymentSessionHandler(rec *payments.Reconciler, logger *logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateSessionRequest
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

		co, err := rec.OpenSession(r.Context(), payments.OpenRequest{
			Actor:     principal(r),
			PatientID: patientID,
			DoctorID:  doctorID,
			Day:       day,
			Slot:      req.Slot,
			Plan:      req.Plan,
			Country:   req.Country,
		})
		if err != nil {
			writeDomainError(w, r, logger, err)
			return
		}

		writeJSON(w, http.StatusCreated, SessionResponse{
			IntentID:    co.Intent.ID,
			SessionID:   co.Intent.SessionID,
			RedirectURL: co.RedirectURL,
			ExpiresAt:   co.Intent.ExpiresAt,
		})
	}
}

// reconcileSessionHandler is the operator fallback when callbacks never arrived.
func reconcileSessionHandler(rec *payments.Reconciler, logger *logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := rec.Reconcile(r.Context(), principal(r), chi.URLParam(r, "session"))
		if err != nil {
			writeDomainError(w, r, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, toReconcileResponse(res))
	}
}

// listPaymentIntentsHandler gives operators the recent intents, optionally
// narrowed to one status.
func listPaymentIntentsHandler(rec *payments.Reconciler, logger *logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		limit := 0
		if raw := q.Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a non-negative integer")
				return
			}
			limit = n
		}

		intents, err := rec.ListIntents(r.Context(), principal(r), payments.IntentStatus(q.Get("status")), limit)
		if err != nil {
			writeDomainError(w, r, logger, err)
			return
		}

		out := make([]IntentResponse, 0, len(intents))
		for i := range intents {
			out = append(out, toIntentResponse(&intents[i]))
		}
		writeJSON(w, http.StatusOK, out)
	}
}
