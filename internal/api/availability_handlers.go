package api

import (
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hackgods/telemed-scheduling/internal/availability"
	"github.com/hackgods/telemed-scheduling/internal/practicetime"
	"github.com/hackgods/telemed-scheduling/pkg/logging"
)

func dayParam(w http.ResponseWriter, r *http.Request, logger *logging.Logger) (time.Time, bool) {
	day, err := practicetime.ParseDay(chi.URLParam(r, "day"))
	if err != nil {
		writeDomainError(w, r, logger, err)
		return time.Time{}, false
	}
	return day, true
}

func slotParam(r *http.Request) string {
	raw := chi.URLParam(r, "slot")
	if s, err := url.PathUnescape(raw); err == nil {
		return s
	}
	return raw
}

// listBookableHandler is the public slot listing patients pick from.
func listBookableHandler(svc *availability.Service, logger *logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		var query availability.Query

		var ok bool
		if query.DoctorID, ok = optionalUUID(w, q.Get("doctor_id"), "doctor_id"); !ok {
			return
		}
		if raw := q.Get("from"); raw != "" {
			d, err := practicetime.ParseDay(raw)
			if err != nil {
				writeDomainError(w, r, logger, err)
				return
			}
			query.From = d
		}
		if raw := q.Get("to"); raw != "" {
			d, err := practicetime.ParseDay(raw)
			if err != nil {
				writeDomainError(w, r, logger, err)
				return
			}
			query.To = d
		}

		days, err := svc.ListBookable(r.Context(), query)
		if err != nil {
			writeDomainError(w, r, logger, err)
			return
		}

		out := make([]BookableDayResponse, 0, len(days))
		for _, d := range days {
			out = append(out, BookableDayResponse{DoctorID: d.DoctorID, Day: practicetime.FormatDay(d.Day), Slots: d.Slots})
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func publishAvailabilityHandler(svc *availability.Service, logger *logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doctorID, ok := uuidParam(w, r, "id")
		if !ok {
			return
		}
		var req PublishRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		day, err := practicetime.ParseDay(req.Day)
		if err != nil {
			writeDomainError(w, r, logger, err)
			return
		}

		a, err := svc.Publish(r.Context(), principal(r), doctorID, day, req.Slots)
		if err != nil {
			writeDomainError(w, r, logger, err)
			return
		}
		writeJSON(w, http.StatusCreated, toAvailabilityResponse(a))
	}
}

func getAvailabilityHandler(svc *availability.Service, logger *logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doctorID, ok := uuidParam(w, r, "id")
		if !ok {
			return
		}
		day, ok := dayParam(w, r, logger)
		if !ok {
			return
		}
		a, err := svc.Get(r.Context(), doctorID, day)
		if err != nil {
			writeDomainError(w, r, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, toAvailabilityResponse(a))
	}
}

// dayMutation covers the per-day edits that share the doctor/day path.
func dayMutation(svc *availability.Service, logger *logging.Logger, apply func(r *http.Request, doctorID uuid.UUID, day time.Time) (*availability.Availability, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doctorID, ok := uuidParam(w, r, "id")
		if !ok {
			return
		}
		day, ok := dayParam(w, r, logger)
		if !ok {
			return
		}
		a, err := apply(r, doctorID, day)
		if err != nil {
			writeDomainError(w, r, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, toAvailabilityResponse(a))
	}
}

func replaceSlotsHandler(svc *availability.Service, logger *logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ReplaceSlotsRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		dayMutation(svc, logger, func(r *http.Request, doctorID uuid.UUID, day time.Time) (*availability.Availability, error) {
			return svc.ReplaceSlots(r.Context(), principal(r), doctorID, day, req.Slots)
		})(w, r)
	}
}

func addSlotHandler(svc *availability.Service, logger *logging.Logger) http.HandlerFunc {
	return dayMutation(svc, logger, func(r *http.Request, doctorID uuid.UUID, day time.Time) (*availability.Availability, error) {
		return svc.AddSlot(r.Context(), principal(r), doctorID, day, slotParam(r))
	})
}

func removeSlotHandler(svc *availability.Service, logger *logging.Logger) http.HandlerFunc {
	return dayMutation(svc, logger, func(r *http.Request, doctorID uuid.UUID, day time.Time) (*availability.Availability, error) {
		return svc.RemoveSlot(r.Context(), principal(r), doctorID, day, slotParam(r))
	})
}

func deactivateDayHandler(svc *availability.Service, logger *logging.Logger) http.HandlerFunc {
	return dayMutation(svc, logger, func(r *http.Request, doctorID uuid.UUID, day time.Time) (*availability.Availability, error) {
		return svc.Deactivate(r.Context(), principal(r), doctorID, day)
	})
}

func deleteDayHandler(svc *availability.Service, logger *logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doctorID, ok := uuidParam(w, r, "id")
		if !ok {
			return
		}
		day, ok := dayParam(w, r, logger)
		if !ok {
			return
		}
		if err := svc.Delete(r.Context(), principal(r), doctorID, day); err != nil {
			writeDomainError(w, r, logger, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func clearDoctorHandler(svc *availability.Service, logger *logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doctorID, ok := uuidParam(w, r, "id")
		if !ok {
			return
		}
		n, err := svc.ClearDoctor(r.Context(), principal(r), doctorID)
		if err != nil {
			writeDomainError(w, r, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, CountResponse{Count: n})
	}
}

func copyScheduleHandler(svc *availability.Service, logger *logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fromDoctor, ok := uuidParam(w, r, "id")
		if !ok {
			return
		}
		var req CopyScheduleRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		toDoctor, err := uuid.Parse(req.ToDoctorID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_to_doctor_id", "to_doctor_id must be a valid UUID")
			return
		}
		from, err := practicetime.ParseDay(req.From)
		if err != nil {
			writeDomainError(w, r, logger, err)
			return
		}
		to, err := practicetime.ParseDay(req.To)
		if err != nil {
			writeDomainError(w, r, logger, err)
			return
		}

		n, err := svc.CopySchedule(r.Context(), principal(r), availability.CopyRequest{
			FromDoctor: fromDoctor,
			ToDoctor:   toDoctor,
			From:       from,
			To:         to,
			Overwrite:  req.Overwrite,
		})
		if err != nil {
			writeDomainError(w, r, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, CountResponse{Count: n})
	}
}
