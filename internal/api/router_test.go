package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/telemed-scheduling/internal/appointment"
	"github.com/hackgods/telemed-scheduling/internal/auth"
	"github.com/hackgods/telemed-scheduling/internal/availability"
	"github.com/hackgods/telemed-scheduling/internal/booking"
	"github.com/hackgods/telemed-scheduling/internal/config"
	"github.com/hackgods/telemed-scheduling/internal/directory"
	"github.com/hackgods/telemed-scheduling/internal/payments"
	"github.com/hackgods/telemed-scheduling/internal/practicetime"
	"github.com/hackgods/telemed-scheduling/pkg/logging"
)

const testSecret = "test-secret"

var fixedNow = time.Date(2025, 11, 1, 9, 0, 0, 0, time.UTC)

type stubDirectory struct {
	doctors  map[uuid.UUID]*directory.Doctor
	patients map[uuid.UUID]*directory.Patient
}

func (d *stubDirectory) GetDoctorByID(_ context.Context, id uuid.UUID) (*directory.Doctor, error) {
	if doc, ok := d.doctors[id]; ok {
		return doc, nil
	}
	return nil, directory.ErrDoctorNotFound
}

func (d *stubDirectory) GetPatientByID(_ context.Context, id uuid.UUID) (*directory.Patient, error) {
	if p, ok := d.patients[id]; ok {
		return p, nil
	}
	return nil, directory.ErrPatientNotFound
}

type testServer struct {
	handler http.Handler
	doctor  uuid.UUID
	patient uuid.UUID
}

func newTestServer(t *testing.T, postgres, redis Pinger) *testServer {
	t.Helper()
	clock, err := practicetime.New("Europe/Berlin")
	require.NoError(t, err)
	now := func() time.Time { return fixedNow }

	var cfg config.Config
	cfg.Scheduling.CompletionGrace = 30 * time.Minute
	cfg.Scheduling.JoinWindowBefore = 10 * time.Minute
	cfg.Scheduling.JoinWindowDuration = 2 * time.Hour
	cfg.Payments.Currency = "eur"
	cfg.Payments.ConsultationCents = 4900
	cfg.Payments.SessionTTL = 30 * time.Minute

	doctor, patient := uuid.New(), uuid.New()
	email := "ada@example.com"
	dir := &stubDirectory{
		doctors:  map[uuid.UUID]*directory.Doctor{doctor: {ID: doctor, Name: "Dr. Brandt", Active: true}},
		patients: map[uuid.UUID]*directory.Patient{patient: {ID: patient, Name: "Ada", Email: &email, Locale: "de"}},
	}

	availRepo := availability.NewMemoryRepository()
	availRepo.SetDoctorActive(doctor, true)
	apptRepo := appointment.NewMemoryRepository()

	avail := availability.NewService(availRepo, apptRepo, clock, cfg, nil).WithClock(now)
	appts := appointment.NewService(apptRepo, nil, avail, clock, cfg, nil).
		WithCollaborators(nil, nil, dir).
		WithClock(now)
	orch := booking.NewOrchestrator(appts, avail, dir, nil, cfg, nil, nil).WithClock(now)

	stripe := payments.NewStripeClient("", "https://app.example/paid", "https://app.example/cancelled", nil).WithDryRun(true)
	rec := payments.NewReconciler(payments.NewMemoryRepository(), stripe, orch, appts, nil, cfg, nil, nil).WithClock(now)

	handler := NewRouter(RouterConfig{
		Appointments: appts,
		Booking:      orch,
		Availability: avail,
		Payments:     rec,
		Webhook:      payments.NewStripeWebhookHandler("whsec_test", rec, payments.NewProcessedSet(), nil, nil),
		Postgres:     postgres,
		Redis:        redis,
		JWTSecret:    testSecret,
		Env:          "test",
		Version:      "v-test",
	})
	return &testServer{handler: handler, doctor: doctor, patient: patient}
}

var up = PingFunc(func(context.Context) error { return nil })

func token(t *testing.T, p auth.Principal) string {
	t.Helper()
	tok, err := auth.IssueToken(testSecret, p, time.Hour)
	require.NoError(t, err)
	return tok
}

func (s *testServer) do(t *testing.T, method, path, bearer string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rr := httptest.NewRecorder()
	s.handler.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	return out
}

func (s *testServer) publish(t *testing.T, day string, slots ...string) {
	t.Helper()
	rr := s.do(t, http.MethodPost, "/doctors/"+s.doctor.String()+"/availability",
		token(t, auth.Doctor(s.doctor)), PublishRequest{Day: day, Slots: slots})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
}

func (s *testServer) bookGuest(t *testing.T, day, slot string) *httptest.ResponseRecorder {
	t.Helper()
	return s.do(t, http.MethodPost, "/appointments", "", CreateAppointmentRequest{
		DoctorID: s.doctor.String(),
		Day:      day,
		Slot:     slot,
		Guest:    &GuestContact{Name: "Grace", Email: "grace@example.com"},
	})
}

func TestPublishListAndBook(t *testing.T) {
	s := newTestServer(t, up, up)
	s.publish(t, "2025-11-10", "10:00", "09:30")

	listPath := fmt.Sprintf("/availability?doctor_id=%s&from=2025-11-10", s.doctor)
	rr := s.do(t, http.MethodGet, listPath, "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	days := decode[[]BookableDayResponse](t, rr)
	require.Len(t, days, 1)
	assert.Equal(t, "2025-11-10", days[0].Day)
	assert.Equal(t, []string{"09:30", "10:00"}, days[0].Slots)

	rr = s.bookGuest(t, "2025-11-10", "09:30")
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	booked := decode[AppointmentResponse](t, rr)
	assert.Equal(t, "upcoming", booked.Status)
	assert.Equal(t, "Grace", booked.PatientName)
	assert.NotEmpty(t, booked.ManagementToken)

	rr = s.bookGuest(t, "2025-11-10", "09:30")
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "slot_taken", decode[ErrorResponse](t, rr).Error)

	rr = s.do(t, http.MethodGet, listPath, "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	days = decode[[]BookableDayResponse](t, rr)
	require.Len(t, days, 1)
	assert.Equal(t, []string{"10:00"}, days[0].Slots)
}

func TestBookingValidationErrors(t *testing.T) {
	s := newTestServer(t, up, up)
	s.publish(t, "2025-11-10", "09:30")

	rr := s.bookGuest(t, "2025-11-10", "11:00")
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "not_available", decode[ErrorResponse](t, rr).Error)

	rr = s.bookGuest(t, "2025-10-30", "09:30")
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Equal(t, "past_date", decode[ErrorResponse](t, rr).Error)

	rr = s.bookGuest(t, "2025-11-10", "9h30")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "invalid_time", decode[ErrorResponse](t, rr).Error)

	rr = s.do(t, http.MethodPost, "/appointments", "", CreateAppointmentRequest{
		DoctorID: s.doctor.String(), Day: "2025-11-10", Slot: "09:30",
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "missing_contact", decode[ErrorResponse](t, rr).Error)

	rr = s.do(t, http.MethodPost, "/appointments", "", CreateAppointmentRequest{DoctorID: "nope"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "invalid_doctor_id", decode[ErrorResponse](t, rr).Error)
}

func TestPatientBooksAndReadsOwnAppointment(t *testing.T) {
	s := newTestServer(t, up, up)
	s.publish(t, "2025-11-10", "09:30")
	patientToken := token(t, auth.Patient(s.patient))

	rr := s.do(t, http.MethodPost, "/appointments", patientToken, CreateAppointmentRequest{
		DoctorID: s.doctor.String(), Day: "2025-11-10", Slot: "09:30",
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	booked := decode[AppointmentResponse](t, rr)
	require.NotNil(t, booked.PatientID)
	assert.Equal(t, s.patient, *booked.PatientID)

	rr = s.do(t, http.MethodGet, "/appointments/"+booked.ID.String(), patientToken, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	got := decode[AppointmentResponse](t, rr)
	assert.Equal(t, booked.ID, got.ID)
	assert.Empty(t, got.ManagementToken)

	rr = s.do(t, http.MethodGet, "/appointments/"+booked.ID.String(), token(t, auth.Patient(uuid.New())), nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = s.do(t, http.MethodGet, "/appointments/"+booked.ID.String(), "", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = s.do(t, http.MethodGet, "/appointments/not-a-uuid", patientToken, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestManagementLink(t *testing.T) {
	s := newTestServer(t, up, up)
	s.publish(t, "2025-11-10", "09:30", "11:00")

	rr := s.bookGuest(t, "2025-11-10", "09:30")
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	tok := decode[AppointmentResponse](t, rr).ManagementToken

	rr = s.do(t, http.MethodGet, "/manage/"+tok, "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "09:30", decode[AppointmentResponse](t, rr).Slot)

	rr = s.do(t, http.MethodPost, "/manage/"+tok+"/reschedule", "", RescheduleRequest{Day: "2025-11-10", Slot: "11:00"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	moved := decode[AppointmentResponse](t, rr)
	assert.Equal(t, "11:00", moved.Slot)
	require.NotEmpty(t, moved.ManagementToken)
	require.Len(t, moved.RescheduleHistory, 1)
	assert.Equal(t, "09:30", moved.RescheduleHistory[0].FromSlot)

	// The old link died with the move.
	rr = s.do(t, http.MethodGet, "/manage/"+tok, "", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "invalid_link", decode[ErrorResponse](t, rr).Error)

	rr = s.do(t, http.MethodPost, "/manage/"+moved.ManagementToken+"/cancel", "", CancelRequest{Reason: "cannot make it"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	cancelled := decode[AppointmentResponse](t, rr)
	assert.Equal(t, "cancelled", cancelled.Status)
	require.NotNil(t, cancelled.CancelledBy)
	assert.Equal(t, "patient:management_link", *cancelled.CancelledBy)

	rr = s.do(t, http.MethodPost, "/manage/"+moved.ManagementToken+"/cancel", "", nil)
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestDoctorManagesAvailability(t *testing.T) {
	s := newTestServer(t, up, up)
	s.publish(t, "2025-11-10", "09:30")
	doctorToken := token(t, auth.Doctor(s.doctor))
	base := "/doctors/" + s.doctor.String() + "/availability"

	rr := s.do(t, http.MethodPost, base, doctorToken, PublishRequest{Day: "2025-11-10", Slots: []string{"12:00"}})
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "availability_exists", decode[ErrorResponse](t, rr).Error)

	rr = s.do(t, http.MethodPost, base+"/2025-11-10/slots/10:15", doctorToken, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, []string{"09:30", "10:15"}, decode[AvailabilityResponse](t, rr).Slots)

	rr = s.do(t, http.MethodDelete, base+"/2025-11-10/slots/09:30", doctorToken, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, []string{"10:15"}, decode[AvailabilityResponse](t, rr).Slots)

	rr = s.do(t, http.MethodGet, base+"/2025-11-10", doctorToken, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, decode[AvailabilityResponse](t, rr).Active)

	// Another doctor may not touch this calendar.
	rr = s.do(t, http.MethodPost, base+"/2025-11-10/slots/16:00", token(t, auth.Doctor(uuid.New())), nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = s.do(t, http.MethodPost, base+"/2025-11-10/deactivate", doctorToken, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.False(t, decode[AvailabilityResponse](t, rr).Active)

	rr = s.do(t, http.MethodGet, fmt.Sprintf("/availability?doctor_id=%s&from=2025-11-10", s.doctor), "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, decode[[]BookableDayResponse](t, rr))

	rr = s.do(t, http.MethodDelete, base+"/2025-11-10", doctorToken, nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = s.do(t, http.MethodPost, base, doctorToken, PublishRequest{Day: "2025-10-20", Slots: []string{"09:00"}})
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Equal(t, "past_day", decode[ErrorResponse](t, rr).Error)
}

func TestPaymentSessionRoutes(t *testing.T) {
	s := newTestServer(t, up, up)
	s.publish(t, "2025-11-10", "09:30")
	body := CreateSessionRequest{DoctorID: s.doctor.String(), Day: "2025-11-10", Slot: "09:30", Country: "DE"}

	rr := s.do(t, http.MethodPost, "/payments/sessions", token(t, auth.Patient(s.patient)), body)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	session := decode[SessionResponse](t, rr)
	assert.True(t, strings.HasPrefix(session.SessionID, "cs_dryrun_"))
	assert.NotEmpty(t, session.RedirectURL)
	assert.True(t, fixedNow.Add(30*time.Minute).Equal(session.ExpiresAt))

	rr = s.do(t, http.MethodPost, "/payments/sessions", "", body)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = s.do(t, http.MethodPost, "/payments/sessions/"+session.SessionID+"/reconcile", token(t, auth.Patient(s.patient)), nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	// Dry-run sessions always report paid, so reconciling books the slot.
	rr = s.do(t, http.MethodPost, "/payments/sessions/"+session.SessionID+"/reconcile", token(t, auth.Admin(uuid.New())), nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	res := decode[ReconcileResponse](t, rr)
	assert.Equal(t, "materialized", res.Outcome)
	assert.Equal(t, "completed", res.Status)
	require.NotNil(t, res.AppointmentID)

	rr = s.bookGuest(t, "2025-11-10", "09:30")
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestWebhookRouteRequiresSignature(t *testing.T) {
	s := newTestServer(t, up, up)
	rr := s.do(t, http.MethodPost, "/webhooks/stripe", "", map[string]string{"id": "evt_1"})
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestReadiness(t *testing.T) {
	down := PingFunc(func(context.Context) error { return errors.New("down") })

	tests := []struct {
		name       string
		postgres   Pinger
		redis      Pinger
		wantCode   int
		wantStatus string
	}{
		{"all up", up, up, http.StatusOK, "ok"},
		{"redis down", up, down, http.StatusOK, "degraded"},
		{"postgres down", down, up, http.StatusServiceUnavailable, "error"},
		{"nothing wired", nil, nil, http.StatusServiceUnavailable, "error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, tt.postgres, tt.redis)
			rr := s.do(t, http.MethodGet, "/health/ready", "", nil)
			assert.Equal(t, tt.wantCode, rr.Code)
			resp := decode[ReadinessResponse](t, rr)
			assert.Equal(t, tt.wantStatus, resp.Status)
			assert.Equal(t, "v-test", resp.Version)
		})
	}

	s := newTestServer(t, nil, nil)
	rr := s.do(t, http.MethodGet, "/health/live", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", decode[LivenessResponse](t, rr).Status)
}

func TestRequestIDIsEchoed(t *testing.T) {
	s := newTestServer(t, up, up)
	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rr := httptest.NewRecorder()
	s.handler.ServeHTTP(rr, req)
	assert.Equal(t, "req-123", rr.Header().Get("X-Request-ID"))
}

func TestWriteDomainErrorHidesUnknownErrors(t *testing.T) {
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	writeDomainError(rr, req, logging.Default(), fmt.Errorf("load: %w", errors.New("connection reset")))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	resp := decode[ErrorResponse](t, rr)
	assert.Equal(t, "internal_error", resp.Error)
	assert.NotContains(t, rr.Body.String(), "connection reset")

	rr = httptest.NewRecorder()
	writeDomainError(rr, req, logging.Default(), &availability.ScheduleConflictError{Days: []time.Time{time.Date(2025, 11, 10, 0, 0, 0, 0, time.UTC)}})
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, []string{"2025-11-10"}, decode[ErrorResponse](t, rr).Days)
}

func TestAuthenticatedRescheduleReturnsNewLink(t *testing.T) {
	s := newTestServer(t, up, up)
	s.publish(t, "2025-11-10", "09:30", "11:00")
	patientToken := token(t, auth.Patient(s.patient))

	rr := s.do(t, http.MethodPost, "/appointments", patientToken, CreateAppointmentRequest{
		DoctorID: s.doctor.String(), Day: "2025-11-10", Slot: "09:30",
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	booked := decode[AppointmentResponse](t, rr)

	rr = s.do(t, http.MethodPost, "/appointments/"+booked.ID.String()+"/reschedule", patientToken, RescheduleRequest{Day: "2025-11-10", Slot: "11:00"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	moved := decode[AppointmentResponse](t, rr)
	require.NotEmpty(t, moved.ManagementToken)
	assert.NotEqual(t, booked.ManagementToken, moved.ManagementToken)

	rr = s.do(t, http.MethodGet, "/manage/"+moved.ManagementToken, "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "11:00", decode[AppointmentResponse](t, rr).Slot)
}

func TestListAppointmentsStatusFilter(t *testing.T) {
	s := newTestServer(t, up, up)
	s.publish(t, "2025-11-10", "09:30")
	require.Equal(t, http.StatusCreated, s.bookGuest(t, "2025-11-10", "09:30").Code)
	doctorToken := token(t, auth.Doctor(s.doctor))

	rr := s.do(t, http.MethodGet, "/appointments?status=upcoming", doctorToken, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Len(t, decode[[]AppointmentResponse](t, rr), 1)

	rr = s.do(t, http.MethodGet, "/appointments?status=completed", doctorToken, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, decode[[]AppointmentResponse](t, rr))

	rr = s.do(t, http.MethodGet, "/appointments?status=bogus", doctorToken, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "invalid_filter", decode[ErrorResponse](t, rr).Error)
}

func TestUnauthenticatedRequestsUseErrorShape(t *testing.T) {
	s := newTestServer(t, up, up)

	rr := s.do(t, http.MethodGet, "/appointments", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "unauthenticated", decode[ErrorResponse](t, rr).Error)

	rr = s.do(t, http.MethodGet, "/availability", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "unauthenticated", decode[ErrorResponse](t, rr).Error)
}

func TestAdminListsPaymentIntents(t *testing.T) {
	s := newTestServer(t, up, up)
	s.publish(t, "2025-11-10", "09:30")
	body := CreateSessionRequest{DoctorID: s.doctor.String(), Day: "2025-11-10", Slot: "09:30", Country: "DE"}
	rr := s.do(t, http.MethodPost, "/payments/sessions", token(t, auth.Patient(s.patient)), body)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	session := decode[SessionResponse](t, rr)

	adminToken := token(t, auth.Admin(uuid.New()))
	rr = s.do(t, http.MethodGet, "/admin/payments?status=pending", adminToken, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	intents := decode[[]IntentResponse](t, rr)
	require.Len(t, intents, 1)
	assert.Equal(t, session.IntentID, intents[0].ID)
	assert.Equal(t, "pending", intents[0].Status)
	assert.Equal(t, "2025-11-10", intents[0].Day)

	rr = s.do(t, http.MethodGet, "/admin/payments?status=completed", adminToken, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, decode[[]IntentResponse](t, rr))

	rr = s.do(t, http.MethodGet, "/admin/payments?status=settled", adminToken, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "invalid_filter", decode[ErrorResponse](t, rr).Error)

	rr = s.do(t, http.MethodGet, "/admin/payments?limit=-1", adminToken, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = s.do(t, http.MethodGet, "/admin/payments", token(t, auth.Patient(s.patient)), nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)
}
