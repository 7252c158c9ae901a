package payments

import (
	"context"
	"errors"
	"fmt"
	"sync"
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
	"github.com/hackgods/telemed-scheduling/internal/notify"
	"github.com/hackgods/telemed-scheduling/internal/practicetime"
)

type fakeProcessor struct {
	mu        sync.Mutex
	sessions  map[string]*SessionState
	created   []CheckoutRequest
	refunds   []string
	refundErr error
}

func newFakeProcessor() *fakeProcessor {
	return &fakeProcessor{sessions: make(map[string]*SessionState)}
}

func (p *fakeProcessor) CreateCheckoutSession(_ context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.created = append(p.created, req)
	id := fmt.Sprintf("cs_test_%d", len(p.created))
	p.sessions[id] = &SessionState{ID: id, Status: "open", PaymentStatus: "unpaid", Metadata: req.Metadata}
	return &CheckoutSession{ID: id, RedirectURL: "https://checkout.example/" + id}, nil
}

func (p *fakeProcessor) RetrieveSession(_ context.Context, sessionID string) (*SessionState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[sessionID]
	if !ok {
		return nil, errors.New("no such checkout session")
	}
	out := *s
	return &out, nil
}

func (p *fakeProcessor) Refund(_ context.Context, paymentRef, _ string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.refundErr != nil {
		return "", p.refundErr
	}
	p.refunds = append(p.refunds, paymentRef)
	return "re_" + paymentRef, nil
}

// pay marks the session paid the way the processor would.
func (p *fakeProcessor) pay(sessionID, paymentRef string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.sessions[sessionID]
	s.Status, s.PaymentStatus, s.PaymentRef = "complete", "paid", paymentRef
}

func (p *fakeProcessor) refundCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.refunds)
}

type fakeDirectory struct {
	doctors  map[uuid.UUID]*directory.Doctor
	patients map[uuid.UUID]*directory.Patient
}

func (f *fakeDirectory) GetDoctorByID(_ context.Context, id uuid.UUID) (*directory.Doctor, error) {
	if d, ok := f.doctors[id]; ok {
		return d, nil
	}
	return nil, directory.ErrDoctorNotFound
}

func (f *fakeDirectory) GetPatientByID(_ context.Context, id uuid.UUID) (*directory.Patient, error) {
	if p, ok := f.patients[id]; ok {
		return p, nil
	}
	return nil, directory.ErrPatientNotFound
}

func (f *fakeDirectory) addPatient(name, email string) uuid.UUID {
	id := uuid.New()
	f.patients[id] = &directory.Patient{ID: id, Name: name, Email: &email, Locale: "de"}
	return id
}

type publishedSlots map[availability.SlotRef]bool

func (p publishedSlots) IsPublished(_ context.Context, doctorID uuid.UUID, day time.Time, slot string) (bool, error) {
	return p[availability.NewSlotRef(doctorID, day, slot)], nil
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notify.Message
}

func (r *recordingNotifier) Send(_ context.Context, msg notify.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, msg)
	return nil
}

func (r *recordingNotifier) kinds() []notify.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]notify.Kind, 0, len(r.sent))
	for _, m := range r.sent {
		out = append(out, m.Kind)
	}
	return out
}

var nov1 = time.Date(2025, 11, 1, 9, 0, 0, 0, time.UTC)

type harness struct {
	rec      *Reconciler
	orch     *booking.Orchestrator
	appts    *appointment.Service
	apptRepo *appointment.MemoryRepository
	intents  *MemoryRepository
	proc     *fakeProcessor
	dir      *fakeDirectory
	slots    publishedSlots
	notifier *recordingNotifier
	doctor   uuid.UUID
	admin    auth.Principal

	mu  sync.Mutex
	now time.Time
}

func testConfig() config.Config {
	var cfg config.Config
	cfg.Payments.Currency = "eur"
	cfg.Payments.ConsultationCents = 4900
	cfg.Payments.SessionTTL = 30 * time.Minute
	cfg.Scheduling.CompletionGrace = 30 * time.Minute
	return cfg
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock, err := practicetime.New("Europe/Berlin")
	require.NoError(t, err)

	h := &harness{
		apptRepo: appointment.NewMemoryRepository(),
		intents:  NewMemoryRepository(),
		proc:     newFakeProcessor(),
		dir:      &fakeDirectory{doctors: map[uuid.UUID]*directory.Doctor{}, patients: map[uuid.UUID]*directory.Patient{}},
		slots:    publishedSlots{},
		notifier: &recordingNotifier{},
		doctor:   uuid.New(),
		admin:    auth.Admin(uuid.New()),
		now:      nov1,
	}
	h.dir.doctors[h.doctor] = &directory.Doctor{ID: h.doctor, Name: "Dr. Brandt", Active: true}

	cfg := testConfig()
	h.appts = appointment.NewService(h.apptRepo, nil, h.slots, clock, cfg, nil).
		WithCollaborators(nil, h.notifier, h.dir).
		WithClock(h.clock)
	h.orch = booking.NewOrchestrator(h.appts, h.slots, h.dir, nil, cfg, nil, nil).WithClock(h.clock)
	h.rec = NewReconciler(h.intents, h.proc, h.orch, h.appts, nil, cfg, nil, nil).
		WithNotifier(h.notifier).
		WithClock(h.clock)
	return h
}

func (h *harness) clock() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

func (h *harness) advance(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.now = h.now.Add(d)
}

func (h *harness) publish(t *testing.T, day string, slots ...string) time.Time {
	t.Helper()
	d, err := practicetime.ParseDay(day)
	require.NoError(t, err)
	for _, s := range slots {
		h.slots[availability.NewSlotRef(h.doctor, d, s)] = true
	}
	return d
}

func (h *harness) open(t *testing.T, patient uuid.UUID, day time.Time, slot string) *Checkout {
	t.Helper()
	co, err := h.rec.OpenSession(context.Background(), OpenRequest{
		Actor:    auth.Patient(patient),
		DoctorID: h.doctor,
		Day:      day,
		Slot:     slot,
		Country:  "DE",
	})
	require.NoError(t, err)
	return co
}

func (h *harness) confirm(t *testing.T, sessionID, paymentRef string) *Result {
	t.Helper()
	h.proc.pay(sessionID, paymentRef)
	res, err := h.rec.OnPaymentConfirmed(context.Background(), Confirmation{SessionID: sessionID, PaymentRef: paymentRef})
	require.NoError(t, err)
	return res
}

func TestOpenSessionRecordsPendingIntent(t *testing.T) {
	h := newHarness(t)
	day := h.publish(t, "2025-11-10", "09:30")
	patient := h.dir.addPatient("Ada", "ada@example.com")

	co := h.open(t, patient, day, "09:30")
	assert.Equal(t, "https://checkout.example/cs_test_1", co.RedirectURL)
	assert.Equal(t, IntentPending, co.Intent.Status)
	assert.Equal(t, "cs_test_1", co.Intent.SessionID)
	assert.Equal(t, int64(4900), co.Intent.AmountCents)
	assert.Equal(t, nov1.Add(30*time.Minute), co.Intent.ExpiresAt)

	require.Len(t, h.proc.created, 1)
	meta := h.proc.created[0].Metadata
	assert.Equal(t, co.Intent.ID.String(), meta["intent_id"])
	assert.Equal(t, patient.String(), meta["patient_id"])
	assert.Equal(t, "2025-11-10", meta["day"])
	assert.Equal(t, "09:30", meta["slot"])

	// Nothing holds the slot while the patient pays.
	_, err := h.appts.FindActiveForSlot(context.Background(), h.doctor, day, "09:30")
	assert.ErrorIs(t, err, appointment.ErrAppointmentNotFound)
}

func TestOpenSessionRejectsTakenSlotAndGuests(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	day := h.publish(t, "2025-11-10", "09:30")
	first := h.dir.addPatient("Ada", "ada@example.com")
	second := h.dir.addPatient("Grace", "grace@example.com")

	_, err := h.orch.BookDirect(ctx, booking.Request{Actor: auth.Patient(first), DoctorID: h.doctor, Day: day, Slot: "09:30"})
	require.NoError(t, err)

	_, err = h.rec.OpenSession(ctx, OpenRequest{Actor: auth.Patient(second), DoctorID: h.doctor, Day: day, Slot: "09:30"})
	assert.ErrorIs(t, err, appointment.ErrSlotTaken)

	_, err = h.rec.OpenSession(ctx, OpenRequest{DoctorID: h.doctor, Day: day, Slot: "09:30"})
	assert.ErrorIs(t, err, ErrPatientRequired)

	assert.Empty(t, h.proc.created)
}

func TestConfirmMaterializesAppointmentOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	day := h.publish(t, "2025-11-10", "09:30")
	patient := h.dir.addPatient("Ada", "ada@example.com")
	co := h.open(t, patient, day, "09:30")

	res := h.confirm(t, co.Intent.SessionID, "pi_1")
	assert.Equal(t, OutcomeMaterialized, res.Outcome)
	assert.Equal(t, IntentCompleted, res.Intent.Status)
	require.NotNil(t, res.Intent.AppointmentID)
	require.NotNil(t, res.Intent.PaymentRef)
	assert.Equal(t, "pi_1", *res.Intent.PaymentRef)

	a, err := h.appts.GetByPaymentIntent(ctx, co.Intent.ID)
	require.NoError(t, err)
	assert.Equal(t, *res.Intent.AppointmentID, a.ID)
	assert.Equal(t, appointment.StatusUpcoming, a.Status)
	assert.Equal(t, "ada@example.com", a.Contact.Email)

	// Duplicate delivery changes nothing.
	again, err := h.rec.OnPaymentConfirmed(ctx, Confirmation{SessionID: co.Intent.SessionID, PaymentRef: "pi_1"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, again.Outcome)
	assert.Zero(t, h.proc.refundCount())

	list, err := h.appts.List(ctx, h.admin, appointment.Filter{})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestConfirmAfterSlotLostRefunds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	day := h.publish(t, "2025-11-10", "09:30")
	payer := h.dir.addPatient("Ada", "ada@example.com")
	direct := h.dir.addPatient("Grace", "grace@example.com")

	co := h.open(t, payer, day, "09:30")

	winner, err := h.orch.BookDirect(ctx, booking.Request{Actor: auth.Patient(direct), DoctorID: h.doctor, Day: day, Slot: "09:30"})
	require.NoError(t, err)

	res := h.confirm(t, co.Intent.SessionID, "pi_lost")
	assert.Equal(t, OutcomeRefunded, res.Outcome)
	assert.Equal(t, IntentRefunded, res.Intent.Status)
	assert.Nil(t, res.Intent.AppointmentID)
	require.NotNil(t, res.Intent.ErrorCode)
	assert.Equal(t, CodeSlotTakenRefunded, *res.Intent.ErrorCode)
	require.NotNil(t, res.Intent.RefundID)
	assert.Equal(t, "re_pi_lost", *res.Intent.RefundID)

	holder, err := h.appts.FindActiveForSlot(ctx, h.doctor, day, "09:30")
	require.NoError(t, err)
	assert.Equal(t, winner.ID, holder.ID)

	list, err := h.appts.List(ctx, h.admin, appointment.Filter{})
	require.NoError(t, err)
	assert.Len(t, list, 1)
	assert.Contains(t, h.notifier.kinds(), notify.KindPaymentRefunded)

	// A replay after the refund must not refund twice.
	again, err := h.rec.OnPaymentConfirmed(ctx, Confirmation{SessionID: co.Intent.SessionID, PaymentRef: "pi_lost"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, again.Outcome)
	assert.Equal(t, 1, h.proc.refundCount())
}

func TestConfirmRefundFailureMarksIntentFailed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	day := h.publish(t, "2025-11-10", "09:30")
	payer := h.dir.addPatient("Ada", "ada@example.com")
	direct := h.dir.addPatient("Grace", "grace@example.com")

	co := h.open(t, payer, day, "09:30")
	_, err := h.orch.BookDirect(ctx, booking.Request{Actor: auth.Patient(direct), DoctorID: h.doctor, Day: day, Slot: "09:30"})
	require.NoError(t, err)

	h.proc.refundErr = errors.New("processor down")
	res := h.confirm(t, co.Intent.SessionID, "pi_2")
	assert.Equal(t, OutcomeRefundFailed, res.Outcome)
	assert.Equal(t, IntentFailed, res.Intent.Status)
	require.NotNil(t, res.Intent.ErrorCode)
	assert.Equal(t, CodeRefundFailed, *res.Intent.ErrorCode)
	assert.Nil(t, res.Intent.AppointmentID)
	assert.Contains(t, h.intents.Events(), EventRefundFailed)
}

func TestLatePaymentIsRefunded(t *testing.T) {
	h := newHarness(t)
	day := h.publish(t, "2025-11-10", "09:30")
	patient := h.dir.addPatient("Ada", "ada@example.com")
	co := h.open(t, patient, day, "09:30")

	h.advance(31 * time.Minute)
	res := h.confirm(t, co.Intent.SessionID, "pi_late")
	assert.Equal(t, OutcomeLateRefunded, res.Outcome)
	assert.Equal(t, IntentRefunded, res.Intent.Status)
	require.NotNil(t, res.Intent.ErrorCode)
	assert.Equal(t, CodeLatePaymentRefund, *res.Intent.ErrorCode)

	_, err := h.appts.GetByPaymentIntent(context.Background(), co.Intent.ID)
	assert.ErrorIs(t, err, appointment.ErrAppointmentNotFound)
}

func TestSweepExpiredCancelsPendingIntents(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	day := h.publish(t, "2025-11-10", "09:30", "10:00")
	patient := h.dir.addPatient("Ada", "ada@example.com")
	stale := h.open(t, patient, day, "09:30")

	h.advance(20 * time.Minute)
	fresh := h.open(t, patient, day, "10:00")

	h.advance(15 * time.Minute)
	n, err := h.rec.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := h.intents.GetByID(ctx, stale.Intent.ID)
	require.NoError(t, err)
	assert.Equal(t, IntentCancelled, got.Status)

	got, err = h.intents.GetByID(ctx, fresh.Intent.ID)
	require.NoError(t, err)
	assert.Equal(t, IntentPending, got.Status)

	// Money that still arrives for the cancelled session goes back.
	res := h.confirm(t, stale.Intent.SessionID, "pi_after_sweep")
	assert.Equal(t, OutcomeLateRefunded, res.Outcome)
}

func TestOnSessionExpiredIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	day := h.publish(t, "2025-11-10", "09:30")
	patient := h.dir.addPatient("Ada", "ada@example.com")
	co := h.open(t, patient, day, "09:30")

	got, err := h.rec.OnSessionExpired(ctx, co.Intent.SessionID)
	require.NoError(t, err)
	assert.Equal(t, IntentCancelled, got.Status)

	got, err = h.rec.OnSessionExpired(ctx, co.Intent.SessionID)
	require.NoError(t, err)
	assert.Equal(t, IntentCancelled, got.Status)

	_, err = h.rec.OnSessionExpired(ctx, "cs_unknown")
	assert.ErrorIs(t, err, ErrIntentNotFound)
}

func TestOnPaymentFailedRevokesLinkedAppointment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	day := h.publish(t, "2025-11-10", "09:30")
	patient := h.dir.addPatient("Ada", "ada@example.com")
	co := h.open(t, patient, day, "09:30")
	res := h.confirm(t, co.Intent.SessionID, "pi_3")
	require.Equal(t, OutcomeMaterialized, res.Outcome)

	failed, err := h.rec.OnPaymentFailed(ctx, co.Intent.SessionID, "charge disputed")
	require.NoError(t, err)
	assert.Equal(t, IntentFailed, failed.Status)
	require.NotNil(t, failed.ErrorCode)
	assert.Equal(t, CodeAppointmentRevoked, *failed.ErrorCode)

	a, err := h.apptRepo.GetByID(ctx, *res.Intent.AppointmentID)
	require.NoError(t, err)
	assert.Equal(t, appointment.StatusCancelled, a.Status)
}

func TestOnPaymentFailedBeforeBooking(t *testing.T) {
	h := newHarness(t)
	day := h.publish(t, "2025-11-10", "09:30")
	patient := h.dir.addPatient("Ada", "ada@example.com")
	co := h.open(t, patient, day, "09:30")

	failed, err := h.rec.OnPaymentFailed(context.Background(), co.Intent.SessionID, "card declined")
	require.NoError(t, err)
	assert.Equal(t, IntentFailed, failed.Status)
	require.NotNil(t, failed.ErrorCode)
	assert.Equal(t, CodePaymentFailed, *failed.ErrorCode)
	assert.Nil(t, failed.AppointmentID)
}

func TestListIntentsForOperators(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	day := h.publish(t, "2025-11-10", "09:30", "10:00")
	patient := h.dir.addPatient("Ada", "ada@example.com")
	paid := h.open(t, patient, day, "09:30")
	open := h.open(t, patient, day, "10:00")
	h.confirm(t, paid.Intent.SessionID, "pi_list")

	all, err := h.rec.ListIntents(ctx, h.admin, "", 10)
	require.NoError(t, err)
	ids := make([]uuid.UUID, 0, len(all))
	for _, i := range all {
		ids = append(ids, i.ID)
	}
	assert.ElementsMatch(t, []uuid.UUID{paid.Intent.ID, open.Intent.ID}, ids)

	pending, err := h.rec.ListIntents(ctx, h.admin, IntentPending, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, open.Intent.ID, pending[0].ID)

	_, err = h.rec.ListIntents(ctx, auth.Patient(patient), "", 10)
	assert.ErrorIs(t, err, auth.ErrForbidden)

	_, err = h.rec.ListIntents(ctx, h.admin, "settled", 10)
	assert.ErrorIs(t, err, ErrUnknownIntentStatus)
}

func TestConfirmRecoversIntentFromMetadata(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	day := h.publish(t, "2025-11-10", "09:30")
	patient := h.dir.addPatient("Ada", "ada@example.com")

	lost := Intent{
		ID:          uuid.New(),
		PatientID:   patient,
		DoctorID:    h.doctor,
		AmountCents: 4900,
		Currency:    "eur",
		Day:         day,
		Slot:        "09:30",
		Plan:        appointment.PlanConsultation,
		ExpiresAt:   nov1.Add(30 * time.Minute),
	}
	session, err := h.proc.CreateCheckoutSession(ctx, CheckoutRequest{IntentID: lost.ID, Metadata: sessionMetadata(lost)})
	require.NoError(t, err)

	res := h.confirm(t, session.ID, "pi_4")
	assert.Equal(t, OutcomeMaterialized, res.Outcome)
	assert.Equal(t, lost.ID, res.Intent.ID)
	assert.Contains(t, h.intents.Events(), EventIntentRecovered)

	_, err = h.rec.OnPaymentConfirmed(ctx, Confirmation{SessionID: "cs_missing", Metadata: map[string]string{"intent_id": "x"}})
	assert.ErrorIs(t, err, ErrIntentNotFound)
}

func TestReconcileChecksProcessorState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	day := h.publish(t, "2025-11-10", "09:30")
	patient := h.dir.addPatient("Ada", "ada@example.com")
	co := h.open(t, patient, day, "09:30")

	_, err := h.rec.Reconcile(ctx, auth.Patient(patient), co.Intent.SessionID)
	assert.ErrorIs(t, err, auth.ErrForbidden)

	_, err = h.rec.Reconcile(ctx, h.admin, co.Intent.SessionID)
	assert.ErrorIs(t, err, ErrPaymentNotCompleted)

	h.proc.pay(co.Intent.SessionID, "pi_5")
	res, err := h.rec.Reconcile(ctx, h.admin, co.Intent.SessionID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeMaterialized, res.Outcome)
	require.NotNil(t, res.Appointment)
	assert.Equal(t, "09:30", res.Appointment.Slot)
}

func TestIntentFromMetadataRequiresBookingFacts(t *testing.T) {
	i := Intent{
		ID:        uuid.New(),
		PatientID: uuid.New(),
		DoctorID:  uuid.New(),
		Day:       time.Date(2025, 11, 10, 0, 0, 0, 0, time.UTC),
		Slot:      "09:30",
		Plan:      appointment.PlanFollowUp,
		ExpiresAt: nov1,
	}
	meta := sessionMetadata(i)

	got, err := intentFromMetadata(meta)
	require.NoError(t, err)
	assert.Equal(t, i.ID, got.ID)
	assert.Equal(t, i.Day, got.Day)
	assert.Equal(t, appointment.PlanFollowUp, got.Plan)
	assert.True(t, got.ExpiresAt.Equal(nov1))

	delete(meta, "slot")
	_, err = intentFromMetadata(meta)
	assert.ErrorIs(t, err, ErrIncompleteMetadata)
}
