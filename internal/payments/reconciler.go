package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hackgods/telemed-scheduling/internal/appointment"
	"github.com/hackgods/telemed-scheduling/internal/auth"
	"github.com/hackgods/telemed-scheduling/internal/booking"
	"github.com/hackgods/telemed-scheduling/internal/config"
	"github.com/hackgods/telemed-scheduling/internal/directory"
	"github.com/hackgods/telemed-scheduling/internal/notify"
	"github.com/hackgods/telemed-scheduling/internal/observability/metrics"
	"github.com/hackgods/telemed-scheduling/internal/practicetime"
	redisclient "github.com/hackgods/telemed-scheduling/internal/redis"
	"github.com/hackgods/telemed-scheduling/pkg/logging"
)

var (
	ErrPatientRequired     = errors.New("paid bookings need a patient account")
	ErrPaymentNotCompleted = errors.New("payment has not been completed")
	ErrRetryLater          = errors.New("reconciliation busy, retry later")
	ErrUnknownIntentStatus = errors.New("unknown payment intent status")
	ErrIncompleteMetadata  = errors.New("checkout session metadata incomplete")
)

const (
	EventSessionOpened    = "PAYMENT_SESSION_OPENED"
	EventPaymentLinked    = "PAYMENT_APPOINTMENT_CREATED"
	EventPaymentRefunded  = "PAYMENT_REFUNDED"
	EventRefundFailed     = "PAYMENT_REFUND_FAILED"
	EventSessionExpired   = "PAYMENT_SESSION_EXPIRED"
	EventPaymentFailed    = "PAYMENT_FAILED"
	EventIntentRecovered  = "PAYMENT_INTENT_RECOVERED"
	defaultSweepBatchSize = 200
)

type Outcome string

const (
	OutcomeMaterialized Outcome = "materialized"
	OutcomeDuplicate    Outcome = "duplicate"
	OutcomeRefunded     Outcome = "refunded"
	OutcomeLateRefunded Outcome = "late_refunded"
	OutcomeRefundFailed Outcome = "refund_failed"
	OutcomeExpired      Outcome = "expired"
)

// Result is what a confirmation ended in.
type Result struct {
	Outcome     Outcome
	Intent      *Intent
	Appointment *appointment.Appointment
}

// Confirmation is a processor report that a session was paid.
type Confirmation struct {
	SessionID  string
	PaymentRef string
	Metadata   map[string]string
}

type OpenRequest struct {
	Actor     auth.Principal
	PatientID *uuid.UUID
	DoctorID  uuid.UUID
	Day       time.Time
	Slot      string
	Plan      string
	Country   string
}

type Checkout struct {
	Intent      *Intent
	RedirectURL string
}

// Reconciler grants slot ownership and keeps money only together: every
// confirmed payment ends as either a linked appointment or a refund.
type Reconciler struct {
	repo         Repository
	processor    Processor
	booking      *booking.Orchestrator
	appointments *appointment.Service
	notifier     notify.Dispatcher
	locker       redisclient.Locker
	cfg          config.Payments
	metrics      *metrics.SchedulingMetrics
	tracer       trace.Tracer
	log          *logging.Logger
	now          func() time.Time
}

func NewReconciler(
	repo Repository,
	processor Processor,
	orch *booking.Orchestrator,
	appointments *appointment.Service,
	locker redisclient.Locker,
	cfg config.Config,
	m *metrics.SchedulingMetrics,
	logger *logging.Logger,
) *Reconciler {
	if logger == nil {
		logger = logging.Default()
	}
	if locker == nil {
		locker = redisclient.NoopLocker{}
	}
	return &Reconciler{
		repo:         repo,
		processor:    processor,
		booking:      orch,
		appointments: appointments,
		notifier:     notify.NoopDispatcher{},
		locker:       locker,
		cfg:          cfg.Payments,
		metrics:      m,
		tracer:       otel.Tracer("telemed.internal.payments"),
		log:          logger,
		now:          time.Now,
	}
}

func (r *Reconciler) WithNotifier(n notify.Dispatcher) *Reconciler {
	if n != nil {
		r.notifier = n
	}
	return r
}

// WithClock replaces the time source. Used by tests and the simulator.
func (r *Reconciler) WithClock(now func() time.Time) *Reconciler {
	r.now = now
	return r
}

// OpenSession pre-checks the slot, opens a checkout at the processor and
// records a pending intent. The slot is not held while the patient pays.
func (r *Reconciler) OpenSession(ctx context.Context, req OpenRequest) (*Checkout, error) {
	ctx, span := r.tracer.Start(ctx, "payments.open_session")
	defer span.End()
	span.SetAttributes(
		attribute.String("telemed.doctor_id", req.DoctorID.String()),
		attribute.String("telemed.slot", req.Slot),
	)

	if req.Plan == "" {
		req.Plan = appointment.PlanConsultation
	}
	if !appointment.ValidPlan(req.Plan) {
		return nil, booking.ErrInvalidPlan
	}

	holder, err := r.booking.ResolveHolder(ctx, booking.Request{Actor: req.Actor, PatientID: req.PatientID})
	if err != nil {
		if errors.Is(err, booking.ErrMissingContact) {
			return nil, ErrPatientRequired
		}
		return nil, err
	}
	if holder.PatientID == nil {
		return nil, ErrPatientRequired
	}

	day := practicetime.DayKey(req.Day)
	if err := r.booking.CheckSlot(ctx, req.DoctorID, day, req.Slot); err != nil {
		return nil, err
	}

	intent := Intent{
		ID:          uuid.New(),
		PatientID:   *holder.PatientID,
		DoctorID:    req.DoctorID,
		AmountCents: r.cfg.ConsultationCents,
		Currency:    r.cfg.Currency,
		Country:     req.Country,
		Day:         day,
		Slot:        req.Slot,
		Plan:        req.Plan,
		Status:      IntentPending,
		ExpiresAt:   r.now().Add(r.cfg.SessionTTL).UTC(),
	}

	session, err := r.processor.CreateCheckoutSession(ctx, CheckoutRequest{
		IntentID:    intent.ID,
		AmountCents: intent.AmountCents,
		Currency:    intent.Currency,
		Description: "Telemedicine consultation " + practicetime.FormatDay(day) + " " + req.Slot,
		Metadata:    sessionMetadata(intent),
		// The processor rejects windows shorter than its minimum; a late
		// payment in the extra minute is refunded like any other.
		ExpiresAt: intent.ExpiresAt.Add(time.Minute),
	})
	r.metrics.ObserveSideEffect("payment_processor", err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("create checkout session: %w", err)
	}
	intent.SessionID = session.ID

	created, err := r.repo.Create(ctx, intent)
	if errors.Is(err, ErrSessionExists) {
		// an early webhook already rebuilt it from metadata
		created, err = r.repo.GetBySession(ctx, session.ID)
	}
	if err != nil {
		return nil, err
	}

	r.logEvent(ctx, EventSessionOpened, created, nil, nil)
	r.metrics.ObservePayment("session_opened")
	return &Checkout{Intent: created, RedirectURL: session.RedirectURL}, nil
}

// OnPaymentConfirmed reconciles a paid session. It is idempotent: replays of
// an already settled session return OutcomeDuplicate without side effects.
func (r *Reconciler) OnPaymentConfirmed(ctx context.Context, c Confirmation) (*Result, error) {
	ctx, span := r.tracer.Start(ctx, "payments.on_payment_confirmed")
	defer span.End()
	span.SetAttributes(attribute.String("stripe.session_id", c.SessionID))

	var res *Result
	err := r.locker.WithLock(ctx, redisclient.SessionKey(c.SessionID), func(lockCtx context.Context) error {
		var err error
		res, err = r.confirmLocked(lockCtx, c)
		return err
	})
	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			err = ErrRetryLater
		}
		r.metrics.ObservePayment("error")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	r.metrics.ObservePayment(string(res.Outcome))
	span.SetAttributes(attribute.String("telemed.reconcile_outcome", string(res.Outcome)))
	return res, nil
}

func (r *Reconciler) confirmLocked(ctx context.Context, c Confirmation) (*Result, error) {
	intent, err := r.repo.GetBySession(ctx, c.SessionID)
	if errors.Is(err, ErrIntentNotFound) {
		intent, err = r.recoverIntent(ctx, c)
	}
	if err != nil {
		return nil, err
	}

	if intent.AppointmentID != nil || intent.Final() {
		return &Result{Outcome: OutcomeDuplicate, Intent: intent}, nil
	}

	paymentRef := c.PaymentRef
	if paymentRef == "" && intent.PaymentRef != nil {
		paymentRef = *intent.PaymentRef
	}

	// An earlier attempt may have created the appointment but not linked it.
	existing, err := r.appointments.GetByPaymentIntent(ctx, intent.ID)
	switch {
	case err == nil:
		return r.link(ctx, intent, existing, paymentRef)
	case !errors.Is(err, appointment.ErrAppointmentNotFound):
		return nil, fmt.Errorf("check linked appointment: %w", err)
	}

	if intent.Status == IntentCancelled || intent.Expired(r.now()) {
		return r.refund(ctx, intent, paymentRef, true)
	}

	holder, err := r.booking.ResolveHolder(ctx, booking.Request{Actor: auth.Patient(intent.PatientID)})
	if errors.Is(err, directory.ErrPatientNotFound) {
		r.log.Warn("paying patient no longer exists, refunding", "intent_id", intent.ID, "patient_id", intent.PatientID)
		return r.refund(ctx, intent, paymentRef, false)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve patient: %w", err)
	}

	a, err := r.booking.Materialize(ctx, booking.Materialization{
		Holder:          holder,
		DoctorID:        intent.DoctorID,
		Day:             intent.Day,
		Slot:            intent.Slot,
		Plan:            intent.Plan,
		PaymentIntentID: intent.ID,
	})
	switch {
	case err == nil:
		return r.link(ctx, intent, a, paymentRef)
	case errors.Is(err, appointment.ErrSlotBusy):
		return nil, ErrRetryLater
	case errors.Is(err, appointment.ErrPaymentAlreadyLinked):
		existing, gerr := r.appointments.GetByPaymentIntent(ctx, intent.ID)
		if gerr != nil {
			return nil, fmt.Errorf("load linked appointment: %w", gerr)
		}
		return r.link(ctx, intent, existing, paymentRef)
	case errors.Is(err, appointment.ErrSlotTaken), errors.Is(err, practicetime.ErrInvalidTimeInput):
		r.log.Warn("slot lost before payment confirmed, refunding",
			"intent_id", intent.ID, "session_id", intent.SessionID, "error", err)
		return r.refund(ctx, intent, paymentRef, false)
	}
	return nil, fmt.Errorf("materialize appointment: %w", err)
}

func (r *Reconciler) link(ctx context.Context, intent *Intent, a *appointment.Appointment, paymentRef string) (*Result, error) {
	apptID := a.ID
	linked, err := r.repo.Transition(ctx, intent.ID, []IntentStatus{IntentPending, IntentCancelled}, Transition{
		To:            IntentCompleted,
		PaymentRef:    strPtr(paymentRef),
		AppointmentID: &apptID,
	})
	if err != nil {
		return nil, fmt.Errorf("link appointment to intent: %w", err)
	}
	r.logEvent(ctx, EventPaymentLinked, linked, &apptID, nil)
	return &Result{Outcome: OutcomeMaterialized, Intent: linked, Appointment: a}, nil
}

// refund returns the money for a session that cannot produce an appointment.
// A failed refund leaves the intent failed with a code an operator can search for.
func (r *Reconciler) refund(ctx context.Context, intent *Intent, paymentRef string, late bool) (*Result, error) {
	code, failCode, outcome := CodeSlotTakenRefunded, CodeRefundFailed, OutcomeRefunded
	if late {
		code, failCode, outcome = CodeLatePaymentRefund, CodeLateRefundFailed, OutcomeLateRefunded
	}
	from := []IntentStatus{IntentPending, IntentCancelled}

	refundID, err := r.processor.Refund(ctx, paymentRef, code)
	r.metrics.ObserveSideEffect("payment_refund", err)
	if err != nil {
		r.log.Error("refund failed, manual follow-up required",
			"intent_id", intent.ID, "session_id", intent.SessionID, "payment_ref", paymentRef, "error", err)
		failed, terr := r.repo.Transition(ctx, intent.ID, from, Transition{
			To:           IntentFailed,
			PaymentRef:   strPtr(paymentRef),
			ErrorCode:    &failCode,
			ErrorMessage: strPtr(err.Error()),
		})
		if terr != nil {
			return nil, fmt.Errorf("record refund failure: %w", terr)
		}
		r.logEvent(ctx, EventRefundFailed, failed, nil, map[string]any{"error_code": failCode})
		return &Result{Outcome: OutcomeRefundFailed, Intent: failed}, nil
	}

	refunded, err := r.repo.Transition(ctx, intent.ID, from, Transition{
		To:         IntentRefunded,
		PaymentRef: strPtr(paymentRef),
		RefundID:   &refundID,
		ErrorCode:  &code,
	})
	if err != nil {
		return nil, fmt.Errorf("record refund: %w", err)
	}
	r.logEvent(ctx, EventPaymentRefunded, refunded, nil, map[string]any{"refund_id": refundID, "error_code": code})
	r.notifyRefund(ctx, refunded, code)
	return &Result{Outcome: outcome, Intent: refunded}, nil
}

// recoverIntent rebuilds a missing intent row from the metadata stored on the session.
func (r *Reconciler) recoverIntent(ctx context.Context, c Confirmation) (*Intent, error) {
	meta := c.Metadata
	if len(meta) == 0 {
		state, err := r.processor.RetrieveSession(ctx, c.SessionID)
		if err != nil {
			return nil, fmt.Errorf("retrieve session: %w", err)
		}
		meta = state.Metadata
	}

	intent, err := intentFromMetadata(meta)
	if err != nil {
		return nil, fmt.Errorf("%w: session %s: %v", ErrIntentNotFound, c.SessionID, err)
	}
	intent.SessionID = c.SessionID
	if intent.AmountCents == 0 {
		intent.AmountCents = r.cfg.ConsultationCents
	}
	if intent.Currency == "" {
		intent.Currency = r.cfg.Currency
	}

	created, err := r.repo.Create(ctx, intent)
	if errors.Is(err, ErrSessionExists) {
		return r.repo.GetBySession(ctx, c.SessionID)
	}
	if err != nil {
		return nil, err
	}
	r.log.Warn("payment intent recovered from session metadata", "intent_id", created.ID, "session_id", c.SessionID)
	r.logEvent(ctx, EventIntentRecovered, created, nil, nil)
	return created, nil
}

// OnSessionExpired closes a pending intent. Nothing else exists to clean up.
func (r *Reconciler) OnSessionExpired(ctx context.Context, sessionID string) (*Intent, error) {
	var out *Intent
	err := r.locker.WithLock(ctx, redisclient.SessionKey(sessionID), func(lockCtx context.Context) error {
		intent, err := r.repo.GetBySession(lockCtx, sessionID)
		if err != nil {
			return err
		}
		out, err = r.expire(lockCtx, intent)
		return err
	})
	if errors.Is(err, redisclient.ErrLockNotAcquired) {
		return nil, ErrRetryLater
	}
	return out, err
}

func (r *Reconciler) expire(ctx context.Context, intent *Intent) (*Intent, error) {
	cancelled, err := r.repo.Transition(ctx, intent.ID, []IntentStatus{IntentPending}, Transition{To: IntentCancelled})
	if errors.Is(err, ErrIntentChanged) {
		return r.repo.GetByID(ctx, intent.ID)
	}
	if err != nil {
		return nil, err
	}
	r.logEvent(ctx, EventSessionExpired, cancelled, nil, nil)
	r.metrics.ObservePayment(string(OutcomeExpired))
	return cancelled, nil
}

// OnPaymentFailed marks the intent failed and revokes an appointment that was
// somehow already linked to it.
func (r *Reconciler) OnPaymentFailed(ctx context.Context, sessionID, reason string) (*Intent, error) {
	var out *Intent
	err := r.locker.WithLock(ctx, redisclient.SessionKey(sessionID), func(lockCtx context.Context) error {
		intent, err := r.repo.GetBySession(lockCtx, sessionID)
		if err != nil {
			return err
		}

		code := CodePaymentFailed
		if intent.AppointmentID != nil {
			code = CodeAppointmentRevoked
		}
		failed, err := r.repo.Transition(lockCtx, intent.ID, []IntentStatus{IntentPending, IntentCompleted}, Transition{
			To:           IntentFailed,
			ErrorCode:    &code,
			ErrorMessage: strPtr(reason),
		})
		if errors.Is(err, ErrIntentChanged) {
			out = intent
			return nil
		}
		if err != nil {
			return err
		}
		out = failed

		if failed.AppointmentID != nil {
			_, cerr := r.appointments.CancelBySystem(lockCtx, *failed.AppointmentID, "payment failed")
			if cerr != nil && !errors.Is(cerr, appointment.ErrAlreadyCancelled) {
				return fmt.Errorf("cancel appointment after payment failure: %w", cerr)
			}
		}
		r.logEvent(lockCtx, EventPaymentFailed, failed, failed.AppointmentID, map[string]any{"reason": reason})
		r.metrics.ObservePayment("failed")
		return nil
	})
	if errors.Is(err, redisclient.ErrLockNotAcquired) {
		return nil, ErrRetryLater
	}
	return out, err
}

// SessionForIntent resolves the session of an intent referenced from a
// processor object that only carries our metadata.
func (r *Reconciler) SessionForIntent(ctx context.Context, intentID uuid.UUID) (string, error) {
	intent, err := r.repo.GetByID(ctx, intentID)
	if err != nil {
		return "", err
	}
	return intent.SessionID, nil
}

// ListIntents is the operator view of recent payment intents, newest first.
// An empty status lists every state.
func (r *Reconciler) ListIntents(ctx context.Context, actor auth.Principal, status IntentStatus, limit int) ([]Intent, error) {
	if !actor.IsAdmin() && !actor.IsSystem() {
		return nil, auth.ErrForbidden
	}
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownIntentStatus, status)
	}
	intents, err := r.repo.List(ctx, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list payment intents: %w", err)
	}
	return intents, nil
}

// Reconcile is the operator path for when callbacks are unavailable. The
// processor is asked for the session state before anything is materialized.
func (r *Reconciler) Reconcile(ctx context.Context, actor auth.Principal, sessionID string) (*Result, error) {
	if !actor.IsAdmin() && !actor.IsSystem() {
		return nil, auth.ErrForbidden
	}

	state, err := r.processor.RetrieveSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("retrieve session: %w", err)
	}

	switch {
	case state.Paid():
		return r.OnPaymentConfirmed(ctx, Confirmation{SessionID: sessionID, PaymentRef: state.PaymentRef, Metadata: state.Metadata})
	case state.Status == "expired":
		intent, err := r.OnSessionExpired(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		return &Result{Outcome: OutcomeExpired, Intent: intent}, nil
	}
	return nil, ErrPaymentNotCompleted
}

// SweepExpired cancels pending intents whose checkout window has closed.
// Each intent is expired under its session lock so a concurrent
// confirmation either wins completely or sees the cancelled intent.
func (r *Reconciler) SweepExpired(ctx context.Context) (int, error) {
	due, err := r.repo.FindExpiredPending(ctx, r.now(), defaultSweepBatchSize)
	if err != nil {
		return 0, err
	}

	swept := 0
	for i := range due {
		intent := &due[i]
		err := r.locker.WithLock(ctx, redisclient.SessionKey(intent.SessionID), func(lockCtx context.Context) error {
			out, err := r.expire(lockCtx, intent)
			if err == nil && out.Status == IntentCancelled {
				swept++
			}
			return err
		})
		if err != nil && !errors.Is(err, redisclient.ErrLockNotAcquired) {
			r.log.Warn("expire payment intent failed", "intent_id", intent.ID, "error", err)
		}
	}
	return swept, nil
}

func (r *Reconciler) notifyRefund(ctx context.Context, intent *Intent, reason string) {
	holder, err := r.booking.ResolveHolder(ctx, booking.Request{Actor: auth.Patient(intent.PatientID)})
	if err != nil {
		r.log.Warn("refund notice skipped", "intent_id", intent.ID, "error", err)
		return
	}
	err = r.notifier.Send(ctx, notify.Message{
		Kind: notify.KindPaymentRefunded,
		Recipient: notify.Recipient{
			Name:  holder.Contact.Name,
			Email: holder.Contact.Email,
			Phone: holder.Contact.Phone,
		},
		Locale: holder.Locale,
		Data: map[string]string{
			"patient": holder.Contact.Name,
			"day":     practicetime.FormatDay(intent.Day),
			"time":    intent.Slot,
			"reason":  reason,
		},
	})
	r.metrics.ObserveSideEffect("notify", err)
	if err != nil {
		r.log.Warn("refund notice failed", "intent_id", intent.ID, "error", err)
	}
}

func sessionMetadata(i Intent) map[string]string {
	return map[string]string{
		"intent_id":    i.ID.String(),
		"patient_id":   i.PatientID.String(),
		"doctor_id":    i.DoctorID.String(),
		"day":          practicetime.FormatDay(i.Day),
		"slot":         i.Slot,
		"plan":         i.Plan,
		"amount_cents": strconv.FormatInt(i.AmountCents, 10),
		"currency":     i.Currency,
		"expires_at":   i.ExpiresAt.UTC().Format(time.RFC3339),
	}
}

func intentFromMetadata(m map[string]string) (Intent, error) {
	var (
		i   Intent
		err error
	)
	if i.ID, err = uuid.Parse(m["intent_id"]); err != nil {
		return Intent{}, fmt.Errorf("%w: intent_id", ErrIncompleteMetadata)
	}
	if i.PatientID, err = uuid.Parse(m["patient_id"]); err != nil {
		return Intent{}, fmt.Errorf("%w: patient_id", ErrIncompleteMetadata)
	}
	if i.DoctorID, err = uuid.Parse(m["doctor_id"]); err != nil {
		return Intent{}, fmt.Errorf("%w: doctor_id", ErrIncompleteMetadata)
	}
	if i.Day, err = practicetime.ParseDay(m["day"]); err != nil {
		return Intent{}, fmt.Errorf("%w: day", ErrIncompleteMetadata)
	}
	if !practicetime.ValidSlot(m["slot"]) {
		return Intent{}, fmt.Errorf("%w: slot", ErrIncompleteMetadata)
	}
	i.Slot = m["slot"]
	i.Plan = m["plan"]
	if i.Plan == "" {
		i.Plan = appointment.PlanConsultation
	}
	if i.ExpiresAt, err = time.Parse(time.RFC3339, m["expires_at"]); err != nil {
		return Intent{}, fmt.Errorf("%w: expires_at", ErrIncompleteMetadata)
	}
	if v := m["amount_cents"]; v != "" {
		if i.AmountCents, err = strconv.ParseInt(v, 10, 64); err != nil {
			return Intent{}, fmt.Errorf("%w: amount_cents", ErrIncompleteMetadata)
		}
	}
	i.Currency = m["currency"]
	i.Status = IntentPending
	return i, nil
}

func (r *Reconciler) logEvent(ctx context.Context, eventType string, intent *Intent, appointmentID *uuid.UUID, extra map[string]any) {
	payload := map[string]any{
		"intent_id":  intent.ID.String(),
		"session_id": intent.SessionID,
		"status":     intent.Status,
	}
	for k, v := range extra {
		payload[k] = v
	}
	data, err := json.Marshal(payload)
	if err != nil {
		r.log.Warn("failed to marshal event payload", "event_type", eventType, "error", err)
		data = nil
	}

	if err := r.repo.InsertEvent(ctx, EventLog{
		EventType:     eventType,
		AppointmentID: appointmentID,
		Payload:       data,
		CreatedAt:     r.now(),
	}); err != nil {
		r.log.Warn("failed to insert event log", "event_type", eventType, "intent_id", intent.ID, "error", err)
	}
}
