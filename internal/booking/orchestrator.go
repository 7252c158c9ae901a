// Package booking turns a slot request into a held appointment. It is the
// only place that decides whether a slot can be taken right now.
package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hackgods/telemed-scheduling/internal/appointment"
	"github.com/hackgods/telemed-scheduling/internal/auth"
	"github.com/hackgods/telemed-scheduling/internal/config"
	"github.com/hackgods/telemed-scheduling/internal/directory"
	"github.com/hackgods/telemed-scheduling/internal/notify"
	"github.com/hackgods/telemed-scheduling/internal/observability/metrics"
	"github.com/hackgods/telemed-scheduling/internal/practicetime"
	redisclient "github.com/hackgods/telemed-scheduling/internal/redis"
	"github.com/hackgods/telemed-scheduling/pkg/logging"
)

var (
	ErrDoctorUnavailable = errors.New("doctor is not accepting bookings")
	ErrMissingContact    = errors.New("guest bookings need a name and an email or phone")
	ErrInvalidPlan       = errors.New("unknown appointment plan")
)

// Directory is the subset of the doctor/patient registry booking needs.
type Directory interface {
	GetDoctorByID(ctx context.Context, id uuid.UUID) (*directory.Doctor, error)
	GetPatientByID(ctx context.Context, id uuid.UUID) (*directory.Patient, error)
}

// Request describes a slot booking. Patients book for themselves, admins
// name the patient, anonymous callers provide Guest contact details.
type Request struct {
	Actor         auth.Principal
	PatientID     *uuid.UUID
	Guest         *appointment.Contact
	Locale        string
	DoctorID      uuid.UUID
	Day           time.Time
	Slot          string
	Plan          string
	VideoOverride bool
}

// Holder is who the appointment is for once Request has been resolved.
type Holder struct {
	PatientID *uuid.UUID
	Contact   appointment.Contact
	Locale    string
}

type Orchestrator struct {
	appointments *appointment.Service
	catalog      appointment.SlotCatalog
	directory    Directory
	locker       redisclient.Locker
	clock        *practicetime.Converter
	cfg          config.Config
	metrics      *metrics.SchedulingMetrics
	tracer       trace.Tracer
	log          *logging.Logger
	now          func() time.Time
}

func NewOrchestrator(
	appointments *appointment.Service,
	catalog appointment.SlotCatalog,
	dir Directory,
	locker redisclient.Locker,
	cfg config.Config,
	m *metrics.SchedulingMetrics,
	logger *logging.Logger,
) *Orchestrator {
	if logger == nil {
		logger = logging.Default()
	}
	if locker == nil {
		locker = redisclient.NoopLocker{}
	}
	return &Orchestrator{
		appointments: appointments,
		catalog:      catalog,
		directory:    dir,
		locker:       locker,
		clock:        appointments.Clock(),
		cfg:          cfg,
		metrics:      m,
		tracer:       otel.Tracer("telemed.internal.booking"),
		log:          logger,
		now:          time.Now,
	}
}

// WithClock replaces the time source.
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

// CheckSlot runs every precondition of a booking without taking the slot.
// The payment path calls it before opening a checkout session.
func (o *Orchestrator) CheckSlot(ctx context.Context, doctorID uuid.UUID, day time.Time, slot string) error {
	doctor, err := o.directory.GetDoctorByID(ctx, doctorID)
	if err != nil {
		if errors.Is(err, directory.ErrDoctorNotFound) {
			return err
		}
		return fmt.Errorf("load doctor: %w", err)
	}
	if !doctor.Active {
		return ErrDoctorUnavailable
	}

	day = practicetime.DayKey(day)
	startsAt, err := o.clock.ToAbsoluteInstant(day, slot)
	if err != nil {
		return err
	}
	if startsAt.Before(o.now().Add(o.cfg.Scheduling.BookingBuffer)) {
		return appointment.ErrPastDate
	}

	published, err := o.catalog.IsPublished(ctx, doctorID, day, slot)
	if err != nil {
		return fmt.Errorf("check availability: %w", err)
	}
	if !published {
		return appointment.ErrNotAvailable
	}

	return o.ensureFree(ctx, doctorID, day, slot)
}

func (o *Orchestrator) ensureFree(ctx context.Context, doctorID uuid.UUID, day time.Time, slot string) error {
	_, err := o.appointments.FindActiveForSlot(ctx, doctorID, day, slot)
	switch {
	case err == nil:
		return appointment.ErrSlotTaken
	case errors.Is(err, appointment.ErrAppointmentNotFound):
		return nil
	default:
		return fmt.Errorf("check slot: %w", err)
	}
}

// ResolveHolder works out who the booking is for. Patients always book for
// themselves; admins must name a patient; anonymous callers are guests.
func (o *Orchestrator) ResolveHolder(ctx context.Context, req Request) (Holder, error) {
	var patientID *uuid.UUID
	switch {
	case req.Actor.Role == auth.RolePatient:
		id := req.Actor.ID
		patientID = &id
	case req.Actor.IsAdmin() && req.PatientID != nil:
		patientID = req.PatientID
	case req.Actor.IsZero() || req.Actor.IsAdmin():
		return guestHolder(req)
	default:
		return Holder{}, auth.ErrForbidden
	}

	p, err := o.directory.GetPatientByID(ctx, *patientID)
	if err != nil {
		if errors.Is(err, directory.ErrPatientNotFound) {
			return Holder{}, err
		}
		return Holder{}, fmt.Errorf("load patient: %w", err)
	}
	email, phone := p.Contact()
	locale := req.Locale
	if locale == "" {
		locale = p.Locale
	}
	return Holder{
		PatientID: patientID,
		Contact:   appointment.Contact{Name: p.Name, Email: email, Phone: phone},
		Locale:    locale,
	}, nil
}

func guestHolder(req Request) (Holder, error) {
	if req.Guest == nil {
		return Holder{}, ErrMissingContact
	}
	c := appointment.Contact{
		Name:  strings.TrimSpace(req.Guest.Name),
		Email: strings.TrimSpace(req.Guest.Email),
		Phone: strings.TrimSpace(req.Guest.Phone),
	}
	if c.Name == "" || (c.Email == "" && c.Phone == "") {
		return Holder{}, ErrMissingContact
	}
	return Holder{Contact: c, Locale: req.Locale}, nil
}

// BookDirect books a slot with no payment step. Exactly one of any number of
// concurrent requests for the same slot succeeds; the rest get ErrSlotTaken
// or ErrSlotBusy.
func (o *Orchestrator) BookDirect(ctx context.Context, req Request) (*appointment.Appointment, error) {
	ctx, span := o.tracer.Start(ctx, "booking.direct")
	defer span.End()
	span.SetAttributes(
		attribute.String("telemed.doctor_id", req.DoctorID.String()),
		attribute.String("telemed.day", practicetime.FormatDay(req.Day)),
		attribute.String("telemed.slot", req.Slot),
	)
	start := time.Now()
	defer func() { o.metrics.ObserveLatency("book_direct", time.Since(start).Seconds()) }()

	a, err := o.bookDirect(ctx, req)
	o.metrics.ObserveBooking("direct", outcome(err))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("telemed.appointment_id", a.ID.String()))
	return a, nil
}

func (o *Orchestrator) bookDirect(ctx context.Context, req Request) (*appointment.Appointment, error) {
	if req.Plan != "" && !appointment.ValidPlan(req.Plan) {
		return nil, ErrInvalidPlan
	}
	holder, err := o.ResolveHolder(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := o.CheckSlot(ctx, req.DoctorID, req.Day, req.Slot); err != nil {
		return nil, err
	}

	status := appointment.StatusUpcoming
	if o.cfg.Scheduling.DoctorConfirmation {
		status = appointment.StatusPending
	}

	a, err := o.create(ctx, appointment.NewAppointment{
		PatientID:     holder.PatientID,
		Contact:       holder.Contact,
		Locale:        holder.Locale,
		DoctorID:      req.DoctorID,
		Day:           req.Day,
		Slot:          req.Slot,
		Plan:          req.Plan,
		Status:        status,
		VideoOverride: req.VideoOverride,
	})
	if err != nil {
		return nil, err
	}
	return o.afterCreate(ctx, a), nil
}

// Materialization is a paid booking whose payment has been confirmed.
type Materialization struct {
	Holder          Holder
	DoctorID        uuid.UUID
	Day             time.Time
	Slot            string
	Plan            string
	VideoOverride   bool
	PaymentIntentID uuid.UUID
}

// Materialize creates the appointment for a confirmed payment. It re-checks
// the slot but skips the booking buffer: the patient was inside it when they
// started paying.
func (o *Orchestrator) Materialize(ctx context.Context, m Materialization) (*appointment.Appointment, error) {
	ctx, span := o.tracer.Start(ctx, "booking.materialize")
	defer span.End()
	span.SetAttributes(
		attribute.String("telemed.doctor_id", m.DoctorID.String()),
		attribute.String("telemed.payment_intent_id", m.PaymentIntentID.String()),
	)

	intentID := m.PaymentIntentID
	a, err := o.create(ctx, appointment.NewAppointment{
		PatientID:       m.Holder.PatientID,
		Contact:         m.Holder.Contact,
		Locale:          m.Holder.Locale,
		DoctorID:        m.DoctorID,
		Day:             m.Day,
		Slot:            m.Slot,
		Plan:            m.Plan,
		Status:          appointment.StatusUpcoming,
		VideoOverride:   m.VideoOverride,
		PaymentIntentID: &intentID,
	})
	o.metrics.ObserveBooking("paid", outcome(err))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return o.afterCreate(ctx, a), nil
}

// create holds the slot lock while re-checking and inserting. The unique
// index is what finally decides; the lock only keeps losers off the database.
func (o *Orchestrator) create(ctx context.Context, n appointment.NewAppointment) (*appointment.Appointment, error) {
	day := practicetime.DayKey(n.Day)
	var created *appointment.Appointment

	err := o.locker.WithLock(ctx, redisclient.SlotKey(n.DoctorID, day, n.Slot), func(lockCtx context.Context) error {
		if err := o.ensureFree(lockCtx, n.DoctorID, day, n.Slot); err != nil {
			return err
		}
		a, err := o.appointments.Create(lockCtx, n)
		if err != nil {
			return err
		}
		created = a
		return nil
	})
	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, appointment.ErrSlotBusy
		}
		return nil, err
	}

	o.log.Info("appointment booked",
		"appointment_id", created.ID,
		"doctor_id", created.DoctorID,
		"day", practicetime.FormatDay(created.Day),
		"slot", created.Slot,
		"status", created.Status,
	)
	return created, nil
}

// afterCreate runs the best-effort side effects. None of them can undo the booking.
func (o *Orchestrator) afterCreate(ctx context.Context, a *appointment.Appointment) *appointment.Appointment {
	a = o.appointments.ProvisionRoom(ctx, a)
	o.appointments.Notify(ctx, notify.KindBookingConfirmation, a, nil)
	o.appointments.NotifyPractice(ctx, a)
	return a
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "booked"
	case errors.Is(err, appointment.ErrSlotTaken), errors.Is(err, appointment.ErrSlotBusy):
		return "slot_taken"
	case errors.Is(err, appointment.ErrNotAvailable), errors.Is(err, appointment.ErrPastDate):
		return "unavailable"
	case errors.Is(err, practicetime.ErrInvalidTimeInput), errors.Is(err, ErrMissingContact), errors.Is(err, ErrInvalidPlan):
		return "invalid"
	}
	return "error"
}
