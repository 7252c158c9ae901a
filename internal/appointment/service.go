package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/telemed-scheduling/internal/auth"
	"github.com/hackgods/telemed-scheduling/internal/config"
	"github.com/hackgods/telemed-scheduling/internal/directory"
	"github.com/hackgods/telemed-scheduling/internal/notify"
	"github.com/hackgods/telemed-scheduling/internal/observability/metrics"
	"github.com/hackgods/telemed-scheduling/internal/practicetime"
	redisclient "github.com/hackgods/telemed-scheduling/internal/redis"
	"github.com/hackgods/telemed-scheduling/internal/video"
	"github.com/hackgods/telemed-scheduling/pkg/logging"
)

const (
	EventAppointmentCreated     = "APPOINTMENT_CREATED"
	EventAppointmentConfirmed   = "APPOINTMENT_CONFIRMED"
	EventAppointmentCancelled   = "APPOINTMENT_CANCELLED"
	EventAppointmentCompleted   = "APPOINTMENT_COMPLETED"
	EventAppointmentRescheduled = "APPOINTMENT_RESCHEDULED"
	EventAppointmentDeleted     = "APPOINTMENT_DELETED"
	EventRoomProvisioned        = "APPOINTMENT_ROOM_PROVISIONED"
	EventReminderSent           = "APPOINTMENT_REMINDER_SENT"
)

var (
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrAlreadyCancelled   = errors.New("appointment is already cancelled")
	ErrAlreadyCompleted   = errors.New("appointment is already completed")
	ErrPastDate           = errors.New("target time is in the past")
	ErrNotAvailable       = errors.New("slot is not offered by the doctor")
	ErrCancellationClosed = errors.New("appointment can no longer be changed by the patient")
	ErrSlotBusy           = errors.New("slot is currently being booked, please retry")
	ErrSameSlot           = errors.New("appointment is already at this slot")
	ErrInvalidFilter      = errors.New("invalid appointment filter")
)

const sweepBatch = 200

// SlotCatalog answers whether a doctor offers a slot on a day.
type SlotCatalog interface {
	IsPublished(ctx context.Context, doctorID uuid.UUID, day time.Time, slot string) (bool, error)
}

// DoctorLookup resolves display names for notifications.
type DoctorLookup interface {
	GetDoctorByID(ctx context.Context, id uuid.UUID) (*directory.Doctor, error)
}

type Service struct {
	repo     Repository
	locker   redisclient.Locker
	catalog  SlotCatalog
	clock    *practicetime.Converter
	policy   VideoPolicy
	window   JoinWindow
	rooms    video.Provisioner
	notifier notify.Dispatcher
	doctors  DoctorLookup
	metrics  *metrics.SchedulingMetrics
	cfg      config.Config
	log      *logging.Logger
	now      func() time.Time
}

func NewService(repo Repository, locker redisclient.Locker, catalog SlotCatalog, clock *practicetime.Converter, cfg config.Config, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Default()
	}
	if locker == nil {
		locker = redisclient.NoopLocker{}
	}
	return &Service{
		repo:     repo,
		locker:   locker,
		catalog:  catalog,
		clock:    clock,
		policy:   NewVideoPolicy(cfg.Scheduling.VideoAlwaysDoctors, clock),
		window:   JoinWindow{Before: cfg.Scheduling.JoinWindowBefore, Duration: cfg.Scheduling.JoinWindowDuration},
		notifier: notify.NoopDispatcher{},
		cfg:      cfg,
		log:      logger,
		now:      time.Now,
	}
}

// WithCollaborators wires the best-effort side effects. Nil values are skipped.
func (s *Service) WithCollaborators(rooms video.Provisioner, notifier notify.Dispatcher, doctors DoctorLookup) *Service {
	s.rooms = rooms
	if notifier != nil {
		s.notifier = notifier
	}
	s.doctors = doctors
	return s
}

func (s *Service) WithMetrics(m *metrics.SchedulingMetrics) *Service {
	s.metrics = m
	return s
}

// WithClock replaces the time source. Used by tests and the simulator.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) Clock() *practicetime.Converter { return s.clock }

func (s *Service) Policy() VideoPolicy { return s.policy }

// Joinability evaluates the join window at the current time.
func (s *Service) Joinability(a *Appointment) (joinable, hasPassed bool) {
	now := s.now()
	return s.window.Joinable(a, now), s.window.HasPassed(a, now)
}

// Create persists a new appointment. Start instant, video flag and token are
// derived here; the storage constraint decides slot ownership.
func (s *Service) Create(ctx context.Context, n NewAppointment) (*Appointment, error) {
	n.Day = practicetime.DayKey(n.Day)
	startsAt, err := s.clock.ToAbsoluteInstant(n.Day, n.Slot)
	if err != nil {
		return nil, err
	}
	n.StartsAt = startsAt
	n.RequiresVideo = s.policy.RequiresVideo(n.DoctorID, startsAt, n.VideoOverride)
	if n.Plan == "" {
		n.Plan = PlanConsultation
	}
	if n.Status == "" {
		n.Status = StatusUpcoming
	}
	if n.Locale == "" {
		n.Locale = "de"
	}
	if n.ManagementToken == "" {
		if n.ManagementToken, err = NewManagementToken(); err != nil {
			return nil, err
		}
	}

	a, err := s.repo.Create(ctx, n)
	if err != nil {
		return nil, err
	}

	payload := map[string]any{
		"doctor_id":      a.DoctorID.String(),
		"day":            practicetime.FormatDay(a.Day),
		"slot":           a.Slot,
		"status":         a.Status,
		"requires_video": a.RequiresVideo,
	}
	if a.PaymentIntentID != nil {
		payload["payment_intent_id"] = a.PaymentIntentID.String()
	}
	s.logEvent(ctx, a.ID, EventAppointmentCreated, payload)
	s.metrics.ObserveTransition(string(a.Status), "create")
	return a, nil
}

// Get returns the appointment if actor may see it. Other parties' appointments
// are reported as not found.
func (s *Service) Get(ctx context.Context, actor auth.Principal, id uuid.UUID) (*Appointment, error) {
	a, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !visibleTo(a, actor) {
		return nil, ErrAppointmentNotFound
	}
	return s.settle(ctx, a), nil
}

// GetByToken resolves a management link.
func (s *Service) GetByToken(ctx context.Context, token string) (*Appointment, error) {
	a, err := s.loadByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	return s.settle(ctx, a), nil
}

// GetByPaymentIntent is used by reconciliation to detect replays.
func (s *Service) GetByPaymentIntent(ctx context.Context, intentID uuid.UUID) (*Appointment, error) {
	return s.repo.GetByPaymentIntent(ctx, intentID)
}

// FindActiveForSlot returns the appointment holding the slot, if any.
func (s *Service) FindActiveForSlot(ctx context.Context, doctorID uuid.UUID, day time.Time, slot string) (*Appointment, error) {
	return s.repo.FindActiveForSlot(ctx, doctorID, practicetime.DayKey(day), slot)
}

// List scopes the filter to the actor: patients see their own, doctors their
// own schedule, admins everything.
func (s *Service) List(ctx context.Context, actor auth.Principal, f Filter) ([]Appointment, error) {
	switch {
	case actor.IsAdmin() || actor.IsSystem():
	case actor.Role == auth.RoleDoctor:
		f.DoctorID = &actor.ID
	case actor.Role == auth.RolePatient:
		f.PatientID = &actor.ID
	default:
		return nil, auth.ErrForbidden
	}
	for _, st := range f.Statuses {
		if !st.Valid() {
			return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidFilter, st)
		}
	}
	if len(f.Statuses) > 0 {
		if err := s.settleScope(ctx, f); err != nil {
			return nil, err
		}
	}

	list, err := s.repo.List(ctx, f)
	if err != nil {
		return nil, err
	}
	out := list[:0]
	for i := range list {
		a := s.settle(ctx, &list[i])
		if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, a.Status) {
			continue
		}
		out = append(out, *a)
	}
	return out, nil
}

// settleScope completes the open appointments in f's scope whose grace period
// has elapsed, so a status filter sees the derived status and pagination
// stays stable.
func (s *Service) settleScope(ctx context.Context, f Filter) error {
	cutoff := s.clock.DayOf(s.now().Add(-s.cfg.Scheduling.CompletionGrace))
	if !f.From.IsZero() && f.From.After(cutoff) {
		return nil
	}

	due := f
	due.Statuses = []Status{StatusUpcoming, StatusConfirmed}
	due.Limit, due.Offset = 0, 0
	if due.To.IsZero() || due.To.After(cutoff) {
		due.To = cutoff
	}

	open, err := s.repo.List(ctx, due)
	if err != nil {
		return fmt.Errorf("settle appointments: %w", err)
	}
	for i := range open {
		s.settle(ctx, &open[i])
	}
	return nil
}

// Confirm moves a pending appointment to confirmed. Only the doctor or an admin may confirm.
func (s *Service) Confirm(ctx context.Context, actor auth.Principal, id uuid.UUID) (*Appointment, error) {
	a, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !visibleTo(a, actor) {
		return nil, ErrAppointmentNotFound
	}
	if !actor.IsAdmin() && !actor.IsDoctor(a.DoctorID) {
		return nil, auth.ErrForbidden
	}
	if a.Status != StatusPending {
		return nil, ErrInvalidTransition
	}

	updated, err := s.repo.UpdateStatus(ctx, a.ID, []Status{StatusPending}, StatusChange{To: StatusConfirmed, At: s.now()})
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, ErrInvalidTransition
		}
		return nil, fmt.Errorf("confirm appointment: %w", err)
	}

	s.logEvent(ctx, updated.ID, EventAppointmentConfirmed, map[string]any{"actor": actor.String()})
	s.metrics.ObserveTransition(string(StatusConfirmed), "manual")
	return updated, nil
}

// Cancel is allowed for the owning patient, the doctor or an admin. Patients
// cannot cancel once the cancellation cutoff before start has passed.
func (s *Service) Cancel(ctx context.Context, actor auth.Principal, id uuid.UUID, reason string) (*Appointment, error) {
	a, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !visibleTo(a, actor) {
		return nil, ErrAppointmentNotFound
	}
	return s.cancel(ctx, s.settle(ctx, a), actor.String(), actor.Role == auth.RolePatient, reason)
}

// CancelByToken cancels on behalf of whoever holds the management link.
func (s *Service) CancelByToken(ctx context.Context, token, reason string) (*Appointment, error) {
	a, err := s.loadByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	return s.cancel(ctx, s.settle(ctx, a), "patient:management_link", true, reason)
}

// CancelBySystem is used by reconciliation when a linked payment fails.
func (s *Service) CancelBySystem(ctx context.Context, id uuid.UUID, reason string) (*Appointment, error) {
	a, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.cancel(ctx, a, auth.System.String(), false, reason)
}

func (s *Service) cancel(ctx context.Context, a *Appointment, actor string, patientInitiated bool, reason string) (*Appointment, error) {
	if err := closedStatusError(a.Status); err != nil {
		return nil, err
	}
	now := s.now()
	if patientInitiated && !now.Before(a.StartsAt.Add(-s.cfg.Scheduling.CancellationCutoff)) {
		return nil, ErrCancellationClosed
	}

	change := StatusChange{To: StatusCancelled, At: now, Actor: &actor}
	if reason != "" {
		change.Reason = &reason
	}

	updated, err := s.repo.UpdateStatus(ctx, a.ID, OpenStatuses, change)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, s.raceError(ctx, a.ID)
		}
		return nil, fmt.Errorf("cancel appointment: %w", err)
	}

	s.logEvent(ctx, updated.ID, EventAppointmentCancelled, map[string]any{
		"actor":  actor,
		"reason": reason,
		"slot":   a.Slot,
		"day":    practicetime.FormatDay(a.Day),
	})
	s.metrics.ObserveTransition(string(StatusCancelled), "manual")
	s.Notify(ctx, notify.KindCancellation, updated, map[string]string{"reason": reason})
	return updated, nil
}

// Complete is the explicit doctor action.
func (s *Service) Complete(ctx context.Context, actor auth.Principal, id uuid.UUID) (*Appointment, error) {
	a, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !visibleTo(a, actor) {
		return nil, ErrAppointmentNotFound
	}
	if !actor.IsAdmin() && !actor.IsDoctor(a.DoctorID) {
		return nil, auth.ErrForbidden
	}
	if err := closedStatusError(a.Status); err != nil {
		return nil, err
	}
	if a.Status == StatusPending {
		return nil, ErrInvalidTransition
	}

	updated, err := s.complete(ctx, a, "manual")
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, s.raceError(ctx, a.ID)
		}
		return nil, fmt.Errorf("complete appointment: %w", err)
	}
	return updated, nil
}

// AutoComplete completes every appointment whose start plus the grace period
// has elapsed. Safe to run concurrently with the lazy path.
func (s *Service) AutoComplete(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.cfg.Scheduling.CompletionGrace)
	due, err := s.repo.FindDueForCompletion(ctx, cutoff, sweepBatch)
	if err != nil {
		return 0, fmt.Errorf("find due appointments: %w", err)
	}

	completed := 0
	for i := range due {
		if _, err := s.complete(ctx, &due[i], "sweep"); err != nil {
			if !errors.Is(err, ErrAppointmentNotFound) {
				s.log.Warn("auto-complete failed", "appointment_id", due[i].ID, "error", err)
			}
			continue
		}
		completed++
	}
	return completed, nil
}

func (s *Service) complete(ctx context.Context, a *Appointment, trigger string) (*Appointment, error) {
	updated, err := s.repo.UpdateStatus(ctx, a.ID, completableStatuses, StatusChange{To: StatusCompleted, At: s.now()})
	if err != nil {
		return nil, err
	}
	s.logEvent(ctx, updated.ID, EventAppointmentCompleted, map[string]any{"trigger": trigger})
	s.metrics.ObserveTransition(string(StatusCompleted), trigger)
	return updated, nil
}

// settle applies auto-completion lazily on read. Failures leave a unchanged.
func (s *Service) settle(ctx context.Context, a *Appointment) *Appointment {
	if a.Status != StatusUpcoming && a.Status != StatusConfirmed {
		return a
	}
	if s.now().Before(a.StartsAt.Add(s.cfg.Scheduling.CompletionGrace)) {
		return a
	}

	updated, err := s.complete(ctx, a, "lazy")
	if err == nil {
		return updated
	}
	if errors.Is(err, ErrAppointmentNotFound) {
		if fresh, lerr := s.repo.GetByID(ctx, a.ID); lerr == nil {
			return fresh
		}
		return a
	}
	s.log.Warn("lazy auto-complete failed", "appointment_id", a.ID, "error", err)
	return a
}

// Reschedule moves the appointment to a new slot of the same doctor.
func (s *Service) Reschedule(ctx context.Context, actor auth.Principal, id uuid.UUID, day time.Time, slot string) (*Appointment, error) {
	a, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !visibleTo(a, actor) {
		return nil, ErrAppointmentNotFound
	}
	return s.reschedule(ctx, s.settle(ctx, a), actor.String(), actor.Role == auth.RolePatient, day, slot)
}

// RescheduleByToken moves the appointment for the management-link holder.
// The old link stops working.
func (s *Service) RescheduleByToken(ctx context.Context, token string, day time.Time, slot string) (*Appointment, error) {
	a, err := s.loadByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	return s.reschedule(ctx, s.settle(ctx, a), "patient:management_link", true, day, slot)
}

func (s *Service) reschedule(ctx context.Context, a *Appointment, actor string, patientInitiated bool, day time.Time, slot string) (*Appointment, error) {
	if err := closedStatusError(a.Status); err != nil {
		return nil, err
	}
	now := s.now()
	if patientInitiated && !now.Before(a.StartsAt.Add(-s.cfg.Scheduling.CancellationCutoff)) {
		return nil, ErrCancellationClosed
	}

	day = practicetime.DayKey(day)
	startsAt, err := s.clock.ToAbsoluteInstant(day, slot)
	if err != nil {
		return nil, err
	}
	if day.Equal(a.Day) && slot == a.Slot {
		return nil, ErrSameSlot
	}
	if startsAt.Before(now.Add(s.cfg.Scheduling.BookingBuffer)) {
		return nil, ErrPastDate
	}
	if s.catalog != nil {
		ok, err := s.catalog.IsPublished(ctx, a.DoctorID, day, slot)
		if err != nil {
			return nil, fmt.Errorf("check availability: %w", err)
		}
		if !ok {
			return nil, ErrNotAvailable
		}
	}

	token, err := NewManagementToken()
	if err != nil {
		return nil, err
	}
	move := Move{
		Day:           day,
		Slot:          slot,
		StartsAt:      startsAt,
		RequiresVideo: s.policy.RequiresVideo(a.DoctorID, startsAt, a.VideoOverride),
		Token:         token,
		Entry: RescheduleEntry{
			FromDay:  a.Day,
			FromSlot: a.Slot,
			ToDay:    day,
			ToSlot:   slot,
			Actor:    actor,
			At:       now,
		},
	}

	var updated *Appointment
	err = s.locker.WithLock(ctx, redisclient.SlotKey(a.DoctorID, day, slot), func(lockCtx context.Context) error {
		holder, err := s.repo.FindActiveForSlot(lockCtx, a.DoctorID, day, slot)
		if err != nil && !errors.Is(err, ErrAppointmentNotFound) {
			return fmt.Errorf("check target slot: %w", err)
		}
		if holder != nil && holder.ID != a.ID {
			return ErrSlotConflict
		}

		updated, err = s.repo.Reschedule(lockCtx, a.ID, move)
		return err
	})
	if err != nil {
		switch {
		case errors.Is(err, redisclient.ErrLockNotAcquired):
			return nil, ErrSlotBusy
		case errors.Is(err, ErrAppointmentNotFound):
			return nil, s.raceError(ctx, a.ID)
		}
		return nil, err
	}

	s.logEvent(ctx, updated.ID, EventAppointmentRescheduled, map[string]any{
		"actor":     actor,
		"from_day":  practicetime.FormatDay(a.Day),
		"from_slot": a.Slot,
		"to_day":    practicetime.FormatDay(day),
		"to_slot":   slot,
	})
	s.metrics.ObserveTransition("rescheduled", "manual")
	s.Notify(ctx, notify.KindReschedule, updated, map[string]string{
		"old_day":  practicetime.FormatDay(a.Day),
		"old_time": a.Slot,
	})

	if updated.RequiresVideo && updated.RoomHandle == nil {
		updated = s.ProvisionRoom(ctx, updated)
	}
	return updated, nil
}

// SendDueReminders notifies every open appointment starting within the
// reminder lead. The persisted claim keeps it at most once per appointment
// across restarts and instances.
func (s *Service) SendDueReminders(ctx context.Context) (int, error) {
	now := s.now()
	due, err := s.repo.FindDueForReminder(ctx, now, now.Add(s.cfg.Scheduling.ReminderLead), sweepBatch)
	if err != nil {
		return 0, fmt.Errorf("find due reminders: %w", err)
	}

	sent := 0
	for i := range due {
		a := &due[i]
		claimed, err := s.repo.ClaimReminder(ctx, a.ID, now)
		if err != nil {
			s.log.Warn("claim reminder failed", "appointment_id", a.ID, "error", err)
			continue
		}
		if !claimed {
			continue
		}
		s.Notify(ctx, notify.KindReminder, a, nil)
		s.logEvent(ctx, a.ID, EventReminderSent, map[string]any{"starts_at": a.StartsAt})
		sent++
	}
	return sent, nil
}

// Delete hard-deletes an appointment. Admin only.
func (s *Service) Delete(ctx context.Context, actor auth.Principal, id uuid.UUID) error {
	if !actor.IsAdmin() {
		return auth.ErrForbidden
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.logEvent(ctx, id, EventAppointmentDeleted, map[string]any{"actor": actor.String()})
	return nil
}

// ProvisionRoom asks the video provider for a room and stores it. Failures
// are logged and the appointment is returned unchanged.
func (s *Service) ProvisionRoom(ctx context.Context, a *Appointment) *Appointment {
	if s.rooms == nil || !videoEligible(a) || a.RoomHandle != nil {
		return a
	}

	room, err := s.rooms.CreateRoom(ctx, video.RoomRequest{
		AppointmentID: a.ID,
		DoctorID:      a.DoctorID,
		StartsAt:      a.StartsAt,
		Duration:      s.window.Duration,
	})
	s.metrics.ObserveSideEffect("video", err)
	if err != nil {
		s.log.Warn("video room provisioning failed", "appointment_id", a.ID, "error", err)
		return a
	}

	if err := s.repo.SetRoom(ctx, a.ID, room.Handle, room.JoinURL); err != nil {
		s.log.Warn("store video room failed", "appointment_id", a.ID, "error", err)
		return a
	}

	out := *a
	out.RoomHandle = &room.Handle
	out.JoinURL = &room.JoinURL
	s.logEvent(ctx, a.ID, EventRoomProvisioned, map[string]any{"handle": room.Handle})
	return &out
}

// Notify sends a patient-facing notification. Failures are logged and counted only.
func (s *Service) Notify(ctx context.Context, kind notify.Kind, a *Appointment, extra map[string]string) {
	data := s.messageData(ctx, a)
	maps.Copy(data, extra)

	err := s.notifier.Send(ctx, notify.Message{
		Kind: kind,
		Recipient: notify.Recipient{
			Name:  a.Contact.Name,
			Email: a.Contact.Email,
			Phone: a.Contact.Phone,
		},
		Locale: a.Locale,
		Data:   data,
	})
	s.metrics.ObserveSideEffect("notify", err)
	if err != nil {
		s.log.Warn("notification failed", "kind", kind, "appointment_id", a.ID, "error", err)
	}
}

// NotifyPractice sends the internal notice for video appointments.
func (s *Service) NotifyPractice(ctx context.Context, a *Appointment) {
	addr := s.cfg.Email.PracticeNoticeAddr
	if addr == "" || !a.RequiresVideo {
		return
	}
	err := s.notifier.Send(ctx, notify.Message{
		Kind:      notify.KindPracticeVideoNotice,
		Recipient: notify.Recipient{Email: addr},
		Locale:    "en",
		Data:      s.messageData(ctx, a),
	})
	s.metrics.ObserveSideEffect("notify", err)
	if err != nil {
		s.log.Warn("practice notice failed", "appointment_id", a.ID, "error", err)
	}
}

func (s *Service) messageData(ctx context.Context, a *Appointment) map[string]string {
	data := map[string]string{
		"appointment_id": a.ID.String(),
		"patient":        a.Contact.Name,
		"doctor":         "your doctor",
		"day":            practicetime.FormatDay(a.Day),
		"time":           a.Slot,
		"manage_url":     s.cfg.PublicBaseURL + "/manage/" + a.ManagementToken,
	}
	if a.JoinURL != nil {
		data["join_url"] = *a.JoinURL
	}
	if s.doctors != nil {
		if d, err := s.doctors.GetDoctorByID(ctx, a.DoctorID); err == nil {
			data["doctor"] = d.Name
		}
	}
	return data
}

func (s *Service) load(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load appointment: %w", err)
	}
	return a, nil
}

func (s *Service) loadByToken(ctx context.Context, token string) (*Appointment, error) {
	if token == "" {
		return nil, ErrAppointmentNotFound
	}
	a, err := s.repo.GetByToken(ctx, token)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load appointment by token: %w", err)
	}
	return a, nil
}

// raceError explains a conditional update that matched nothing.
func (s *Service) raceError(ctx context.Context, id uuid.UUID) error {
	fresh, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	if err := closedStatusError(fresh.Status); err != nil {
		return err
	}
	return ErrInvalidTransition
}

func closedStatusError(st Status) error {
	switch st {
	case StatusCancelled:
		return ErrAlreadyCancelled
	case StatusCompleted:
		return ErrAlreadyCompleted
	}
	return nil
}

func visibleTo(a *Appointment, actor auth.Principal) bool {
	switch actor.Role {
	case auth.RoleAdmin, auth.RoleSystem:
		return true
	case auth.RoleDoctor:
		return a.DoctorID == actor.ID
	case auth.RolePatient:
		return a.IsOwnedByPatient(actor.ID)
	}
	return false
}

func (s *Service) logEvent(ctx context.Context, appointmentID uuid.UUID, eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Warn("failed to marshal event payload", "event_type", eventType, "error", err)
		data = nil
	}

	apptID := appointmentID
	ev := EventLog{
		EventType:     eventType,
		AppointmentID: &apptID,
		Payload:       data,
		CreatedAt:     s.now(),
	}

	if err := s.repo.InsertEvent(ctx, ev); err != nil {
		s.log.Warn("failed to insert event log", "event_type", eventType, "appointment_id", appointmentID, "error", err)
	}
}
