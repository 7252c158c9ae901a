package availability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/telemed-scheduling/internal/auth"
	"github.com/hackgods/telemed-scheduling/internal/config"
	"github.com/hackgods/telemed-scheduling/internal/practicetime"
	"github.com/hackgods/telemed-scheduling/pkg/logging"
)

// maxListRange bounds a single bookable-slot query.
const maxListRange = 62 * 24 * time.Hour

type Service struct {
	repo  Repository
	taken TakenSlots
	clock *practicetime.Converter
	cfg   config.Scheduling
	log   *logging.Logger
	now   func() time.Time
}

func NewService(repo Repository, taken TakenSlots, clock *practicetime.Converter, cfg config.Config, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{
		repo:  repo,
		taken: taken,
		clock: clock,
		cfg:   cfg.Scheduling,
		log:   logger,
		now:   time.Now,
	}
}

// WithClock replaces the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Publish creates the day's availability. A second publish for the same
// doctor and day fails with ErrDuplicateAvailability.
func (s *Service) Publish(ctx context.Context, actor auth.Principal, doctorID uuid.UUID, day time.Time, slots []string) (*Availability, error) {
	if !actor.CanManageDoctor(doctorID) {
		return nil, auth.ErrForbidden
	}
	day, err := s.checkDay(day)
	if err != nil {
		return nil, err
	}
	normalized, err := NormalizeSlots(slots)
	if err != nil {
		return nil, err
	}
	if len(normalized) == 0 {
		return nil, ErrNoSlots
	}

	created, err := s.repo.Create(ctx, Availability{
		DoctorID: doctorID,
		Day:      day,
		Slots:    normalized,
		Active:   true,
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("availability published",
		"doctor_id", doctorID,
		"day", practicetime.FormatDay(day),
		"slots", len(normalized),
		"actor", actor.String(),
	)
	return created, nil
}

func (s *Service) Get(ctx context.Context, doctorID uuid.UUID, day time.Time) (*Availability, error) {
	return s.repo.Get(ctx, doctorID, practicetime.DayKey(day))
}

func (s *Service) AddSlot(ctx context.Context, actor auth.Principal, doctorID uuid.UUID, day time.Time, slot string) (*Availability, error) {
	if !actor.CanManageDoctor(doctorID) {
		return nil, auth.ErrForbidden
	}
	if !practicetime.ValidSlot(slot) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSlotFormat, slot)
	}
	return s.repo.AddSlot(ctx, doctorID, practicetime.DayKey(day), slot)
}

func (s *Service) RemoveSlot(ctx context.Context, actor auth.Principal, doctorID uuid.UUID, day time.Time, slot string) (*Availability, error) {
	if !actor.CanManageDoctor(doctorID) {
		return nil, auth.ErrForbidden
	}
	if !practicetime.ValidSlot(slot) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSlotFormat, slot)
	}
	return s.repo.RemoveSlot(ctx, doctorID, practicetime.DayKey(day), slot)
}

// ReplaceSlots overwrites the day's slot list. An empty list keeps the day
// published with nothing bookable.
func (s *Service) ReplaceSlots(ctx context.Context, actor auth.Principal, doctorID uuid.UUID, day time.Time, slots []string) (*Availability, error) {
	if !actor.CanManageDoctor(doctorID) {
		return nil, auth.ErrForbidden
	}
	normalized, err := NormalizeSlots(slots)
	if err != nil {
		return nil, err
	}
	return s.repo.ReplaceSlots(ctx, doctorID, practicetime.DayKey(day), normalized)
}

func (s *Service) Deactivate(ctx context.Context, actor auth.Principal, doctorID uuid.UUID, day time.Time) (*Availability, error) {
	if !actor.CanManageDoctor(doctorID) {
		return nil, auth.ErrForbidden
	}
	return s.repo.SetActive(ctx, doctorID, practicetime.DayKey(day), false)
}

func (s *Service) Delete(ctx context.Context, actor auth.Principal, doctorID uuid.UUID, day time.Time) error {
	if !actor.CanManageDoctor(doctorID) {
		return auth.ErrForbidden
	}
	return s.repo.Delete(ctx, doctorID, practicetime.DayKey(day))
}

// ClearDoctor removes the doctor's whole schedule.
func (s *Service) ClearDoctor(ctx context.Context, actor auth.Principal, doctorID uuid.UUID) (int64, error) {
	if !actor.CanManageDoctor(doctorID) {
		return 0, auth.ErrForbidden
	}
	n, err := s.repo.DeleteByDoctor(ctx, doctorID)
	if err != nil {
		return 0, err
	}
	s.log.Info("availability cleared", "doctor_id", doctorID, "days", n, "actor", actor.String())
	return n, nil
}

// CopySchedule duplicates the source doctor's days in range onto the
// destination doctor. Only the destination's owner or an admin may copy.
func (s *Service) CopySchedule(ctx context.Context, actor auth.Principal, req CopyRequest) (int64, error) {
	if !actor.CanManageDoctor(req.ToDoctor) {
		return 0, auth.ErrForbidden
	}
	if req.FromDoctor == req.ToDoctor {
		return 0, fmt.Errorf("%w: source and destination doctor are the same", ErrInvalidRange)
	}
	req.From = practicetime.DayKey(req.From)
	req.To = practicetime.DayKey(req.To)
	if req.From.IsZero() || req.To.Before(req.From) {
		return 0, ErrInvalidRange
	}

	n, err := s.repo.CopyRange(ctx, req)
	if err != nil {
		return 0, err
	}

	s.log.Info("availability copied",
		"from_doctor", req.FromDoctor,
		"to_doctor", req.ToDoctor,
		"from", practicetime.FormatDay(req.From),
		"to", practicetime.FormatDay(req.To),
		"overwrite", req.Overwrite,
		"days", n,
	)
	return n, nil
}

// Query selects bookable slots. A nil DoctorID spans every doctor; a zero To
// means a single day.
type Query struct {
	DoctorID *uuid.UUID
	From     time.Time
	To       time.Time
}

// ListBookable returns published slots minus those held by appointments.
// On the current practice day, slots starting within the listing buffer are
// dropped; earlier days are never returned.
func (s *Service) ListBookable(ctx context.Context, q Query) ([]BookableDay, error) {
	now := s.now()
	today := s.clock.DayOf(now)

	from := practicetime.DayKey(q.From)
	if q.From.IsZero() {
		from = today
	}
	to := from
	if !q.To.IsZero() {
		to = practicetime.DayKey(q.To)
	}
	if to.Before(from) || to.Sub(from) > maxListRange {
		return nil, ErrInvalidRange
	}
	if from.Before(today) {
		from = today
	}
	if to.Before(from) {
		return nil, nil
	}

	days, err := s.repo.List(ctx, ListFilter{
		DoctorID:         q.DoctorID,
		From:             from,
		To:               to,
		ActiveOnly:       true,
		KnownDoctorsOnly: true,
	})
	if err != nil {
		return nil, err
	}
	if len(days) == 0 {
		return nil, nil
	}

	taken, err := s.taken.TakenSlots(ctx, q.DoctorID, from, to)
	if err != nil {
		return nil, fmt.Errorf("load taken slots: %w", err)
	}

	result := make([]BookableDay, 0, len(days))
	for _, a := range days {
		isToday := s.clock.IsToday(a.Day, now)
		free := make([]string, 0, len(a.Slots))
		for _, slot := range a.Slots {
			if _, ok := taken[NewSlotRef(a.DoctorID, a.Day, slot)]; ok {
				continue
			}
			if isToday {
				open, err := s.clock.SlotOpen(a.Day, slot, now, s.cfg.ListingBuffer)
				if err != nil || !open {
					continue
				}
			}
			free = append(free, slot)
		}
		if len(free) == 0 {
			continue
		}
		result = append(result, BookableDay{DoctorID: a.DoctorID, Day: a.Day, Slots: free})
	}
	return result, nil
}

// IsPublished reports whether slot is offered on an active day.
func (s *Service) IsPublished(ctx context.Context, doctorID uuid.UUID, day time.Time, slot string) (bool, error) {
	a, err := s.repo.Get(ctx, doctorID, practicetime.DayKey(day))
	if err != nil {
		if errors.Is(err, ErrAvailabilityNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("load availability: %w", err)
	}
	return a.Active && a.HasSlot(slot), nil
}

func (s *Service) checkDay(day time.Time) (time.Time, error) {
	if day.IsZero() {
		return time.Time{}, fmt.Errorf("%w: missing day", practicetime.ErrInvalidTimeInput)
	}
	day = practicetime.DayKey(day)
	if day.Before(s.clock.DayOf(s.now())) {
		return time.Time{}, ErrPastDay
	}
	return day, nil
}
