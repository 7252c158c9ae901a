package appointment

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/telemed-scheduling/internal/availability"
	"github.com/hackgods/telemed-scheduling/internal/practicetime"
)

// MemoryRepository is an in-process Repository with the same slot and
// payment uniqueness rules as the Postgres schema. Used by tests and the
// simulator.
type MemoryRepository struct {
	mu     sync.Mutex
	byID   map[uuid.UUID]*Appointment
	events []EventLog
	clock  func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{byID: make(map[uuid.UUID]*Appointment), clock: time.Now}
}

func clone(a *Appointment) *Appointment {
	out := *a
	out.RescheduleHistory = slices.Clone(a.RescheduleHistory)
	return &out
}

func (m *MemoryRepository) holderLocked(doctorID uuid.UUID, day time.Time, slot string, except uuid.UUID) *Appointment {
	for _, a := range m.byID {
		if a.ID != except && a.Status.HoldsSlot() && a.DoctorID == doctorID && a.Day.Equal(day) && a.Slot == slot {
			return a
		}
	}
	return nil
}

func (m *MemoryRepository) Create(_ context.Context, n NewAppointment) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	day := practicetime.DayKey(n.Day)
	if m.holderLocked(n.DoctorID, day, n.Slot, uuid.Nil) != nil {
		return nil, ErrSlotTaken
	}
	if n.PaymentIntentID != nil {
		for _, a := range m.byID {
			if a.PaymentIntentID != nil && *a.PaymentIntentID == *n.PaymentIntentID {
				return nil, ErrPaymentAlreadyLinked
			}
		}
	}

	now := m.clock()
	a := &Appointment{
		ID:              uuid.New(),
		PatientID:       n.PatientID,
		Contact:         n.Contact,
		Locale:          n.Locale,
		DoctorID:        n.DoctorID,
		Day:             day,
		Slot:            n.Slot,
		Plan:            n.Plan,
		Status:          n.Status,
		StartsAt:        n.StartsAt,
		RequiresVideo:   n.RequiresVideo,
		VideoOverride:   n.VideoOverride,
		ManagementToken: n.ManagementToken,
		PaymentIntentID: n.PaymentIntentID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	m.byID[a.ID] = a
	return clone(a), nil
}

func (m *MemoryRepository) find(match func(a *Appointment) bool) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.byID {
		if match(a) {
			return clone(a), nil
		}
	}
	return nil, ErrAppointmentNotFound
}

func (m *MemoryRepository) GetByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	return m.find(func(a *Appointment) bool { return a.ID == id })
}

func (m *MemoryRepository) GetByToken(_ context.Context, token string) (*Appointment, error) {
	return m.find(func(a *Appointment) bool { return a.ManagementToken == token })
}

func (m *MemoryRepository) GetByPaymentIntent(_ context.Context, intentID uuid.UUID) (*Appointment, error) {
	return m.find(func(a *Appointment) bool { return a.PaymentIntentID != nil && *a.PaymentIntentID == intentID })
}

func (m *MemoryRepository) FindActiveForSlot(_ context.Context, doctorID uuid.UUID, day time.Time, slot string) (*Appointment, error) {
	day = practicetime.DayKey(day)
	return m.find(func(a *Appointment) bool {
		return a.Status.HoldsSlot() && a.DoctorID == doctorID && a.Day.Equal(day) && a.Slot == slot
	})
}

func (m *MemoryRepository) List(_ context.Context, f Filter) ([]Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Appointment
	for _, a := range m.byID {
		switch {
		case f.PatientID != nil && !a.IsOwnedByPatient(*f.PatientID):
			continue
		case f.DoctorID != nil && a.DoctorID != *f.DoctorID:
			continue
		case len(f.Statuses) > 0 && !slices.Contains(f.Statuses, a.Status):
			continue
		case !f.From.IsZero() && a.Day.Before(practicetime.DayKey(f.From)):
			continue
		case !f.To.IsZero() && a.Day.After(practicetime.DayKey(f.To)):
			continue
		}
		out = append(out, *clone(a))
	}
	slices.SortFunc(out, func(x, y Appointment) int { return x.StartsAt.Compare(y.StartsAt) })

	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryRepository) UpdateStatus(_ context.Context, id uuid.UUID, from []Status, c StatusChange) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.byID[id]
	if !ok || !slices.Contains(from, a.Status) {
		return nil, ErrAppointmentNotFound
	}
	at := c.At
	a.Status = c.To
	a.UpdatedAt = at
	switch c.To {
	case StatusConfirmed:
		a.ConfirmedAt = &at
	case StatusCancelled:
		a.CancelledAt = &at
		a.CancelledBy = c.Actor
		a.CancellationReason = c.Reason
	case StatusCompleted:
		a.CompletedAt = &at
	}
	return clone(a), nil
}

func (m *MemoryRepository) Reschedule(_ context.Context, id uuid.UUID, mv Move) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.byID[id]
	if !ok || !a.Status.IsOpen() {
		return nil, ErrAppointmentNotFound
	}
	day := practicetime.DayKey(mv.Day)
	if m.holderLocked(a.DoctorID, day, mv.Slot, a.ID) != nil {
		return nil, ErrSlotConflict
	}
	a.Day = day
	a.Slot = mv.Slot
	a.StartsAt = mv.StartsAt
	a.RequiresVideo = mv.RequiresVideo
	a.ManagementToken = mv.Token
	a.RescheduleHistory = append(a.RescheduleHistory, mv.Entry)
	a.ReminderSentAt = nil
	a.UpdatedAt = mv.Entry.At
	return clone(a), nil
}

func (m *MemoryRepository) SetRoom(_ context.Context, id uuid.UUID, handle, joinURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.byID[id]
	if !ok {
		return ErrAppointmentNotFound
	}
	a.RoomHandle = &handle
	a.JoinURL = &joinURL
	return nil
}

func (m *MemoryRepository) FindDueForCompletion(_ context.Context, startedBefore time.Time, limit int) ([]Appointment, error) {
	return m.collect(limit, func(a *Appointment) bool {
		return slices.Contains(completableStatuses, a.Status) && !a.StartsAt.After(startedBefore)
	}), nil
}

func (m *MemoryRepository) FindDueForReminder(_ context.Context, from, until time.Time, limit int) ([]Appointment, error) {
	return m.collect(limit, func(a *Appointment) bool {
		return a.Status.IsOpen() && a.ReminderSentAt == nil && a.StartsAt.After(from) && !a.StartsAt.After(until)
	}), nil
}

func (m *MemoryRepository) collect(limit int, match func(a *Appointment) bool) []Appointment {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Appointment
	for _, a := range m.byID {
		if match(a) {
			out = append(out, *clone(a))
		}
	}
	slices.SortFunc(out, func(x, y Appointment) int { return x.StartsAt.Compare(y.StartsAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *MemoryRepository) ClaimReminder(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.byID[id]
	if !ok || a.ReminderSentAt != nil || !a.Status.IsOpen() {
		return false, nil
	}
	a.ReminderSentAt = &at
	return true, nil
}

func (m *MemoryRepository) TakenSlots(_ context.Context, doctorID *uuid.UUID, from, to time.Time) (map[availability.SlotRef]struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	from, to = practicetime.DayKey(from), practicetime.DayKey(to)
	taken := make(map[availability.SlotRef]struct{})
	for _, a := range m.byID {
		if !a.Status.HoldsSlot() || a.Day.Before(from) || a.Day.After(to) {
			continue
		}
		if doctorID != nil && a.DoctorID != *doctorID {
			continue
		}
		taken[availability.NewSlotRef(a.DoctorID, a.Day, a.Slot)] = struct{}{}
	}
	return taken, nil
}

func (m *MemoryRepository) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byID[id]; !ok {
		return ErrAppointmentNotFound
	}
	delete(m.byID, id)
	return nil
}

func (m *MemoryRepository) InsertEvent(_ context.Context, ev EventLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev.ID = int64(len(m.events) + 1)
	m.events = append(m.events, ev)
	return nil
}

// Events returns the recorded event types in insertion order.
func (m *MemoryRepository) Events() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.events))
	for _, ev := range m.events {
		out = append(out, ev.EventType)
	}
	return out
}
