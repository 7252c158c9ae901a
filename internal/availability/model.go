package availability

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/telemed-scheduling/internal/practicetime"
)

var (
	ErrAvailabilityNotFound  = errors.New("availability not found")
	ErrDuplicateAvailability = errors.New("availability already exists for this day")
	ErrInvalidSlotFormat     = errors.New("invalid slot format")
	ErrSlotAlreadyExists     = errors.New("slot already exists")
	ErrSlotNotFound          = errors.New("slot not found")
	ErrScheduleConflict      = errors.New("schedule conflict")
	ErrNoSlots               = errors.New("at least one slot is required")
	ErrInvalidRange          = errors.New("invalid day range")
	ErrPastDay               = errors.New("day is in the past")
)

// Availability is a doctor's offerable slots for one calendar day.
// Day is a UTC-midnight key; Slots are sorted and unique.
type Availability struct {
	ID        uuid.UUID
	DoctorID  uuid.UUID
	Day       time.Time
	Slots     []string
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasSlot reports whether slot is published on this day.
func (a *Availability) HasSlot(slot string) bool {
	return slices.Contains(a.Slots, slot)
}

// BookableDay is one day of remaining slots as shown to patients.
type BookableDay struct {
	DoctorID uuid.UUID
	Day      time.Time
	Slots    []string
}

// SlotRef identifies one (doctor, day, slot) triple. Day is a YYYY-MM-DD key.
type SlotRef struct {
	DoctorID uuid.UUID
	Day      string
	Slot     string
}

func NewSlotRef(doctorID uuid.UUID, day time.Time, slot string) SlotRef {
	return SlotRef{DoctorID: doctorID, Day: practicetime.FormatDay(day), Slot: slot}
}

// ScheduleConflictError lists every destination day that already has availability.
type ScheduleConflictError struct {
	Days []time.Time
}

func (e *ScheduleConflictError) Error() string {
	days := make([]string, 0, len(e.Days))
	for _, d := range e.Days {
		days = append(days, practicetime.FormatDay(d))
	}
	return fmt.Sprintf("%s: destination already has availability on %s", ErrScheduleConflict, strings.Join(days, ", "))
}

func (e *ScheduleConflictError) Is(target error) bool {
	return target == ErrScheduleConflict
}

// CopyRequest duplicates FromDoctor's availability in [From, To] onto ToDoctor.
type CopyRequest struct {
	FromDoctor uuid.UUID
	ToDoctor   uuid.UUID
	From       time.Time
	To         time.Time
	Overwrite  bool
}

// NormalizeSlots validates, de-duplicates and sorts slot strings.
func NormalizeSlots(slots []string) ([]string, error) {
	out := make([]string, 0, len(slots))
	for _, s := range slots {
		s = strings.TrimSpace(s)
		if !practicetime.ValidSlot(s) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidSlotFormat, s)
		}
		out = append(out, s)
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}
