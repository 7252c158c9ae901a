package availability

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type ListFilter struct {
	DoctorID *uuid.UUID
	From     time.Time
	To       time.Time
	// ActiveOnly hides deactivated days.
	ActiveOnly bool
	// KnownDoctorsOnly drops rows whose doctor is missing or inactive.
	KnownDoctorsOnly bool
}

// Repository persists availability. Implementations enforce one row per (doctor, day).
type Repository interface {
	Create(ctx context.Context, a Availability) (*Availability, error)
	Get(ctx context.Context, doctorID uuid.UUID, day time.Time) (*Availability, error)
	List(ctx context.Context, f ListFilter) ([]Availability, error)

	AddSlot(ctx context.Context, doctorID uuid.UUID, day time.Time, slot string) (*Availability, error)
	RemoveSlot(ctx context.Context, doctorID uuid.UUID, day time.Time, slot string) (*Availability, error)
	ReplaceSlots(ctx context.Context, doctorID uuid.UUID, day time.Time, slots []string) (*Availability, error)
	SetActive(ctx context.Context, doctorID uuid.UUID, day time.Time, active bool) (*Availability, error)

	Delete(ctx context.Context, doctorID uuid.UUID, day time.Time) error
	DeleteByDoctor(ctx context.Context, doctorID uuid.UUID) (int64, error)

	// CopyRange copies in one transaction. Without Overwrite it returns a
	// *ScheduleConflictError when the destination already has rows in range.
	CopyRange(ctx context.Context, req CopyRequest) (int64, error)
}

// TakenSlots reports the slots held by appointments that are not cancelled.
type TakenSlots interface {
	TakenSlots(ctx context.Context, doctorID *uuid.UUID, from, to time.Time) (map[SlotRef]struct{}, error)
}
