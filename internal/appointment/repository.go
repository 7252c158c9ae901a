package appointment

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/telemed-scheduling/internal/availability"
)

var (
	ErrAppointmentNotFound = errors.New("appointment not found")
	// ErrSlotTaken is returned when another active appointment holds the slot.
	ErrSlotTaken = errors.New("slot already taken")
	// ErrSlotConflict is the reschedule variant of ErrSlotTaken.
	ErrSlotConflict = errors.New("target slot conflicts with another appointment")
	// ErrPaymentAlreadyLinked means the payment intent already produced an appointment.
	ErrPaymentAlreadyLinked = errors.New("payment intent already linked to an appointment")
)

// Repository contains all DB interactions needed by the lifecycle service.
type Repository interface {
	// Create fails with ErrSlotTaken when the (doctor, day, slot) is held.
	Create(ctx context.Context, n NewAppointment) (*Appointment, error)

	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	GetByToken(ctx context.Context, token string) (*Appointment, error)
	GetByPaymentIntent(ctx context.Context, intentID uuid.UUID) (*Appointment, error)
	FindActiveForSlot(ctx context.Context, doctorID uuid.UUID, day time.Time, slot string) (*Appointment, error)
	List(ctx context.Context, f Filter) ([]Appointment, error)

	// UpdateStatus applies the change only while the row is in one of from.
	// A miss returns ErrAppointmentNotFound.
	UpdateStatus(ctx context.Context, id uuid.UUID, from []Status, c StatusChange) (*Appointment, error)
	// Reschedule moves an open appointment. It fails with ErrSlotConflict on collision.
	Reschedule(ctx context.Context, id uuid.UUID, m Move) (*Appointment, error)
	SetRoom(ctx context.Context, id uuid.UUID, handle, joinURL string) error

	// Sweeps
	FindDueForCompletion(ctx context.Context, startedBefore time.Time, limit int) ([]Appointment, error)
	FindDueForReminder(ctx context.Context, from, until time.Time, limit int) ([]Appointment, error)
	// ClaimReminder sets reminder_sent_at once; false means someone else claimed it.
	ClaimReminder(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)

	availability.TakenSlots

	Delete(ctx context.Context, id uuid.UUID) error

	InsertEvent(ctx context.Context, ev EventLog) error
}
