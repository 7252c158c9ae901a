package appointment

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	// StatusPending waits for the doctor to confirm.
	StatusPending   Status = "pending"
	StatusUpcoming  Status = "upcoming"
	StatusConfirmed Status = "confirmed"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// OpenStatuses are the active, not yet finished states.
var OpenStatuses = []Status{StatusPending, StatusUpcoming, StatusConfirmed}

// completableStatuses may move to completed.
var completableStatuses = []Status{StatusUpcoming, StatusConfirmed}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusUpcoming, StatusConfirmed, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// HoldsSlot reports whether an appointment in this status occupies its slot.
func (s Status) HoldsSlot() bool { return s != StatusCancelled }

func (s Status) IsOpen() bool {
	return s == StatusPending || s == StatusUpcoming || s == StatusConfirmed
}

const (
	PlanConsultation      = "consultation"
	PlanVideoConsultation = "video_consultation"
	PlanFollowUp          = "follow_up"
	PlanInPerson          = "in_person"
)

func ValidPlan(plan string) bool {
	switch plan {
	case PlanConsultation, PlanVideoConsultation, PlanFollowUp, PlanInPerson:
		return true
	}
	return false
}

// Contact holds patient details inline so guest bookings need no account.
type Contact struct {
	Name  string
	Email string
	Phone string
}

type RescheduleEntry struct {
	FromDay  time.Time `json:"from_day"`
	FromSlot string    `json:"from_slot"`
	ToDay    time.Time `json:"to_day"`
	ToSlot   string    `json:"to_slot"`
	Actor    string    `json:"actor"`
	At       time.Time `json:"at"`
}

type Appointment struct {
	ID        uuid.UUID
	PatientID *uuid.UUID
	Contact   Contact
	Locale    string
	DoctorID  uuid.UUID
	Day       time.Time // UTC-midnight key
	Slot      string    // HH:MM in the practice timezone
	Plan      string
	Status    Status
	StartsAt  time.Time

	RequiresVideo bool
	VideoOverride bool

	ManagementToken string
	PaymentIntentID *uuid.UUID
	RoomHandle      *string
	JoinURL         *string

	CancelledBy        *string
	CancellationReason *string
	RescheduleHistory  []RescheduleEntry
	ReminderSentAt     *time.Time

	CreatedAt   time.Time
	UpdatedAt   time.Time
	ConfirmedAt *time.Time
	CancelledAt *time.Time
	CompletedAt *time.Time
}

// IsOwnedByPatient reports whether the appointment belongs to the patient account.
func (a *Appointment) IsOwnedByPatient(patientID uuid.UUID) bool {
	return a.PatientID != nil && *a.PatientID == patientID
}

// NewAppointment is the input to Repository.Create.
type NewAppointment struct {
	PatientID       *uuid.UUID
	Contact         Contact
	Locale          string
	DoctorID        uuid.UUID
	Day             time.Time
	Slot            string
	Plan            string
	Status          Status
	StartsAt        time.Time
	RequiresVideo   bool
	VideoOverride   bool
	ManagementToken string
	PaymentIntentID *uuid.UUID
}

// StatusChange is applied by Repository.UpdateStatus.
type StatusChange struct {
	To     Status
	At     time.Time
	Actor  *string
	Reason *string
}

// Move is applied by Repository.Reschedule.
type Move struct {
	Day           time.Time
	Slot          string
	StartsAt      time.Time
	RequiresVideo bool
	Token         string
	Entry         RescheduleEntry
}

type Filter struct {
	PatientID *uuid.UUID
	DoctorID  *uuid.UUID
	Statuses  []Status
	From      time.Time // inclusive day, zero = unbounded
	To        time.Time // inclusive day, zero = unbounded
	Limit     int
	Offset    int
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}
