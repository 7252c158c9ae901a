package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/hackgods/telemed-scheduling/internal/availability"
	"github.com/hackgods/telemed-scheduling/internal/db"
)

const (
	activeSlotIndex      = "appointments_active_slot_idx"
	paymentIntentUnique  = "appointments_payment_intent_key"
	defaultListLimit     = 50
	maxListLimit         = 200
	appointmentColumns   = `id, patient_id, patient_name, patient_email, patient_phone, locale, doctor_id, day, slot, plan, status, starts_at, requires_video, video_override, management_token, payment_intent_id, room_handle, join_url, cancelled_by, cancellation_reason, reschedule_history, reminder_sent_at, created_at, updated_at, confirmed_at, cancelled_at, completed_at`
)

type PgRepository struct {
	db db.DBTX
}

func NewPgRepository(conn db.DBTX) *PgRepository {
	return &PgRepository{db: conn}
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var history []byte

	err := row.Scan(
		&a.ID,
		&a.PatientID,
		&a.Contact.Name,
		&a.Contact.Email,
		&a.Contact.Phone,
		&a.Locale,
		&a.DoctorID,
		&a.Day,
		&a.Slot,
		&a.Plan,
		&a.Status,
		&a.StartsAt,
		&a.RequiresVideo,
		&a.VideoOverride,
		&a.ManagementToken,
		&a.PaymentIntentID,
		&a.RoomHandle,
		&a.JoinURL,
		&a.CancelledBy,
		&a.CancellationReason,
		&history,
		&a.ReminderSentAt,
		&a.CreatedAt,
		&a.UpdatedAt,
		&a.ConfirmedAt,
		&a.CancelledAt,
		&a.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	if len(history) > 0 {
		if err := json.Unmarshal(history, &a.RescheduleHistory); err != nil {
			return nil, fmt.Errorf("decode reschedule history: %w", err)
		}
	}
	a.Day = a.Day.UTC()
	a.StartsAt = a.StartsAt.UTC()
	return &a, nil
}

func collectAppointments(rows pgx.Rows) ([]Appointment, error) {
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func statusStrings(statuses []Status) []string {
	out := make([]string, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, string(s))
	}
	return out
}

func (r *PgRepository) Create(ctx context.Context, n NewAppointment) (*Appointment, error) {
	id := uuid.New()

	row := r.db.QueryRow(ctx, `
		INSERT INTO appointments (
			id, patient_id, patient_name, patient_email, patient_phone, locale,
			doctor_id, day, slot, plan, status, starts_at,
			requires_video, video_override, management_token, payment_intent_id,
			created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, now(), now())
		RETURNING `+appointmentColumns,
		id, n.PatientID, n.Contact.Name, n.Contact.Email, n.Contact.Phone, n.Locale,
		n.DoctorID, n.Day, n.Slot, n.Plan, string(n.Status), n.StartsAt,
		n.RequiresVideo, n.VideoOverride, n.ManagementToken, n.PaymentIntentID,
	)

	a, err := scanAppointment(row)
	if err != nil {
		if constraint, ok := db.UniqueViolation(err); ok {
			switch constraint {
			case paymentIntentUnique:
				return nil, ErrPaymentAlreadyLinked
			default:
				return nil, ErrSlotTaken
			}
		}
		return nil, fmt.Errorf("insert appointment: %w", err)
	}
	return a, nil
}

func (r *PgRepository) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (r *PgRepository) GetByToken(ctx context.Context, token string) (*Appointment, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE management_token = $1
	`, token)
	return scanAppointment(row)
}

func (r *PgRepository) GetByPaymentIntent(ctx context.Context, intentID uuid.UUID) (*Appointment, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE payment_intent_id = $1
	`, intentID)
	return scanAppointment(row)
}

func (r *PgRepository) FindActiveForSlot(ctx context.Context, doctorID uuid.UUID, day time.Time, slot string) (*Appointment, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE doctor_id = $1
		  AND day = $2
		  AND slot = $3
		  AND status <> 'cancelled'
	`, doctorID, day, slot)
	return scanAppointment(row)
}

func (r *PgRepository) List(ctx context.Context, f Filter) ([]Appointment, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	offset := max(f.Offset, 0)

	rows, err := r.db.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE ($1::uuid IS NULL OR patient_id = $1)
		  AND ($2::uuid IS NULL OR doctor_id = $2)
		  AND (cardinality($3::text[]) = 0 OR status = ANY($3))
		  AND ($4::date IS NULL OR day >= $4)
		  AND ($5::date IS NULL OR day <= $5)
		ORDER BY starts_at, id
		LIMIT $6 OFFSET $7
	`, f.PatientID, f.DoctorID, statusStrings(f.Statuses), nullableTime(f.From), nullableTime(f.To), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}
	return collectAppointments(rows)
}

func (r *PgRepository) UpdateStatus(ctx context.Context, id uuid.UUID, from []Status, c StatusChange) (*Appointment, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2::text,
		    confirmed_at = CASE WHEN $2::text = 'confirmed' THEN $3 ELSE confirmed_at END,
		    cancelled_at = CASE WHEN $2::text = 'cancelled' THEN $3 ELSE cancelled_at END,
		    completed_at = CASE WHEN $2::text = 'completed' THEN $3 ELSE completed_at END,
		    cancelled_by = COALESCE($4, cancelled_by),
		    cancellation_reason = COALESCE($5, cancellation_reason),
		    updated_at = now()
		WHERE id = $1
		  AND status = ANY($6)
		RETURNING `+appointmentColumns,
		id, string(c.To), c.At, c.Actor, c.Reason, statusStrings(from),
	)

	a, err := scanAppointment(row)
	if err != nil && !errors.Is(err, ErrAppointmentNotFound) {
		return nil, fmt.Errorf("update appointment status: %w", err)
	}
	return a, err
}

func (r *PgRepository) Reschedule(ctx context.Context, id uuid.UUID, m Move) (*Appointment, error) {
	entry, err := json.Marshal([]RescheduleEntry{m.Entry})
	if err != nil {
		return nil, fmt.Errorf("encode reschedule entry: %w", err)
	}

	row := r.db.QueryRow(ctx, `
		UPDATE appointments
		SET day = $2,
		    slot = $3,
		    starts_at = $4,
		    requires_video = $5,
		    management_token = $6,
		    reschedule_history = reschedule_history || $7::jsonb,
		    reminder_sent_at = NULL,
		    updated_at = now()
		WHERE id = $1
		  AND status = ANY($8)
		RETURNING `+appointmentColumns,
		id, m.Day, m.Slot, m.StartsAt, m.RequiresVideo, m.Token, string(entry), statusStrings(OpenStatuses),
	)

	a, err := scanAppointment(row)
	if err != nil {
		if constraint, ok := db.UniqueViolation(err); ok && constraint != paymentIntentUnique {
			return nil, ErrSlotConflict
		}
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("reschedule appointment: %w", err)
	}
	return a, nil
}

func (r *PgRepository) SetRoom(ctx context.Context, id uuid.UUID, handle, joinURL string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE appointments
		SET room_handle = $2,
		    join_url = $3,
		    updated_at = now()
		WHERE id = $1
	`, id, handle, joinURL)
	if err != nil {
		return fmt.Errorf("set room: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}

func (r *PgRepository) FindDueForCompletion(ctx context.Context, startedBefore time.Time, limit int) ([]Appointment, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE status = ANY($1)
		  AND starts_at <= $2
		ORDER BY starts_at
		LIMIT $3
	`, statusStrings(completableStatuses), startedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("find due for completion: %w", err)
	}
	return collectAppointments(rows)
}

func (r *PgRepository) FindDueForReminder(ctx context.Context, from, until time.Time, limit int) ([]Appointment, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE status = ANY($1)
		  AND reminder_sent_at IS NULL
		  AND starts_at > $2
		  AND starts_at <= $3
		ORDER BY starts_at
		LIMIT $4
	`, statusStrings(OpenStatuses), from, until, limit)
	if err != nil {
		return nil, fmt.Errorf("find due for reminder: %w", err)
	}
	return collectAppointments(rows)
}

func (r *PgRepository) ClaimReminder(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE appointments
		SET reminder_sent_at = $2
		WHERE id = $1
		  AND reminder_sent_at IS NULL
	`, id, at)
	if err != nil {
		return false, fmt.Errorf("claim reminder: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *PgRepository) TakenSlots(ctx context.Context, doctorID *uuid.UUID, from, to time.Time) (map[availability.SlotRef]struct{}, error) {
	rows, err := r.db.Query(ctx, `
		SELECT doctor_id, day, slot
		FROM appointments
		WHERE status <> 'cancelled'
		  AND ($1::uuid IS NULL OR doctor_id = $1)
		  AND day BETWEEN $2 AND $3
	`, doctorID, from, to)
	if err != nil {
		return nil, fmt.Errorf("load taken slots: %w", err)
	}
	defer rows.Close()

	taken := make(map[availability.SlotRef]struct{})
	for rows.Next() {
		var (
			doc  uuid.UUID
			day  time.Time
			slot string
		)
		if err := rows.Scan(&doc, &day, &slot); err != nil {
			return nil, err
		}
		taken[availability.NewSlotRef(doc, day.UTC(), slot)] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return taken, nil
}

func (r *PgRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM appointments WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete appointment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, ev.AppointmentID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}
	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
