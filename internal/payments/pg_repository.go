package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/hackgods/telemed-scheduling/internal/db"
)

const intentColumns = `id, patient_id, doctor_id, session_id, payment_ref, amount_cents, currency, country, day, slot, plan, status, appointment_id, refund_id, error_code, error_message, expires_at, created_at, updated_at`

const sessionUnique = "payment_intents_session_key"

type PgRepository struct {
	db db.DBTX
}

func NewPgRepository(conn db.DBTX) *PgRepository {
	return &PgRepository{db: conn}
}

func scanIntent(row pgx.Row) (*Intent, error) {
	var i Intent
	err := row.Scan(
		&i.ID,
		&i.PatientID,
		&i.DoctorID,
		&i.SessionID,
		&i.PaymentRef,
		&i.AmountCents,
		&i.Currency,
		&i.Country,
		&i.Day,
		&i.Slot,
		&i.Plan,
		&i.Status,
		&i.AppointmentID,
		&i.RefundID,
		&i.ErrorCode,
		&i.ErrorMessage,
		&i.ExpiresAt,
		&i.CreatedAt,
		&i.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrIntentNotFound
		}
		return nil, err
	}
	i.Day = i.Day.UTC()
	return &i, nil
}

func collectIntents(rows pgx.Rows) ([]Intent, error) {
	defer rows.Close()

	var out []Intent
	for rows.Next() {
		i, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *i)
	}
	return out, rows.Err()
}

func statusStrings(statuses []IntentStatus) []string {
	out := make([]string, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, string(s))
	}
	return out
}

func (r *PgRepository) Create(ctx context.Context, i Intent) (*Intent, error) {
	if i.ID == uuid.Nil {
		i.ID = uuid.New()
	}
	row := r.db.QueryRow(ctx, `
		INSERT INTO payment_intents (
			id, patient_id, doctor_id, session_id, amount_cents, currency, country,
			day, slot, plan, status, expires_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING `+intentColumns,
		i.ID, i.PatientID, i.DoctorID, i.SessionID, i.AmountCents, i.Currency, i.Country,
		i.Day, i.Slot, i.Plan, string(i.Status), i.ExpiresAt,
	)

	created, err := scanIntent(row)
	if err != nil {
		if constraint, ok := db.UniqueViolation(err); ok && constraint == sessionUnique {
			return nil, ErrSessionExists
		}
		return nil, fmt.Errorf("insert payment intent: %w", err)
	}
	return created, nil
}

func (r *PgRepository) GetByID(ctx context.Context, id uuid.UUID) (*Intent, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+intentColumns+`
		FROM payment_intents
		WHERE id = $1
	`, id)
	return scanIntent(row)
}

func (r *PgRepository) GetBySession(ctx context.Context, sessionID string) (*Intent, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+intentColumns+`
		FROM payment_intents
		WHERE session_id = $1
	`, sessionID)
	return scanIntent(row)
}

func (r *PgRepository) List(ctx context.Context, status IntentStatus, limit int) ([]Intent, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, `
		SELECT `+intentColumns+`
		FROM payment_intents
		WHERE ($1::text = '' OR status = $1::text)
		ORDER BY created_at DESC
		LIMIT $2
	`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list payment intents: %w", err)
	}
	return collectIntents(rows)
}

func (r *PgRepository) Transition(ctx context.Context, id uuid.UUID, from []IntentStatus, t Transition) (*Intent, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE payment_intents
		SET status = $2,
		    payment_ref = COALESCE($3, payment_ref),
		    appointment_id = COALESCE($4, appointment_id),
		    refund_id = COALESCE($5, refund_id),
		    error_code = COALESCE($6, error_code),
		    error_message = COALESCE($7, error_message),
		    updated_at = now()
		WHERE id = $1
		  AND status = ANY($8)
		RETURNING `+intentColumns,
		id, string(t.To), t.PaymentRef, t.AppointmentID, t.RefundID, t.ErrorCode, t.ErrorMessage, statusStrings(from),
	)

	i, err := scanIntent(row)
	if err != nil {
		if errors.Is(err, ErrIntentNotFound) {
			return nil, ErrIntentChanged
		}
		return nil, fmt.Errorf("transition payment intent: %w", err)
	}
	return i, nil
}

func (r *PgRepository) FindExpiredPending(ctx context.Context, cutoff time.Time, limit int) ([]Intent, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+intentColumns+`
		FROM payment_intents
		WHERE status = 'pending'
		  AND expires_at <= $1
		ORDER BY expires_at
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("find expired intents: %w", err)
	}
	return collectIntents(rows)
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, $4)
	`, ev.EventType, ev.AppointmentID, ev.Payload, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}
	return nil
}
