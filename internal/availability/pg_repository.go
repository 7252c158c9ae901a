package availability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/hackgods/telemed-scheduling/internal/db"
)

type PgRepository struct {
	db db.DBTX
}

func NewPgRepository(conn db.DBTX) *PgRepository {
	return &PgRepository{db: conn}
}

const columns = `id, doctor_id, day, slots, active, created_at, updated_at`

func scanAvailability(row pgx.Row) (*Availability, error) {
	var a Availability
	err := row.Scan(
		&a.ID,
		&a.DoctorID,
		&a.Day,
		&a.Slots,
		&a.Active,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAvailabilityNotFound
		}
		return nil, err
	}
	a.Day = a.Day.UTC()
	return &a, nil
}

func (r *PgRepository) Create(ctx context.Context, a Availability) (*Availability, error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}

	row := r.db.QueryRow(ctx, `
		INSERT INTO availabilities (id, doctor_id, day, slots, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, now(), now())
		RETURNING `+columns, a.ID, a.DoctorID, a.Day, a.Slots, a.Active)

	created, err := scanAvailability(row)
	if err != nil {
		if _, ok := db.UniqueViolation(err); ok {
			return nil, ErrDuplicateAvailability
		}
		return nil, fmt.Errorf("insert availability: %w", err)
	}
	return created, nil
}

func (r *PgRepository) Get(ctx context.Context, doctorID uuid.UUID, day time.Time) (*Availability, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+columns+`
		FROM availabilities
		WHERE doctor_id = $1 AND day = $2
	`, doctorID, day)
	return scanAvailability(row)
}

func (r *PgRepository) List(ctx context.Context, f ListFilter) ([]Availability, error) {
	rows, err := r.db.Query(ctx, `
		SELECT a.id, a.doctor_id, a.day, a.slots, a.active, a.created_at, a.updated_at
		FROM availabilities a
		LEFT JOIN doctors d ON d.id = a.doctor_id
		WHERE ($1::uuid IS NULL OR a.doctor_id = $1)
		  AND a.day BETWEEN $2 AND $3
		  AND ($4 = false OR a.active)
		  AND ($5 = false OR (d.id IS NOT NULL AND d.active))
		ORDER BY a.day, a.doctor_id
	`, f.DoctorID, f.From, f.To, f.ActiveOnly, f.KnownDoctorsOnly)
	if err != nil {
		return nil, fmt.Errorf("list availability: %w", err)
	}
	defer rows.Close()

	var result []Availability
	for rows.Next() {
		a, err := scanAvailability(rows)
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

func (r *PgRepository) AddSlot(ctx context.Context, doctorID uuid.UUID, day time.Time, slot string) (*Availability, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE availabilities
		SET slots = ARRAY(SELECT DISTINCT s FROM unnest(array_append(slots, $3::text)) AS s ORDER BY s),
		    updated_at = now()
		WHERE doctor_id = $1
		  AND day = $2
		  AND NOT ($3 = ANY(slots))
		RETURNING `+columns, doctorID, day, slot)

	a, err := scanAvailability(row)
	if errors.Is(err, ErrAvailabilityNotFound) {
		return nil, r.explainMiss(ctx, doctorID, day, ErrSlotAlreadyExists)
	}
	if err != nil {
		return nil, fmt.Errorf("add slot: %w", err)
	}
	return a, nil
}

func (r *PgRepository) RemoveSlot(ctx context.Context, doctorID uuid.UUID, day time.Time, slot string) (*Availability, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE availabilities
		SET slots = array_remove(slots, $3::text),
		    updated_at = now()
		WHERE doctor_id = $1
		  AND day = $2
		  AND $3 = ANY(slots)
		RETURNING `+columns, doctorID, day, slot)

	a, err := scanAvailability(row)
	if errors.Is(err, ErrAvailabilityNotFound) {
		return nil, r.explainMiss(ctx, doctorID, day, ErrSlotNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("remove slot: %w", err)
	}
	return a, nil
}

// explainMiss tells a missing day apart from a failed slot condition.
func (r *PgRepository) explainMiss(ctx context.Context, doctorID uuid.UUID, day time.Time, slotErr error) error {
	if _, err := r.Get(ctx, doctorID, day); err != nil {
		if errors.Is(err, ErrAvailabilityNotFound) {
			return err
		}
		return fmt.Errorf("load availability: %w", err)
	}
	return slotErr
}

func (r *PgRepository) ReplaceSlots(ctx context.Context, doctorID uuid.UUID, day time.Time, slots []string) (*Availability, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE availabilities
		SET slots = $3,
		    updated_at = now()
		WHERE doctor_id = $1 AND day = $2
		RETURNING `+columns, doctorID, day, slots)

	a, err := scanAvailability(row)
	if err != nil && !errors.Is(err, ErrAvailabilityNotFound) {
		return nil, fmt.Errorf("replace slots: %w", err)
	}
	return a, err
}

func (r *PgRepository) SetActive(ctx context.Context, doctorID uuid.UUID, day time.Time, active bool) (*Availability, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE availabilities
		SET active = $3,
		    updated_at = now()
		WHERE doctor_id = $1 AND day = $2
		RETURNING `+columns, doctorID, day, active)

	a, err := scanAvailability(row)
	if err != nil && !errors.Is(err, ErrAvailabilityNotFound) {
		return nil, fmt.Errorf("set availability active: %w", err)
	}
	return a, err
}

func (r *PgRepository) Delete(ctx context.Context, doctorID uuid.UUID, day time.Time) error {
	tag, err := r.db.Exec(ctx, `
		DELETE FROM availabilities
		WHERE doctor_id = $1 AND day = $2
	`, doctorID, day)
	if err != nil {
		return fmt.Errorf("delete availability: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAvailabilityNotFound
	}
	return nil
}

func (r *PgRepository) DeleteByDoctor(ctx context.Context, doctorID uuid.UUID) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM availabilities WHERE doctor_id = $1`, doctorID)
	if err != nil {
		return 0, fmt.Errorf("clear availability: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *PgRepository) CopyRange(ctx context.Context, req CopyRequest) (int64, error) {
	var copied int64

	err := db.InTx(ctx, r.db, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT day
			FROM availabilities
			WHERE doctor_id = $1 AND day BETWEEN $2 AND $3
			ORDER BY day
			FOR UPDATE
		`, req.ToDoctor, req.From, req.To)
		if err != nil {
			return fmt.Errorf("check destination: %w", err)
		}

		var existing []time.Time
		for rows.Next() {
			var d time.Time
			if err := rows.Scan(&d); err != nil {
				rows.Close()
				return err
			}
			existing = append(existing, d.UTC())
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		if len(existing) > 0 {
			if !req.Overwrite {
				return &ScheduleConflictError{Days: existing}
			}
			if _, err := tx.Exec(ctx, `
				DELETE FROM availabilities
				WHERE doctor_id = $1 AND day BETWEEN $2 AND $3
			`, req.ToDoctor, req.From, req.To); err != nil {
				return fmt.Errorf("clear destination: %w", err)
			}
		}

		tag, err := tx.Exec(ctx, `
			INSERT INTO availabilities (id, doctor_id, day, slots, active, created_at, updated_at)
			SELECT gen_random_uuid(), $2, day, slots, active, now(), now()
			FROM availabilities
			WHERE doctor_id = $1 AND day BETWEEN $3 AND $4
		`, req.FromDoctor, req.ToDoctor, req.From, req.To)
		if err != nil {
			if _, ok := db.UniqueViolation(err); ok {
				return ErrDuplicateAvailability
			}
			return fmt.Errorf("copy availability: %w", err)
		}
		copied = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return copied, nil
}
