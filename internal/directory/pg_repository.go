package directory

import (
	"context"
	"errors"
	"fmt"

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

const doctorColumns = `id, name, email, specialty, active, created_at, updated_at`
const patientColumns = `id, name, email, phone, locale, created_at, updated_at`

func scanDoctor(row pgx.Row) (*Doctor, error) {
	var d Doctor
	err := row.Scan(
		&d.ID,
		&d.Name,
		&d.Email,
		&d.Specialty,
		&d.Active,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDoctorNotFound
		}
		return nil, err
	}
	return &d, nil
}

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(
		&p.ID,
		&p.Name,
		&p.Email,
		&p.Phone,
		&p.Locale,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (r *PgRepository) GetDoctorByID(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+doctorColumns+`
		FROM doctors
		WHERE id = $1
	`, id)
	return scanDoctor(row)
}

func (r *PgRepository) GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+patientColumns+`
		FROM patients
		WHERE id = $1
	`, id)
	return scanPatient(row)
}

func (r *PgRepository) ListDoctors(ctx context.Context, activeOnly bool) ([]Doctor, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+doctorColumns+`
		FROM doctors
		WHERE ($1 = false OR active)
		ORDER BY name
	`, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("list doctors: %w", err)
	}
	defer rows.Close()

	var result []Doctor
	for rows.Next() {
		d, err := scanDoctor(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PgRepository) CreateDoctor(ctx context.Context, d Doctor) (*Doctor, error) {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	row := r.db.QueryRow(ctx, `
		INSERT INTO doctors (id, name, email, specialty, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, now(), now())
		RETURNING `+doctorColumns, d.ID, d.Name, d.Email, d.Specialty, d.Active)

	created, err := scanDoctor(row)
	if err != nil {
		return nil, fmt.Errorf("insert doctor: %w", err)
	}
	return created, nil
}

func (r *PgRepository) CreatePatient(ctx context.Context, p Patient) (*Patient, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.Locale == "" {
		p.Locale = "de"
	}
	row := r.db.QueryRow(ctx, `
		INSERT INTO patients (id, name, email, phone, locale, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, now(), now())
		RETURNING `+patientColumns, p.ID, p.Name, p.Email, p.Phone, p.Locale)

	created, err := scanPatient(row)
	if err != nil {
		return nil, fmt.Errorf("insert patient: %w", err)
	}
	return created, nil
}
