package directory

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrDoctorNotFound  = errors.New("doctor not found")
	ErrPatientNotFound = errors.New("patient not found")
)

// Repository is the read model for the people the scheduling core refers to.
type Repository interface {
	GetDoctorByID(ctx context.Context, id uuid.UUID) (*Doctor, error)
	GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	ListDoctors(ctx context.Context, activeOnly bool) ([]Doctor, error)

	CreateDoctor(ctx context.Context, d Doctor) (*Doctor, error)
	CreatePatient(ctx context.Context, p Patient) (*Patient, error)
}
